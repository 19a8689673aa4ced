package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/rjsadow/icecore/internal/auth"
)

// URLConfig configures the url-type authenticator: a remote callout
// verified as an OIDC bearer token rather than the source's raw HTTP
// GET-and-check-status callout, since the rest of this stack already
// carries an OIDC/OAuth2 dependency for exactly this shape of check.
type URLConfig struct {
	Role          string
	Mount         string
	ManagementURL string
	IssuerURL     string
	ClientID      string
	ClientSecret  string
	Methods       []string
	RateLimit     float64
	RateBurst     int
	Logger        *slog.Logger
}

// URL builds the url-type authenticator: client.Header("Authorization")
// is expected to carry a bearer OIDC ID token, verified against the
// configured issuer/audience. Alongside the authenticator it returns
// refreshToken, which a management client can call with a previously
// issued refresh token to mint a new access token from the same provider
// without forcing the user through the browser flow again.
func URL(ctx context.Context, cfg URLConfig) (authr *auth.Authenticator, refreshToken func(ctx context.Context, refresh string) (*oauth2.Token, error), err error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, nil, fmt.Errorf("urlauth: discover issuer %s: %w", cfg.IssuerURL, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	oauthCfg := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
	}
	refresh := func(ctx context.Context, refreshTok string) (*oauth2.Token, error) {
		src := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshTok})
		return src.Token()
	}

	a := auth.New(auth.Config{
		Role:          cfg.Role,
		Type:          "url",
		Mount:         cfg.Mount,
		ManagementURL: cfg.ManagementURL,
		Methods:       cfg.Methods,
		ACL:           auth.NewACL(cfg.Role, cfg.Methods),
		RateLimit:     rate.Limit(cfg.RateLimit),
		RateBurst:     cfg.RateBurst,
		Logger:        logger,
	})

	a.Authenticate = func(ctx context.Context, client auth.ClientHandle) auth.Result {
		header := client.Header("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return auth.NoMatch
		}
		idToken, err := verifier.Verify(ctx, token)
		if err != nil {
			logger.Debug("urlauth: token verification failed", slog.String("error", err.Error()))
			return auth.Failed
		}
		var claims struct {
			Subject string `json:"sub"`
		}
		if err := idToken.Claims(&claims); err == nil && claims.Subject != "" {
			client.SetUsername(claims.Subject)
		}
		return auth.OK
	}

	a.ReleaseHook = func(ctx context.Context, client auth.ClientHandle) auth.Result {
		// The remote identity provider owns token lifetime; there is no
		// server-side session to tear down beyond the normal ACL release.
		return auth.Released
	}

	return a, refresh, nil
}
