package backend

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/rjsadow/icecore/internal/auth"
)

// Static builds the single-shared-secret authenticator: the legacy
// "source password" model, where any client presenting the configured
// password (as any username) is accepted under role. methods restricts
// which request methods this authenticator admits (nil admits any);
// rateLimit/rateBurst configure the admission limiter (rateLimit <= 0
// disables it). It returns both the authenticator and a
// VerifyManagementToken function the admin user-management HTTP surface
// should call before invoking any of the authenticator's
// Add/Delete/ListUserHook, gating them behind a signed JWT bearer token
// rather than the legacy password itself.
func Static(role, mount string, methods []string, rateLimit float64, rateBurst int, password string, jwtSecret []byte, logger *slog.Logger) (authr *auth.Authenticator, verifyManagementToken func(bearer string) bool) {
	if logger == nil {
		logger = slog.Default()
	}
	a := auth.New(auth.Config{
		Role:      role,
		Type:      "static",
		Mount:     mount,
		Methods:   methods,
		Immediate: true,
		ACL:       auth.NewACL(role, methods),
		RateLimit: rate.Limit(rateLimit),
		RateBurst: rateBurst,
		Logger:    logger,
	})

	a.Authenticate = func(ctx context.Context, client auth.ClientHandle) auth.Result {
		if client.Password() == "" || client.Password() != password {
			return auth.NoMatch
		}
		return auth.OK
	}

	verify := func(bearer string) bool {
		token, ok := strings.CutPrefix(bearer, "Bearer ")
		if !ok {
			return false
		}
		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			return jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !parsed.Valid {
			return false
		}
		sub, _ := claims["role"].(string)
		return sub == role || sub == "admin"
	}

	a.AddUserHook = func(ctx context.Context, username, password string) auth.Result {
		logger.Warn("static: add-user requested against a single-credential authenticator; no-op", slog.String("mount", mount))
		return auth.Failed
	}
	a.DeleteUserHook = func(ctx context.Context, username string) auth.Result {
		logger.Warn("static: delete-user requested against a single-credential authenticator; no-op", slog.String("mount", mount))
		return auth.Failed
	}

	return a, verify
}

// issueManagementToken is a test/ops convenience for minting a short-lived
// bearer token a management client can present to verify.
func issueManagementToken(role string, jwtSecret []byte, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"role": role,
		"exp":  time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}
