package backend

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/rjsadow/icecore/internal/auth"
)

// Anonymous builds the always-OK authenticator used to grant a fixed ACL
// to any client whose method the configured methods list admits, with no
// credential check at all — normally placed last in a stack so it only
// ever runs after every real authenticator has fallen through. rateLimit
// and rateBurst configure the admission limiter (rateLimit <= 0 disables
// it); passing 0 is the usual choice for anonymous since it sits behind
// every rate-limited authenticator already.
func Anonymous(role string, methods []string, rateLimit float64, rateBurst int, logger *slog.Logger) *auth.Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := auth.New(auth.Config{
		Role:      role,
		Type:      "anonymous",
		Methods:   methods,
		Immediate: true,
		ACL:       auth.NewACL(role, methods),
		RateLimit: rate.Limit(rateLimit),
		RateBurst: rateBurst,
		Logger:    logger,
	})
	a.Authenticate = func(ctx context.Context, client auth.ClientHandle) auth.Result {
		return auth.OK
	}
	return a
}
