// Package backend supplies the four recognized authenticator process
// functions (htpasswd, anonymous, static, url), each returning a ready
// *auth.Authenticator.
package backend

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/rjsadow/icecore/internal/auth"
	"github.com/rjsadow/icecore/internal/auth/store"
)

// Htpasswd builds a store-backed username/password authenticator: bcrypt
// verification against the migrated credential table, with management
// hooks wired to the same store so admin user-management requests drive
// real inserts/deletes. methods restricts which request methods this
// authenticator admits (nil admits any); rateLimit/rateBurst configure the
// admission limiter (rateLimit <= 0 disables it).
func Htpasswd(role, mount string, methods []string, rateLimit float64, rateBurst int, st *store.Store, logger *slog.Logger) *auth.Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := auth.New(auth.Config{
		Role:      role,
		Type:      "htpasswd",
		Mount:     mount,
		Methods:   methods,
		ACL:       auth.NewACL(role, methods),
		RateLimit: rate.Limit(rateLimit),
		RateBurst: rateBurst,
		Logger:    logger,
	})

	a.Authenticate = func(ctx context.Context, client auth.ClientHandle) auth.Result {
		if client.Username() == "" {
			return auth.NoMatch
		}
		ok, storedRole, err := st.VerifyPassword(ctx, client.Username(), client.Password())
		if err != nil {
			logger.Error("htpasswd: verify failed", slog.String("error", err.Error()))
			return auth.Failed
		}
		if !ok {
			return auth.NoMatch
		}
		if storedRole != "" {
			client.SetRole(storedRole)
		}
		return auth.OK
	}

	a.AddUserHook = func(ctx context.Context, username, password string) auth.Result {
		if err := st.AddUser(ctx, username, password, role); err != nil {
			logger.Error("htpasswd: add user failed", slog.String("username", username), slog.String("error", err.Error()))
			return auth.Failed
		}
		return auth.UserAdded
	}
	a.DeleteUserHook = func(ctx context.Context, username string) auth.Result {
		if err := st.DeleteUser(ctx, username); err != nil {
			logger.Error("htpasswd: delete user failed", slog.String("username", username), slog.String("error", err.Error()))
			return auth.Failed
		}
		return auth.UserDeleted
	}
	a.ListUserHook = func(ctx context.Context) ([]string, auth.Result) {
		names, err := st.ListUsers(ctx)
		if err != nil {
			logger.Error("htpasswd: list users failed", slog.String("error", err.Error()))
			return nil, auth.Failed
		}
		return names, auth.OK
	}
	return a
}
