package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aiox-platform/inferq/internal/api"
)

// APIKeyHeader carries the caller's identity.
const APIKeyHeader = "x-api-key"

type contextKey string

const UserIDKey contextKey = "user_id"

// Middleware resolves the caller's identity from the x-api-key header.
// Any non-empty key is accepted and used verbatim as the user id; there is
// no signature or lookup behind it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
		if key == "" {
			api.HandleError(w, api.ErrMissingAPIKey)
			return
		}

		slog.Debug("api key identified", "user_fp", Fingerprint(key), "path", r.URL.Path)

		ctx := WithUserID(r.Context(), key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithUserID stores the caller's identity on ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the identity set by Middleware, or "" if absent.
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}
