package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ignite/segment-engine/internal/segmentation"
)

// Headers set by the authenticating gateway in front of this service.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// RoleAdmin may purge segments.
const RoleAdmin = "admin"

// UserContextKey is the key for storing user context
type UserContextKey struct{}

// UserContext holds the caller identity forwarded by the gateway.
type UserContext struct {
	ID   string
	Role string
}

// WithUser returns ctx carrying u.
func WithUser(ctx context.Context, u UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey{}, u)
}

// UserFromContext returns the caller identity, or a zero value for
// anonymous requests.
func UserFromContext(ctx context.Context) UserContext {
	u, _ := ctx.Value(UserContextKey{}).(UserContext)
	return u
}

// UserMiddleware lifts the gateway identity headers into the request context.
func UserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := UserContext{
			ID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
			Role: strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))),
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}

// NewRoleAuthorizer allows segment creation to callers holding one of
// roles. With no roles every caller is allowed.
func NewRoleAuthorizer(roles ...string) segmentation.Authorizer {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			allowed[r] = struct{}{}
		}
	}
	return segmentation.AuthorizerFunc(func(ctx context.Context) bool {
		if len(allowed) == 0 {
			return true
		}
		_, ok := allowed[UserFromContext(ctx).Role]
		return ok
	})
}

func isAdmin(ctx context.Context) bool {
	return UserFromContext(ctx).Role == RoleAdmin
}

// actor names the caller for createdBy and ownership fields.
func actor(ctx context.Context) string {
	if id := UserFromContext(ctx).ID; id != "" {
		return id
	}
	return "anonymous"
}
