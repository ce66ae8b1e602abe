// Package admin authenticates admin tooling requests. Commands that mutate
// verification state must carry a signed actor identity so the audit trail can
// attribute every override.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	dErrors "vouch/pkg/domain-errors"
	"vouch/pkg/platform/httputil"
)

// Actor is the authenticated identity attached to the request context.
type Actor struct {
	ID   string
	Role string
}

// Roles allowed to invoke admin commands.
const (
	RoleAdmin   = "admin"
	RoleFounder = "founder"
)

// IsPrivileged reports whether the actor may run override commands.
func (a Actor) IsPrivileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleFounder
}

type contextKeyActor struct{}

var actorKey = contextKeyActor{}

// GetActor retrieves the authenticated actor from the context. The zero Actor
// is returned when no middleware ran, which fails the privilege check.
func GetActor(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey).(Actor)
	return actor
}

// WithActor places an actor in the context. Exposed for tests and for
// non-HTTP invocation paths (scheduled jobs acting as "system").
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// RequireAdmin validates the Bearer token and enforces the admin/founder role.
// Rejected requests mutate nothing and are never written to the audit log.
func RequireAdmin(signingKey []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
				return
			}

			var c claims
			token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, dErrors.Newf(dErrors.CodeUnauthorized, "unexpected signing method %v", t.Header["alg"])
				}
				return signingKey, nil
			})
			if err != nil || !token.Valid {
				logger.WarnContext(ctx, "admin token rejected", "error", err)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			actor := Actor{ID: c.Subject, Role: c.Role}
			if actor.ID == "" || !actor.IsPrivileged() {
				logger.WarnContext(ctx, "admin role check failed",
					"actor_id", actor.ID,
					"role", actor.Role,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "admin or founder role required"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(ctx, actor)))
		})
	}
}
