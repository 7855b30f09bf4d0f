package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5/middleware"

	"moltjobs/internal/domain"
	"moltjobs/internal/engine/auth"
	"moltjobs/internal/logging"
)

// SessionHeader carries a session token minted by /auth/verify.
const SessionHeader = "X-Session-Token"

type principalKey struct{}
type authFailureKey struct{}

func withPrincipal(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, principalKey{}, id)
}

func principalFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(principalKey{}).(auth.Identity)
	return id, ok
}

func authFailureFromContext(ctx context.Context) error {
	err, _ := ctx.Value(authFailureKey{}).(error)
	return err
}

// requireAgent returns the authenticated agent or the error explaining why
// there is none.
func requireAgent(ctx context.Context) (auth.Identity, huma.StatusError) {
	if id, ok := principalFromContext(ctx); ok {
		return id, nil
	}
	if err := authFailureFromContext(ctx); err != nil {
		return auth.Identity{}, handleError(err)
	}
	return auth.Identity{}, newAPIError(http.StatusUnauthorized, "unauthorized",
		"Missing or invalid Authorization header. Use: Bearer moltbook_xxx", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the caller when credentials are present. A
// failed resolution does not reject the request; it is recorded so that
// operations requiring an agent can report it.
func newAuthMiddleware(resolver *auth.Resolver, log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			session := strings.TrimSpace(req.Header.Get(SessionHeader))
			if authz == "" && session == "" {
				next.ServeHTTP(w, req)
				return
			}
			ctx := req.Context()
			var (
				id  auth.Identity
				err error
			)
			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					err = domain.ErrMalformedCredential
				} else {
					id, err = resolver.Resolve(ctx, token)
				}
			} else {
				id, err = resolver.ResolveSession(ctx, session)
			}
			if err != nil {
				log.Debug(ctx, "authentication failed", "error", err, "request_id", middleware.GetReqID(ctx))
				ctx = context.WithValue(ctx, authFailureKey{}, err)
			} else {
				ctx = withPrincipal(ctx, id)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func accessLog(log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			args := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(req.Context()),
			}
			if id, ok := principalFromContext(req.Context()); ok {
				args = append(args, "agent_id", id.Agent.ID)
			}
			log.Info(req.Context(), "request", args...)
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
