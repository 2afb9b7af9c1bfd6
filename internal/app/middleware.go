package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/rbac"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

type ctxKey string

const userKey ctxKey = "user"

// requireAuth accepts Basic credentials of a configured user or a bearer
// token issued by the session endpoints.
func (s *HTTPServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="iconrepo"`)
			writeError(w, http.StatusUnauthorized, string(apperr.CodeUnauthorized), "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (s *HTTPServer) authenticate(r *http.Request) (store.User, error) {
	if username, password, ok := r.BasicAuth(); ok {
		return s.sessions.Authenticate(username, password)
	}
	token := bearerToken(r)
	if token == "" {
		return store.User{}, apperr.ErrUnauthorized
	}
	session, err := s.sessions.FromToken(token)
	if err != nil {
		return store.User{}, err
	}
	return session.User, nil
}

func (s *HTTPServer) require(privilege rbac.Privilege) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := userFrom(r.Context())
			if !s.policy.Can(user.Groups, privilege) {
				s.logger.Info("privilege denied",
					"request_id", middleware.GetReqID(r.Context()),
					"user", user.Username,
					"privilege", privilege,
				)
				writeError(w, http.StatusForbidden, string(apperr.CodeForbidden), "Forbidden", map[string]any{"privilege": privilege})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userFrom(ctx context.Context) store.User {
	user, _ := ctx.Value(userKey).(store.User)
	return user
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
