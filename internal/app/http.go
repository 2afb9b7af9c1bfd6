package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/rbac"
	"github.com/ui-toolbox/icon-repository-sub000/internal/search"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

const maxIconfileBytes = 10 << 20

type HTTPConfig struct {
	CORSOrigin string
	Policy     rbac.Policy
	Logger     *slog.Logger
}

type HTTPServer struct {
	service  *IconService
	sessions *Sessions
	policy   rbac.Policy
	logger   *slog.Logger
	router   *chi.Mux
}

func NewHTTPServer(service *IconService, sessions *Sessions, cfg HTTPConfig) *HTTPServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	s := &HTTPServer{
		service:  service,
		sessions: sessions,
		policy:   cfg.Policy,
		logger:   cfg.Logger.With("component", "http"),
		router:   chi.NewRouter(),
	}
	s.routes(cfg.CORSOrigin)
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) routes(corsOrigin string) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(corsOrigin, ","),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: corsOrigin != "*",
		MaxAge:           300,
	}))

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Route("/session", func(r chi.Router) {
			r.With(s.requireAuth).Get("/", s.handleSession)
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/logout", s.handleLogout)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/search", s.handleSearch)
			r.Get("/history", s.handleHistory)
			r.Get("/tag", s.handleGetTags)

			r.Route("/icon", func(r chi.Router) {
				r.Get("/", s.handleDescribeAllIcons)
				r.With(s.require(rbac.PrivilegeCreateIcon)).Post("/", s.handleCreateIcon)

				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", s.handleDescribeIcon)
					r.With(s.require(rbac.PrivilegeUpdateIcon)).Patch("/", s.handleUpdateIcon)
					r.With(s.require(rbac.PrivilegeRemoveIcon)).Delete("/", s.handleDeleteIcon)
					r.With(s.require(rbac.PrivilegeAddIconfile)).Post("/", s.handleIngestIconfile)

					r.Route("/format/{format}/size/{size}", func(r chi.Router) {
						r.Get("/", s.handleGetIconfile)
						r.With(s.require(rbac.PrivilegeAddIconfile)).Post("/", s.handleAddIconfile)
						r.With(s.require(rbac.PrivilegeRemoveIconfile)).Delete("/", s.handleDeleteIconfile)
					})

					r.With(s.require(rbac.PrivilegeAddTag)).Post("/tag", s.handleAddTag)
					r.With(s.require(rbac.PrivilegeRemoveTag)).Delete("/tag/{tag}", s.handleRemoveTag)
				})
			})
		})
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"git":      map[string]any{"status": "ok", "pending": s.service.GitQueueDepth()},
	}
	if err := s.service.Ready(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if username, password, ok := r.BasicAuth(); ok {
		body.Username, body.Password = username, password
	} else if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.sessions.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.sessions.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	if err := s.sessions.Logout(r.Context(), body.RefreshToken); err != nil {
		s.logger.Warn("logout failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	privileges := s.policy.Privileges(user.Groups)
	writeJSON(w, http.StatusOK, map[string]any{
		"username":   user.Username,
		"groups":     nonNilStrings(user.Groups),
		"privileges": privileges,
	})
}

func (s *HTTPServer) handleDescribeAllIcons(w http.ResponseWriter, r *http.Request) {
	icons, err := s.service.DescribeAllIcons(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if icons == nil {
		icons = []store.IconDescriptor{}
	}
	writeJSON(w, http.StatusOK, icons)
}

func (s *HTTPServer) handleDescribeIcon(w http.ResponseWriter, r *http.Request) {
	icon, err := s.service.DescribeIcon(r.Context(), pathParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, icon)
}

func (s *HTTPServer) handleCreateIcon(w http.ResponseWriter, r *http.Request) {
	content, err := readUpload(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	name := strings.TrimSpace(r.FormValue("iconName"))
	desc, err := s.service.CreateIcon(r.Context(), name, content, userFrom(r.Context()).Username)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"iconName": name, "iconfile": desc})
}

func (s *HTTPServer) handleIngestIconfile(w http.ResponseWriter, r *http.Request) {
	content, err := readUpload(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	name := pathParam(r, "name")
	desc, err := s.service.IngestIconfile(r.Context(), name, content, userFrom(r.Context()).Username)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"iconName": name, "iconfile": desc})
}

func (s *HTTPServer) handleUpdateIcon(w http.ResponseWriter, r *http.Request) {
	var body store.IconAttributes
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.UpdateIcon(r.Context(), pathParam(r, "name"), body, userFrom(r.Context()).Username); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeleteIcon(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteIcon(r.Context(), pathParam(r, "name"), userFrom(r.Context()).Username); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleGetIconfile(w http.ResponseWriter, r *http.Request) {
	desc := iconfileDescriptor(r)
	content, err := s.service.GetIconfile(r.Context(), pathParam(r, "name"), desc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", iconfileContentType(desc.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *HTTPServer) handleAddIconfile(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIconfileBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "iconfile body could not be read", nil)
		return
	}
	iconfile := store.Iconfile{
		Name:               pathParam(r, "name"),
		IconfileDescriptor: iconfileDescriptor(r),
		Content:            content,
	}
	if err := s.service.AddIconfile(r.Context(), iconfile, userFrom(r.Context()).Username); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"iconName": iconfile.Name, "iconfile": iconfile.IconfileDescriptor})
}

func (s *HTTPServer) handleDeleteIconfile(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteIconfile(r.Context(), pathParam(r, "name"), iconfileDescriptor(r), userFrom(r.Context()).Username); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleGetTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.service.GetTags(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilStrings(tags))
}

func (s *HTTPServer) handleAddTag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tag string `json:"tag"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.AddTag(r.Context(), pathParam(r, "name"), body.Tag); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	remaining, err := s.service.RemoveTag(r.Context(), pathParam(r, "name"), pathParam(r, "tag"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"remainingReferences": remaining})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := intParam(query.Get("limit"), 20)
	if limit > 100 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, s.service.Search(search.Query{
		Text:   strings.TrimSpace(query.Get("q")),
		Limit:  limit,
		Offset: intParam(query.Get("offset"), 0),
	}))
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	commits, err := s.service.History(r.Context(), intParam(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if commits == nil {
		commits = []store.CommitInfo{}
	}
	writeJSON(w, http.StatusOK, commits)
}

// fail writes the response for err. Unexpected errors are logged with the
// request id and reported without internals.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func sessionResponse(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"username":     session.User.Username,
		"groups":       nonNilStrings(session.User.Groups),
		"expiresAt":    session.ExpiresAt,
	}
}

func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIconfileBytes)
	if err := r.ParseMultipartForm(maxIconfileBytes); err != nil {
		return nil, apperr.Validationf("expected a multipart form with an iconfile part")
	}
	file, _, err := r.FormFile("iconfile")
	if err != nil {
		return nil, apperr.Validationf("iconfile part is missing")
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, apperr.Validationf("iconfile part could not be read")
	}
	return content, nil
}

func iconfileDescriptor(r *http.Request) store.IconfileDescriptor {
	return store.IconfileDescriptor{Format: pathParam(r, "format"), Size: pathParam(r, "size")}
}

func iconfileContentType(format string) string {
	switch strings.ToLower(format) {
	case "svg":
		return "image/svg+xml"
	case "png", "gif", "bmp", "tiff", "webp":
		return "image/" + strings.ToLower(format)
	case "jpg", "jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

func pathParam(r *http.Request, key string) string {
	value := chi.URLParam(r, key)
	if unescaped, err := url.PathUnescape(value); err == nil {
		return unescaped
	}
	return value
}

func intParam(value string, fallback int) int {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status = appErr.Code.HTTPStatus()
		if status >= http.StatusInternalServerError {
			return status, string(appErr.Code), "Server error", nil
		}
		return status, string(appErr.Code), appErr.Message, appErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
