// Package api provides the HTTP surface for gated: routing, error envelope
// shaping, and the thin per-route handlers that adapt HTTP requests into
// calls on the orchestrator, deploy handler, and registry.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gated-run/gated/internal/apierr"
	"github.com/gated-run/gated/internal/deploy"
	"github.com/gated-run/gated/internal/domain"
	"github.com/gated-run/gated/internal/orchestrator"
	"github.com/gated-run/gated/internal/registry"
)

// maxJSONBodySize caps non-multipart request bodies (1MB).
const maxJSONBodySize = 1 << 20

// APIError is the structured JSON error envelope returned by every error response.
type APIError struct {
	Error string `json:"error"`
	Line  *int   `json:"line,omitempty"`
	Column *int  `json:"column,omitempty"`
}

// LogsProxy fetches logs for a deployed function from an external log
// store. Nil on a Server means the logs endpoint is not configured (503).
type LogsProxy interface {
	FetchLogs(r *http.Request, id string) ([]byte, error)
}

// Server holds the collaborators every handler needs.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Deploy       *deploy.Handler
	Registry     *registry.Registry
	Logs         LogsProxy
	CORSOrigins  []string
}

// NewRouter builds the chi router with gated's full route table (spec §6).
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowedOrigins:   corsOrigins,
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(limitJSONBody)

	r.Get("/", srv.HandleHealth)
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)

	r.Get("/api/functions", srv.handleList)
	r.Post("/api/functions", srv.handleDeploy)
	r.Get("/api/functions/{id}", srv.handleInfo)
	r.Delete("/api/functions/{id}", srv.handleDelete)
	r.Get("/api/functions/{id}/logs", srv.handleLogs)

	r.Get("/functions/{id}", srv.handleInfo)
	r.Get("/functions/{id}/info", srv.handleInfo)
	r.Post("/functions/{id}", srv.handleInvoke)
	r.Post("/functions/{id}/invoke", srv.handleInvoke)

	// Header-addressed forms of the same two routes, per spec.md §4.7 step
	// 1: the function id may come from the URL path or an X-Function-Id
	// header, with the path taking precedence when both are present.
	r.Get("/functions/info", srv.handleInfo)
	r.Post("/functions/invoke", srv.handleInvoke)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apierr.MethodNotAllowed("method not allowed on this route"))
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apierr.NotFound("not found"))
	})

	return r
}

// resolveFunctionID extracts the function id per spec.md §4.7 step 1: the
// URL path's {id} segment takes precedence over the X-Function-Id header.
// An empty result from both is a validation error.
func resolveFunctionID(r *http.Request) (string, error) {
	if id := chi.URLParam(r, "id"); id != "" {
		return id, nil
	}
	if id := r.Header.Get("X-Function-Id"); id != "" {
		return id, nil
	}
	return "", apierr.Validation("missing function id")
}

// securityHeaders adds standard defensive headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// limitJSONBody caps request body size for non-multipart requests.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if r.Body != nil && !strings.HasPrefix(ct, "multipart/") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// writeError maps err to the spec's HTTP status/body taxonomy (§7) and
// writes it. Rate-limit errors get the Retry-After/X-RateLimit-Reset
// headers; every other typed error gets the plain {error} envelope.
func writeError(w http.ResponseWriter, err error) {
	if retryAfter, resetAtMs, _, ok := orchestrator.AsRateLimitError(err); ok {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAtMs, 10))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "rate limit exceeded",
			"message":    err.Error(),
			"retryAfter": retryAfter,
			"resetAt":    resetAtMs,
		})
		return
	}

	var versionErr *registry.ValidationError
	if errors.As(err, &versionErr) {
		writeJSON(w, http.StatusBadRequest, APIError{Error: versionErr.Error()})
		return
	}

	if errors.Is(err, domain.ErrVersionExists) {
		writeJSON(w, http.StatusConflict, APIError{Error: err.Error()})
		return
	}

	if ae := apierr.As(err); ae != nil {
		writeJSON(w, ae.Status, APIError{Error: ae.Message})
		return
	}

	slog.Error("unhandled internal error", "error", err)
	writeJSON(w, http.StatusInternalServerError, APIError{Error: "internal error"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	functions, err := s.Registry.List(r.Context())
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": functions})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deploy.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("Invalid JSON"))
		return
	}

	resp, err := s.Deploy.Deploy(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id, err := resolveFunctionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.Orchestrator.Info(r.Context(), r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDelete removes the registry's metadata for id and cascades to the
// code store, per the invariant that after delete every code:<id>-prefixed
// key is also gone (spec.md §8, invariant 8).
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if err := s.Registry.Delete(ctx, id); err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	if s.Deploy != nil && s.Deploy.CodeStore != nil {
		if err := s.Deploy.CodeStore.DeleteAll(ctx, id); err != nil {
			writeError(w, apierr.Internal(err))
			return
		}
	}
	if s.Deploy != nil && s.Deploy.Loader != nil {
		s.Deploy.Loader.Invalidate(id)
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.Logs == nil {
		writeError(w, apierr.NotConfigured("no log store configured for this deployment"))
		return
	}
	id := chi.URLParam(r, "id")
	data, err := s.Logs.FetchLogs(r, id)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	id, err := resolveFunctionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Orchestrator.Invoke(r.Context(), r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Body)
}
