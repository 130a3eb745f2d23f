// Package api exposes the ops HTTP interface for the crawler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/repometrics/crawler/internal/crawler"
	"github.com/repometrics/crawler/internal/metrics"
)

// Server wires HTTP handlers to the checkpoint store.
type Server struct {
	router      chi.Router
	checkpoints crawler.CheckpointStore
	clock       crawler.Clock
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(checkpoints crawler.CheckpointStore, clock crawler.Clock, logger *zap.Logger) *Server {
	s := &Server{
		checkpoints: checkpoints,
		clock:       clock,
		logger:      logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/crawlers", s.listCrawlers)
		// Repository names contain slashes, so the entity name rides in a
		// trailing wildcard with the action as its last segment.
		r.Post("/crawlers/{workspace}/{provider}/{kind}/*", s.entityAction)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.checkpoints.List(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "checkpoint store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// crawlerStatus is the ops view of one entity.
type crawlerStatus struct {
	Workspace           string `json:"workspace"`
	Provider            string `json:"provider"`
	Kind                string `json:"kind"`
	Name                string `json:"name"`
	Status              string `json:"status"`
	LastCommitAt        string `json:"last_commit_at,omitempty"`
	LastCommitAgeDays   int    `json:"last_commit_age_days"`
	Cursor              string `json:"cursor,omitempty"`
	ErrorText           string `json:"error_text,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

func (s *Server) listCrawlers(w http.ResponseWriter, r *http.Request) {
	states, err := s.checkpoints.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list crawlers")
		return
	}

	now := s.clock.Now()
	out := make([]crawlerStatus, 0, len(states))
	for _, state := range states {
		cs := crawlerStatus{
			Workspace:           state.Entity.Workspace,
			Provider:            state.Entity.Provider,
			Kind:                string(state.Entity.Kind),
			Name:                state.Entity.Name,
			Status:              string(state.Status),
			LastCommitAgeDays:   state.LastCommitAgeDays(now),
			Cursor:              state.Cursor,
			ErrorText:           state.ErrorText,
			ConsecutiveFailures: state.ConsecutiveFailures,
		}
		if !state.LastCommitAt.IsZero() {
			cs.LastCommitAt = state.LastCommitAt.UTC().Format(time.RFC3339)
		}
		out = append(out, cs)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"crawlers": out})
}

func (s *Server) entityAction(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	name, action, ok := splitAction(rest)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	entity := crawler.CrawlerEntity{
		Workspace: chi.URLParam(r, "workspace"),
		Provider:  chi.URLParam(r, "provider"),
		Kind:      crawler.EntityKind(chi.URLParam(r, "kind")),
		Name:      name,
	}
	switch action {
	case "reset":
		s.resetCrawler(w, r, entity)
	default:
		s.writeError(w, http.StatusNotFound, "unknown action")
	}
}

// resetCrawler clears an errored entity so the scheduler picks it up again.
func (s *Server) resetCrawler(w http.ResponseWriter, r *http.Request, entity crawler.CrawlerEntity) {
	err := s.checkpoints.Reset(r.Context(), entity)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{
			"entity": entity.Key(),
			"status": string(crawler.StatusIdle),
		})
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "crawler not found or not errored")
	default:
		s.logger.Error("reset failed", zap.String("entity", entity.Key()), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "reset failed")
	}
}

// splitAction separates "acme/widget/reset" into the entity name and the
// trailing action segment.
func splitAction(rest string) (name, action string, ok bool) {
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
