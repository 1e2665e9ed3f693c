// Package api exposes the HTTP interface for the indexing service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/searchlight/indexer/internal/auth"
	"github.com/searchlight/indexer/internal/gsc"
	"github.com/searchlight/indexer/internal/indexing"
	"github.com/searchlight/indexer/internal/orchestrator"
	"github.com/searchlight/indexer/internal/sitemap"
)

// Config holds the HTTP surface settings.
type Config struct {
	// APIKey enables the shared-key check when non-empty.
	APIKey string
	// RequestTimeout bounds each request.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator and its collaborators.
type Server struct {
	router   chi.Router
	orch     *orchestrator.Orchestrator
	auth     *auth.Service
	console  *gsc.Client
	sitemaps *sitemap.Service
	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. registry may be
// nil to serve no collectors on /metrics.
func NewServer(
	cfg Config,
	orch *orchestrator.Orchestrator,
	authSvc *auth.Service,
	console *gsc.Client,
	sitemaps *sitemap.Service,
	registry *prometheus.Registry,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		orch:     orch,
		auth:     authSvc,
		console:  console,
		sitemaps: sitemaps,
		registry: registry,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/indexing", func(r chi.Router) {
			r.Post("/submit", s.submitURLs)
			r.Post("/url", s.submitURL)
			r.Get("/history", s.history)
			r.Get("/stats", s.stats)
		})
		r.Get("/quota", s.quotaStatus)
		r.Route("/auth", func(r chi.Router) {
			r.Get("/url", s.authURL)
			r.Post("/callback", s.authCallback)
			r.Post("/revoke", s.authRevoke)
		})
		r.Get("/properties", s.properties)
		r.Route("/sitemaps", func(r chi.Router) {
			r.Post("/", s.registerSitemap)
			r.Get("/", s.listSitemaps)
			r.Post("/{sitemap_id}/sync", s.syncSitemap)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.NotFound(w, r)
		return
	}
	promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) submitURLs(w http.ResponseWriter, r *http.Request) {
	var req indexing.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	report, err := s.orch.SubmitURLs(r.Context(), req)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type singleURLRequest struct {
	UserID   string            `json:"user_id"`
	Property string            `json:"property"`
	URL      string            `json:"url"`
	Priority indexing.Priority `json:"priority"`
	Action   indexing.Action   `json:"action"`
}

func (s *Server) submitURL(w http.ResponseWriter, r *http.Request) {
	var req singleURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	report, err := s.orch.SubmitURL(r.Context(), req.UserID, req.Property, req.URL, req.Priority, req.Action)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var quotaErr *indexing.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     quotaErr.Error(),
			"remaining": quotaErr.Remaining,
		})
	case errors.Is(err, indexing.ErrReauthRequired),
		errors.Is(err, indexing.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		var vErr *indexing.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := indexing.EntryFilter{
		UserID:   q.Get("user_id"),
		Status:   indexing.EntryStatus(q.Get("status")),
		Domain:   q.Get("domain"),
		Page:     intQuery(q.Get("page"), 1),
		PageSize: intQuery(q.Get("page_size"), 50),
	}
	if filter.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	entries, total, err := s.orch.History(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   entries,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	stats, err := s.orch.Stats(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) quotaStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, property := q.Get("user_id"), q.Get("property")
	if userID == "" || property == "" {
		writeError(w, http.StatusBadRequest, "user_id and property are required")
		return
	}
	rec, err := s.orch.QuotaStatus(r.Context(), userID, property)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record":                 rec,
		"remaining":              rec.Remaining(),
		"non_priority_remaining": rec.NonPriorityRemaining(),
	})
}

func (s *Server) authURL(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		writeError(w, http.StatusBadRequest, "state is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": s.auth.AuthURL(state)})
}

type callbackRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

func (s *Server) authCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "user_id and code are required")
		return
	}
	cred, err := s.auth.ExchangeCode(r.Context(), req.UserID, req.Code)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": cred.UserID,
		"expiry":  cred.Expiry,
		"source":  cred.Source,
	})
}

type revokeRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) authRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.auth.Revoke(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) properties(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	force := q.Get("refresh") == "true"
	props, err := s.console.Properties(r.Context(), userID, force)
	if err != nil {
		if errors.Is(err, indexing.ErrNotAuthenticated) || errors.Is(err, indexing.ErrReauthRequired) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"properties": props})
}

type registerSitemapRequest struct {
	UserID   string `json:"user_id"`
	Property string `json:"property"`
	URL      string `json:"url"`
	AutoSync bool   `json:"auto_sync"`
}

func (s *Server) registerSitemap(w http.ResponseWriter, r *http.Request) {
	var req registerSitemapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sm, err := s.sitemaps.Register(r.Context(), req.UserID, req.Property, req.URL, req.AutoSync)
	if err != nil {
		var vErr *indexing.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sm)
}

func (s *Server) listSitemaps(w http.ResponseWriter, r *http.Request) {
	sitemaps, err := s.sitemaps.List(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sitemaps": sitemaps})
}

func (s *Server) syncSitemap(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sitemap_id")
	result, err := s.sitemaps.Sync(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
