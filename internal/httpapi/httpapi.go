// Package httpapi serves the store's operational HTTP surface: liveness,
// detailed health, and Prometheus metrics. It is read-only by design; all
// mutation goes through the library API and the CLI.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/core"
	"github.com/forgeflow/forgeflow/internal/health"
	"github.com/forgeflow/forgeflow/internal/ident"
)

// Server exposes one core over HTTP.
type Server struct {
	core   *core.Core
	logger *zap.Logger
}

// New creates the HTTP surface for c.
func New(c *core.Core, logger *zap.Logger) *Server {
	return &Server{core: c, logger: logger.Named("http")}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Handle("/metrics/prometheus", s.core.Metrics.Handler())

	return r
}

// handleHealth is the liveness answer: 200 while the store is not
// read_only and no check target is UNHEALTHY, 503 otherwise. An empty
// check registry does not fail liveness; it only means nothing has been
// probed yet.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	record, err := s.core.Mesh.Current()
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})

		return
	}

	aggregate := s.core.Checks.AggregateStatus()

	healthy := record.SafeMode == health.SafeModeHealthy && aggregate != health.StatusUnhealthy

	status := http.StatusOK
	verdict := "healthy"

	if !healthy {
		status = http.StatusServiceUnavailable
		verdict = "unhealthy"
	}

	s.writeJSON(w, status, map[string]any{
		"status":    verdict,
		"safe_mode": record.SafeMode,
		"checks":    aggregate,
		"timestamp": ident.Timestamp(s.core.Clock.Now()),
	})
}

// handleHealthDetailed returns the full health picture: the mesh record,
// every check target, and the last integrity verification.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	record, err := s.core.Mesh.Current()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})

		return
	}

	integrity, err := s.core.VerifyIntegrity()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})

		return
	}

	dlqStats, err := s.core.DLQ.Statistics()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"safe_mode": record,
		"targets":   s.core.Checks.Reports(),
		"integrity": integrity,
		"dlq":       dlqStats,
		"timestamp": ident.Timestamp(s.core.Clock.Now()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}
