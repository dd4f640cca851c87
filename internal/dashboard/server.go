// Package dashboard exposes the bot's operational HTTP API: open positions,
// lifetime stats, health and Prometheus metrics. It is a headless JSON
// surface for dashboards and scrapers, not a UI.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tradeforge/intraday-strangler/internal/engine"
	"github.com/tradeforge/intraday-strangler/internal/models"
)

// Server serves the operational API for a running exit engine.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	engine    *engine.Engine
	logger    *logrus.Logger
	port      int
	authToken string
}

// Config holds the dashboard server settings.
type Config struct {
	Port      int
	AuthToken string
}

// NewServer builds the API server around the engine's snapshots.
func NewServer(cfg Config, eng *engine.Engine, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    eng,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/marks", s.handleGetMarks)
	s.router.Get("/api/stats", s.handleGetStats)
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleGetPositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.engine.Snapshot()
	if positions == nil {
		positions = []models.Position{}
	}
	s.writeJSON(w, positions)
}

func (s *Server) handleGetMarks(w http.ResponseWriter, _ *http.Request) {
	marks := s.engine.Marks()
	if marks == nil {
		marks = []models.PnlRecord{}
	}
	s.writeJSON(w, marks)
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.engine.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
