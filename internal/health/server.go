// Package health exposes the operational surface: liveness, a JSON status
// snapshot, and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

// Status is the point-in-time snapshot served on /status.
type Status struct {
	UptimeSec       float64           `json:"uptimeSec"`
	Connection      string            `json:"connection"`
	Reconnects      int64             `json:"reconnects"`
	MarketsByTier   map[string]int    `json:"marketsByTier"`
	Subscriptions   int               `json:"subscriptions"`
	SignalsEmitted  int64             `json:"signalsEmitted"`
	AlertsDelivered int64             `json:"alertsDelivered"`
	AlertsFiltered  int64             `json:"alertsFiltered"`
	TrackedRecords  int               `json:"trackedRecords"`
	Posteriors      []types.Posterior `json:"posteriors"`
}

// StatusProvider is implemented by the engine.
type StatusProvider interface {
	Status() Status
}

type Server struct {
	cfg      config.HealthConfig
	provider StatusProvider
	metrics  *Metrics
	server   *http.Server
	logger   *slog.Logger
	started  time.Time
}

func NewServer(cfg config.HealthConfig, provider StatusProvider, metrics *Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		metrics:  metrics,
		logger:   logger.With("component", "health"),
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", metrics.Handler())

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) Start() error {
	s.logger.Info("health server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.provider.Status()
	status.UptimeSec = time.Since(s.started).Seconds()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("status encode failed", "error", err)
	}
}
