// Package status exposes a minimal read-only HTTP JSON endpoint for
// operational visibility: current positions, OSM order counts by state,
// active TWAP executions, and the controller's last poll time. Adapted from
// the teacher's dashboard API, trimmed to status-only — there is no browser
// dashboard here, so the WebSocket hub/SSE broadcast machinery the teacher
// built for live push updates has no consumer and is not carried over.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gateway/internal/controller"
	"gateway/internal/osm"
	"gateway/internal/poscache"
	"gateway/internal/twap"
	"gateway/pkg/types"
)

// Config tunes the status server (§ ambient ops surface).
type Config struct {
	Enabled bool
	Port    int
}

// Snapshot is the JSON body served by GET /status.
type Snapshot struct {
	Positions      []types.Position         `json:"positions"`
	OrderCounts    map[types.OrderState]int `json:"order_counts"`
	ActiveOrders   []types.OrderRecord      `json:"active_orders"`
	TwapExecutions []types.TwapExecution    `json:"twap_executions"`
	LastPollTime   time.Time                `json:"last_poll_time"`
}

// Server serves the status endpoint.
type Server struct {
	cfg       Config
	positions *poscache.Cache
	machine   *osm.Machine
	twapExec  *twap.Executor
	ctrl      *controller.Controller
	server    *http.Server
	logger    *slog.Logger
}

// New builds a status server bound to localhost-facing collaborators. It
// does not listen until Start is called.
func New(cfg Config, positions *poscache.Cache, machine *osm.Machine, twapExec *twap.Executor, ctrl *controller.Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		positions: positions,
		machine:   machine,
		twapExec:  twapExec,
		ctrl:      ctrl,
		logger:    logger.With("component", "status"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving until the process is asked to stop. Blocks.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.buildSnapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error("failed to encode status snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) buildSnapshot() Snapshot {
	all := s.machine.All()
	counts := make(map[types.OrderState]int)
	active := make([]types.OrderRecord, 0, len(all))
	for _, rec := range all {
		counts[rec.State]++
		if rec.State.IsActive() {
			active = append(active, rec)
		}
	}

	snap := Snapshot{
		Positions:    s.positions.All(),
		OrderCounts:  counts,
		ActiveOrders: active,
	}
	if s.twapExec != nil {
		snap.TwapExecutions = s.twapExec.All()
	}
	if s.ctrl != nil {
		snap.LastPollTime = s.ctrl.LastPollTime()
	}
	return snap
}
