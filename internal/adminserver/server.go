// Package adminserver exposes operator-facing HTTP/WebSocket endpoints
// over a running set of model supervisors: a health probe, a one-shot
// stats snapshot, and a streaming /ws/stats feed for the monitor
// dashboard (cmd/monitor.go). Routing follows the teacher's
// internal/handler/lp (chi.URLParam routes) and internal/handler/ws
// (gorilla/websocket upgrade-then-pump-loop) handlers, generalized from
// per-user delivery connections to per-model stats snapshots.
package adminserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/iotic-labs/connector-engine/internal/engine"
)

// StatsSource reports the live snapshot of a running supervisor.
type StatsSource interface {
	Stats() engine.Stats
}

// Server serves /healthz, /debug/stats and /ws/stats over one or more
// StatsSources, keyed by model label.
type Server struct {
	logger   *slog.Logger
	sources  map[string]StatsSource
	upgrader websocket.Upgrader
	router   chi.Router
}

// New builds a Server for the given sources.
func New(logger *slog.Logger, sources map[string]StatsSource) *Server {
	s := &Server{
		logger:  logger,
		sources: sources,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/debug/stats", s.handleStats)
	r.Get("/ws/stats", s.handleStatsWS)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Run starts the HTTP server on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) snapshot() map[string]engine.Stats {
	out := make(map[string]engine.Stats, len(s.sources))
	for label, src := range s.sources {
		out[label] = src.Stats()
	}
	return out
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.Error("admin server: encode stats failed", "err", err)
	}
}

// handleStatsWS streams the stats snapshot once per second until the
// client disconnects, the same upgrade-then-pump-loop shape as the
// teacher's WSHandler.ServeHTTP.
func (s *Server) handleStatsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("admin server: ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(s.snapshot())
			if err != nil {
				s.logger.Error("admin server: marshal stats failed", "err", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("admin server: ws send failed", "err", err)
				return
			}
		}
	}
}
