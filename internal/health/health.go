// Package health exposes the operational HTTP surface of the daemon:
// liveness, readiness, status, and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tagpipe/hashtag-importer/internal/importer"
	"github.com/tagpipe/hashtag-importer/internal/metrics"
)

// Controller tracks liveness and readiness. It implements
// importer.Lifecycle so the pump can flip states as it runs.
type Controller struct {
	mu    sync.RWMutex
	ready bool
	live  bool
	state func() importer.ImportState
}

// NewController creates a Controller that is live but not yet ready.
// The state function, when non-nil, feeds the /status endpoint.
func NewController(state func() importer.ImportState) *Controller {
	return &Controller{live: true, state: state}
}

// SetReady marks the daemon as ready (cursor loaded, first cycle possible).
func (c *Controller) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// SetLive marks the daemon as live. The pump clears it on a fatal halt.
func (c *Controller) SetLive(live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = live
}

// Ready reports the readiness state.
func (c *Controller) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Live reports the liveness state.
func (c *Controller) Live() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live
}

// Server serves the operational endpoints.
type Server struct {
	router     chi.Router
	controller *Controller
	logger     *zap.Logger
}

// NewServer constructs a Server with routes mounted.
func NewServer(controller *Controller, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{controller: controller, logger: logger}
	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/status", s.status)
	r.Handle("/metrics", metrics.Handler())
	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the server until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("ops server shutdown", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if !s.controller.Live() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.controller.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"live":  s.controller.Live(),
		"ready": s.controller.Ready(),
	}
	if s.controller.state != nil {
		state := s.controller.state()
		payload["cursor_token"] = state.Cursor.Token
		payload["cursor_version"] = state.Cursor.Version
		payload["consecutive_failures"] = state.ConsecutiveFailures
		payload["last_success"] = state.LastSuccess
		payload["totals"] = state.Totals
	}
	writeJSON(w, http.StatusOK, payload, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
