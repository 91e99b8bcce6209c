// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/automation"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/coordinator"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
)

// Automation is how HTTP requests reach the coordinator.
type Automation interface {
	Start(ctx context.Context, objective string) (protocol.StartAutomationResult, error)
	StopAndWait(ctx context.Context, reason string) (automation.RunState, error)
}

// StateSource exposes the coordinator's in-flight state.
type StateSource interface {
	Snapshot() coordinator.State
}

// PromptHub is the websocket prompt surface.
type PromptHub interface {
	http.Handler
	ActiveConnections() int
}

// Server hosts the HTTP and websocket surface.
type Server struct {
	cfg        config.ServerConfig
	logger     *zap.Logger
	automation Automation
	state      StateSource
	hub        PromptHub
	router     chi.Router
}

// New wires the routes.
func New(cfg config.ServerConfig, automation Automation, state StateSource, hub PromptHub, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if automation == nil || state == nil || hub == nil {
		return nil, errors.New("automation, state and hub are required")
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger.Named("server"),
		automation: automation,
		state:      state,
		hub:        hub,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recovery(s.logger))
	r.Use(cors(s.cfg.AllowedOrigins))

	// The upgrade needs the raw ResponseWriter, so /ws stays outside the
	// request logger.
	r.Get("/ws", s.hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(s.logger))
		r.Get("/", s.handleRoot)
		r.Get("/health", s.handleHealth)
		r.Route("/automation", func(r chi.Router) {
			r.Get("/state", s.handleState)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
		})
	})
	return r
}

// Run serves on the configured address until ctx ends, then shuts down
// within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", zap.String("address", s.cfg.ListenAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server gracefully...")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}
	<-errc
	s.logger.Info("HTTP server stopped.")
	return nil
}

// -- Handlers --

type startRequest struct {
	Objective string `json:"objective"`
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "running",
		"service":            "pagepilot",
		"active_connections": s.hub.ActiveConnections(),
		"run_state":          s.state.Snapshot().RunState,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Objective = strings.TrimSpace(req.Objective)
	if req.Objective == "" {
		writeError(w, http.StatusBadRequest, "objective is required")
		return
	}

	res, err := s.automation.Start(r.Context(), req.Objective)
	if err != nil {
		s.logger.Error("Start request failed.", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	status := http.StatusOK
	switch {
	case res.Error != "":
		status = http.StatusConflict
	case res.Queued:
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	// An empty body is a stop without a reason.
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	state, err := s.automation.StopAndWait(r.Context(), req.Reason)
	if err != nil {
		s.logger.Error("Stop request failed.", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocol.RunStateChanged{State: state})
}

// -- Helpers --

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
