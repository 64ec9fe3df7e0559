// Package api serves the run feed and run commands over HTTP, SSE and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/autodev-orchestrator/internal/batch"
	"github.com/hochfrequenz/autodev-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/events"
	"github.com/hochfrequenz/autodev-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/autodev-orchestrator/internal/runstore"
)

// Runs is the run manager as the API sees it; *pipeline.Manager implements it
type Runs interface {
	Start(req pipeline.StartRequest) (*domain.PipelineRun, error)
	Get(id string) (*domain.PipelineRun, error)
	List(opts runstore.ListOptions) ([]*domain.PipelineRun, error)
	Cancel(id string) error
	Resume(id string) (*domain.PipelineRun, error)
	Active() []string

	PauseAgent(runID, agentID string) error
	ResumeAgent(runID, agentID, extraContext string) error
	PauseAgents(runID string) (int, error)
	ResumeAgents(runID, extraContext string) (int, error)
	Session(runID string) (*domain.OrchestratorSession, error)
}

// LogSource pages through persisted run logs
type LogSource interface {
	ListLogs(runID string, opts runstore.LogOptions) ([]runstore.LogRecord, error)
}

// Schedules lists and triggers cron schedules; *batch.Scheduler implements it
type Schedules interface {
	List() []batch.Status
	Trigger(name string) (*domain.PipelineRun, error)
}

// Options are the optional collaborators of a Server
type Options struct {
	Logs      LogSource
	Schedules Schedules
	// Metrics serves /metrics when set
	Metrics http.Handler
	Logger  *slog.Logger
	// Heartbeat is the SSE keep-alive and WebSocket ping interval
	Heartbeat time.Duration
}

// Server is the HTTP API server
type Server struct {
	runs      Runs
	hub       *events.Hub
	opts      Options
	addr      string
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates a new API server
func NewServer(runs Runs, hub *events.Hub, addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	s := &Server{
		runs:   runs,
		hub:    hub,
		opts:   opts,
		addr:   addr,
		mux:    http.NewServeMux(),
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("POST /api/runs", s.startRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRunHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/resume", s.resumeRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/logs", s.logsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/session", s.sessionHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/session/pause", s.pauseAgentsHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/session/resume", s.resumeAgentsHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/agents/{agent}/pause", s.pauseAgentHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/agents/{agent}/resume", s.resumeAgentHandler())
	s.mux.HandleFunc("GET /api/schedules", s.listSchedulesHandler())
	s.mux.HandleFunc("POST /api/schedules/{name}/trigger", s.triggerScheduleHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// errorStatus maps domain errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrAgentNotFound),
		errors.Is(err, batch.ErrUnknownSchedule):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotResumable),
		errors.Is(err, domain.ErrInvalidAgentCommand),
		errors.Is(err, pipeline.ErrAlreadyRunning),
		errors.Is(err, pipeline.ErrNoSession),
		errors.Is(err, coordinator.ErrSessionFinished),
		errors.Is(err, batch.ErrStillRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
