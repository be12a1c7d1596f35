// Package api exposes the supervisor, the history and the event bus to the
// presentation layer over HTTP: JSON endpoints, a server-sent event stream
// and a WebSocket stream carrying the same events.
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
	"golang.org/x/sync/errgroup"

	"github.com/shiftcraft/rosterd/internal/events"
	"github.com/shiftcraft/rosterd/internal/history"
	"github.com/shiftcraft/rosterd/internal/model"
	"github.com/shiftcraft/rosterd/internal/preflight"
	"github.com/shiftcraft/rosterd/internal/service"
)

// Supervisor is the run control surface, implemented by *service.Supervisor.
type Supervisor interface {
	Submit(ctx context.Context, req model.RunRequest) (string, error)
	Cancel(ctx context.Context) (service.CancelResult, error)
	Status() model.RunState
}

// History is the read and delete surface of *history.Store.
type History interface {
	List(ctx context.Context) ([]model.HistoryEntry, error)
	ConfigSnapshot(ctx context.Context, id string) (model.ConfigSnapshot, error)
	Delete(ctx context.Context, id string) error
	ResolveOutput(ctx context.Context, id string, kind model.OutputKind) (history.OutputPath, error)
}

// Diagnostics produces the preflight report, implemented by
// *preflight.Checker.
type Diagnostics interface {
	Run(ctx context.Context, solver model.Solver) preflight.Report
}

const (
	maxRequestBody = 8 << 20
	pingInterval   = 15 * time.Second
	shutdownGrace  = 5 * time.Second
)

// Server is the HTTP API server
type Server struct {
	sup      Supervisor
	history  History
	bus      *events.Bus
	diag     Diagnostics
	solver   model.Solver
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func NewServer(sup Supervisor, hist History, bus *events.Bus, diag Diagnostics, solver model.Solver) *Server {
	s := &Server{
		sup:     sup,
		history: hist,
		bus:     bus,
		diag:    diag,
		solver:  solver,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: localOrigin,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/runs", s.submitHandler())
	s.mux.HandleFunc("POST /api/runs/cancel", s.cancelHandler())
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
	s.mux.HandleFunc("GET /api/history", s.listHistoryHandler())
	s.mux.HandleFunc("GET /api/history/{id}/config", s.configSnapshotHandler())
	s.mux.HandleFunc("DELETE /api/history/{id}", s.deleteHistoryHandler())
	s.mux.HandleFunc("GET /api/history/{id}/outputs/{kind}", s.outputHandler())
	s.mux.HandleFunc("GET /api/diagnostics", s.diagnosticsHandler())
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully. Open event streams end with ctx.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// localOrigin accepts requests without an Origin header and those coming
// from the same host.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return sameHost(origin, r.Host)
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every non 2xx JSON response.
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	Field       string `json:"field,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	var (
		invalid     *model.InvalidConfigError
		unavailable *model.SolverUnavailableError
	)
	switch {
	case errors.As(err, &invalid):
		code, resp.Code, resp.Field = http.StatusBadRequest, "InvalidConfig", invalid.Field
	case errors.Is(err, model.ErrInvalidConfig):
		code, resp.Code = http.StatusBadRequest, "InvalidConfig"
	case errors.Is(err, model.ErrAlreadyRunning):
		code, resp.Code = http.StatusConflict, "AlreadyRunning"
	case errors.As(err, &unavailable):
		code, resp.Code, resp.Remediation = http.StatusServiceUnavailable, "SolverUnavailable", unavailable.Remediation
	case errors.Is(err, model.ErrSolverUnavailable):
		code, resp.Code = http.StatusServiceUnavailable, "SolverUnavailable"
	case errors.Is(err, model.ErrNotFound):
		code, resp.Code = http.StatusNotFound, "NotFound"
	case errors.Is(err, service.ErrClosed):
		code, resp.Code = http.StatusServiceUnavailable, "ShuttingDown"
	default:
		resp.Code = "Internal"
	}
	writeJSON(w, code, resp)
}
