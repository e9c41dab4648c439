// Package app hosts the bot server: the HTTP endpoint that accepts bot start
// requests, the session manager that runs the resulting call sessions, and
// the operational surface (health probes, Prometheus metrics).
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocata/internal/health"
	"github.com/MrWong99/vocata/internal/observe"
)

// shutdownGrace bounds how long Run waits for in-flight HTTP requests and
// running sessions after the context is cancelled.
const shutdownGrace = 15 * time.Second

// ServerConfig configures the bot HTTP server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":7860".
	Addr string

	Manager *SessionManager

	// Checkers feed the /readyz endpoint (database, provider registry).
	Checkers []health.Checker

	Metrics *observe.Metrics
}

// Server is the bot HTTP server. Create with [NewServer], drive with [Run].
type Server struct {
	cfg  ServerConfig
	http *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleStop)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(cfg.Checkers...).Register(mux)

	var handler http.Handler = mux
	if cfg.Metrics != nil {
		handler = observe.Middleware(cfg.Metrics)(mux)
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves HTTP until ctx is cancelled, then shuts the listener down and
// waits for running sessions to finish their cleanup.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("app: bot server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			slog.Warn("app: http shutdown", "err", err)
		}

		s.cfg.Manager.StopAll()
		s.cfg.Manager.Wait()
		return nil
	})

	return g.Wait()
}

// startResponse is the body returned for an accepted start request.
type startResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// errorResponse is the body returned for rejected requests.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := s.cfg.Manager.Start(r.Context(), req); err != nil {
		observe.Logger(r.Context()).Error("app: start request failed",
			"session", req.SessionID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, startResponse{SessionID: req.SessionID, Status: "starting"})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Manager.Active())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Manager.Stop(id); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, startResponse{SessionID: id, Status: "stopping"})
}

// writeJSON encodes v with the given status. Encoding failures are logged,
// not surfaced; the status line has already been written.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("app: encode response", "err", err)
	}
}
