// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server provides the HTTP API for runs, hooks, schedules, and
// health.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/scheduler"
	"github.com/tombee/durable/internal/server/httputil"
)

// Version info injected at build time by the commands package.
type VersionInfo struct {
	Version string
	Commit  string
}

// Server serves the REST API.
type Server struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	version   VersionInfo
	mux       *http.ServeMux
	http      *http.Server
}

// New creates a server. scheduler may be nil when schedules are not in use.
func New(e *engine.Engine, sched *scheduler.Scheduler, version VersionInfo, logger *slog.Logger) *Server {
	s := &Server{
		engine:    e,
		scheduler: sched,
		logger:    log.WithComponent(logger, "server"),
		version:   version,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/version", s.handleVersion)
	s.mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)

	s.mux.HandleFunc("POST /v1/runs", s.handleStartRun)
	s.mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /v1/runs/{id}/events", s.handleListEvents)
	s.mux.HandleFunc("GET /v1/runs/{id}/steps", s.handleListSteps)
	s.mux.HandleFunc("GET /v1/runs/{id}/children", s.handleListChildren)
	s.mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancelRun)
	s.mux.HandleFunc("POST /v1/runs/{id}/resume", s.handleResumeRun)

	s.mux.HandleFunc("POST /v1/hooks/{run_id}/{hook}", s.handleSignalHook)
	s.mux.HandleFunc("POST /v1/hooks/token/{token}", s.handleSignalHookByToken)

	s.mux.HandleFunc("GET /v1/schedules", s.handleListSchedules)

	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the full handler chain including request logging.
func (s *Server) Handler() http.Handler {
	return log.NewHTTPMiddleware(s.logger).Handler(s.mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.logger.Info("server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storageHealthy := s.engine.Ping(r.Context()) == nil

	status := http.StatusOK
	if !storageHealthy {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, map[string]any{
		"status":          healthWord(storageHealthy),
		"storage_healthy": storageHealthy,
	})
}

func healthWord(healthy bool) string {
	if healthy {
		return "ok"
	}
	return "degraded"
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "durable",
		"version": s.version.Version,
		"commit":  s.version.Commit,
	})
}
