// Package api implements the HTTP/WebSocket/SSE edge the spec describes
// as an external collaborator ("interface only"): routing, request
// parsing, and streaming live on top of the Task Lifecycle Controller,
// Store, and Fanout Registry. None of the orchestration logic lives here.
//
// Grounded on the teacher's api.Server: an http.ServeMux with Go 1.22+
// method+path patterns, one handler file per resource, and JSON
// helpers shared across handlers.
package api

import (
	"context"
	"net"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/liaorch/lia/internal/config"
	"github.com/liaorch/lia/internal/fanout"
	"github.com/liaorch/lia/internal/store"
	"github.com/liaorch/lia/internal/task"
)

// Server is the lia daemon's HTTP API server.
type Server struct {
	cfg      *config.Config
	ctrl     *task.Controller
	store    *store.Store
	registry *fanout.Registry
	log      hclog.Logger

	mux    *http.ServeMux
	server *http.Server
}

// NewServer builds a Server and registers all routes.
func NewServer(cfg *config.Config, ctrl *task.Controller, st *store.Store, registry *fanout.Registry, l hclog.Logger) *Server {
	if l == nil {
		l = hclog.NewNullLogger()
	}
	s := &Server{
		cfg:      cfg,
		ctrl:     ctrl,
		store:    st,
		registry: registry,
		log:      l.Named("api"),
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Addr: cfg.HTTPAddr, Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.handleDeleteTask)
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/resume", s.handleResumeTask)
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/output", s.handleTaskOutput)
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/stream", s.handleTaskStream)
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/logs", s.handleTaskLogs)
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/logs/stream", s.handleTaskLogsStream)
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	s.log.Info("api listening", "addr", s.cfg.HTTPAddr)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
