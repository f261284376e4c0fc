// Package server exposes the engine over a local HTTP API plus a
// WebSocket event feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/keepsake-dev/keepsake/internal/app"
	"github.com/keepsake-dev/keepsake/internal/delta"
	"github.com/keepsake-dev/keepsake/internal/event"
	"github.com/keepsake-dev/keepsake/internal/project"
	"github.com/keepsake-dev/keepsake/internal/snapshot"
)

// Server is the HTTP front of the daemon.
type Server struct {
	app    *app.App
	hub    *event.Hub
	logger *slog.Logger

	addr     string
	listener net.Listener
	httpSrv  *http.Server
	wg       sync.WaitGroup
}

// Config holds server settings.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:7690"
	Addr string

	Logger *slog.Logger
}

// New creates a server. Start launches it.
func New(a *app.App, hub *event.Hub, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		app:    a,
		hub:    hub,
		logger: cfg.Logger,
		addr:   cfg.Addr,
	}
}

// Routes returns the API mux. Exposed for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)

	mux.HandleFunc("GET /projects", s.handleListProjects)
	mux.HandleFunc("POST /projects", s.handleAddProject)
	mux.HandleFunc("DELETE /projects/{id}", s.handleRemoveProject)

	mux.HandleFunc("POST /projects/{id}/watch", s.handleWatch)
	mux.HandleFunc("DELETE /projects/{id}/watch", s.handleUnwatch)
	mux.HandleFunc("POST /projects/{id}/flush", s.handleFlush)

	mux.HandleFunc("GET /projects/{id}/files", s.handleListFiles)
	mux.HandleFunc("GET /projects/{id}/files/{path...}", s.handleReadFile)
	mux.HandleFunc("GET /projects/{id}/deltas", s.handleListDeltas)
	mux.HandleFunc("GET /projects/{id}/snapshots", s.handleSnapshots)

	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.httpSrv = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("api listening", "addr", ln.Addr().String())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Message string `json:"message"`
}

// writeError maps engine errors onto HTTP statuses at the boundary.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, project.ErrProjectNotFound),
		errors.Is(err, snapshot.ErrNoSnapshots),
		errors.Is(err, snapshot.ErrPathNotInSnapshot):
		status = http.StatusNotFound
	case errors.Is(err, project.ErrProjectExists),
		errors.Is(err, project.ErrProjectUnreadable):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.app.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if projects == nil {
		projects = []project.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleAddProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "body must be {\"path\": \"/abs/project/dir\"}"})
		return
	}

	p, err := s.app.AddProject(r.Context(), body.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleRemoveProject(w http.ResponseWriter, r *http.Request) {
	if err := s.app.RemoveProject(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if err := s.app.WatchProject(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if err := s.app.UnwatchProject(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Flush(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.app.ListFiles(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	content, err := s.app.ReadFile(r.Context(), r.PathValue("id"), r.PathValue("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleListDeltas(w http.ResponseWriter, r *http.Request) {
	log, err := s.app.ListDeltas(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if log == nil {
		log = map[string][]delta.Delta{}
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	snaps, err := s.app.Snapshots(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []snapshot.Entry{}
	}
	writeJSON(w, http.StatusOK, snaps)
}
