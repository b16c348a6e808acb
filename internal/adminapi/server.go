// Package adminapi exposes the §6 admin control channel: a small REST
// surface mirroring the event-bus command set (start/stop/reset_circuit/
// drain), acknowledged fire-and-forget — results arrive on the event bus,
// never in the HTTP response body.
package adminapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nullvector/scrapectl/internal/orchestrator"
	"github.com/nullvector/scrapectl/internal/types"
)

// Server serves the admin control channel over HTTP.
type Server struct {
	mux    *http.ServeMux
	port   int
	logger *slog.Logger
	ctrl   *orchestrator.Orchestrator
}

// NewServer constructs a Server bound to ctrl. ctrl may be nil at
// construction, mirroring the teacher's two-phase wiring (the HTTP server
// can start listening before the orchestrator finishes constructing its
// registries).
func NewServer(port int, ctrl *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		port:   port,
		logger: logger.With("component", "admin_api"),
		ctrl:   ctrl,
	}
	s.registerRoutes()
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("admin API starting", "addr", addr)
	go func() {
		if err := http.ListenAndServe(addr, s.mux); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin API error", "error", err)
		}
	}()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/start", s.handleStart)
	s.mux.HandleFunc("POST /api/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/reset_circuit", s.handleResetCircuit)
	s.mux.HandleFunc("POST /api/drain", s.handleDrain)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not initialized"})
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"state":          s.ctrl.State().String(),
		"queue_size":     s.ctrl.QueueSize(),
		"active_workers": s.ctrl.ActiveWorkers(),
	})
}

// startPayload is {sources: [tag], filters: {...}} per §6.
type startPayload struct {
	Sources []string     `json:"sources"`
	Filters types.Filters `json:"filters"`
}

// handleStart creates one task per source tag and submits it. Acknowledged
// fire-and-forget: the HTTP response confirms enqueuing only, not outcome.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not initialized"})
		return
	}

	var body startPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if len(body.Sources) == 0 {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "sources must be non-empty"})
		return
	}

	ids := make([]string, 0, len(body.Sources))
	for _, source := range body.Sources {
		task := types.NewTask(source, body.Filters, "")
		if err := s.ctrl.Submit(task); err != nil {
			s.logger.Warn("submit failed", "source", source, "error", err)
			continue
		}
		ids = append(ids, task.ID)
	}

	s.jsonResponse(w, http.StatusAccepted, map[string]any{"status": "accepted", "task_ids": ids})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not initialized"})
		return
	}
	var body struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	s.ctrl.Cancel(body.TaskID)
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not initialized"})
		return
	}
	var body struct {
		Domain string `json:"domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	s.ctrl.ResetCircuit(body.Domain)
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not initialized"})
		return
	}
	s.ctrl.Drain()
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
