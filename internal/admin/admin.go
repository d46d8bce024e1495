// Package admin implements the Admin HTTP surface (component A6): a thin
// net/http layer over the Service Facade exposing a health check, sandbox
// list/create/destroy, a shell-command exec endpoint, and a Prometheus
// scrape endpoint. Grounded on the
// teacher's internal/api/router.go and internal/api/handlers.go (ServeMux
// with method-prefixed patterns, writeJSON/writeError helpers, error
// mapping by sentinel/kind to HTTP status).
package admin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vmforge/vmforge/internal/facade"
	"github.com/vmforge/vmforge/internal/sberr"
)

// Server is the admin HTTP surface.
type Server struct {
	facade *facade.Facade
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer constructs the admin server. reg is the Prometheus registry
// served at /metrics; passing nil disables /metrics.
func NewServer(f *facade.Facade, reg *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{facade: f, logger: logger, mux: http.NewServeMux()}
	s.routes(reg)
	return s
}

// Handler returns the composed http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes(reg *prometheus.Registry) {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /sandboxes", s.handleListSandboxes)
	s.mux.HandleFunc("POST /sandboxes", s.handleCreateSandbox)
	s.mux.HandleFunc("DELETE /sandboxes/{id}", s.handleDestroySandbox)
	s.mux.HandleFunc("POST /sandboxes/{id}/exec", s.handleExec)

	if reg != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := sberr.KindOf(err); ok {
		switch kind {
		case sberr.KindNotFound:
			status = http.StatusNotFound
		case sberr.KindInvalidState, sberr.KindSerialization:
			status = http.StatusBadRequest
		case sberr.KindResourceLimit:
			status = http.StatusTooManyRequests
		case sberr.KindAgentUnreachable, sberr.KindConnection, sberr.KindRPC:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sandboxes": s.facade.ListSandboxes()})
}

type createSandboxRequest struct {
	MemoryMiB *int `json:"memory_mib,omitempty"`
	VCPUCount *int `json:"vcpu_count,omitempty"`
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req createSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}

	id, err := s.facade.CreateSandbox(r.Context(), facade.CreateOptions{
		MemoryMiB: req.MemoryMiB,
		VCPUCount: req.VCPUCount,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Error("create sandbox", "error", err)
		}
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleDestroySandbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.facade.DestroySandbox(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type execRequest struct {
	Cmd string `json:"cmd"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}

	result, err := s.facade.RunCommand(r.Context(), id, req.Cmd)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("exec", "sandbox_id", id, "error", err)
		}
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
