// Package httpapi exposes the research engine over HTTP: task submission
// and control plus three stream transports (NDJSON, SSE, WebSocket).
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/models"
	"github.com/strata-labs/deepresearch/internal/taskmanager"
)

// Server routes engine endpoints.
type Server struct {
	mgr    *taskmanager.Manager
	logger *zap.Logger
}

func NewServer(mgr *taskmanager.Manager, logger *zap.Logger) *Server {
	return &Server{mgr: mgr, logger: logger}
}

// RegisterRoutes installs all handlers on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /research", s.handleStart)
	mux.HandleFunc("GET /research/{id}", s.handleGet)
	mux.HandleFunc("POST /research/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /research/{id}/stream", s.handleNDJSON)
	mux.HandleFunc("GET /research/{id}/stream/sse", s.handleSSE)
	mux.HandleFunc("GET /research/{id}/stream/ws", s.handleWS)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req models.ResearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.CodeValidation, "malformed request body")
		return
	}

	handle, err := s.mgr.Start(req)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, models.CodeValidation, verr.Error())
			return
		}
		s.logger.Error("Failed to start research task", zap.Error(err))
		writeError(w, http.StatusInternalServerError, models.CodeFatalProvider, "failed to start task")
		return
	}

	writeJSON(w, http.StatusAccepted, handle)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, ok := s.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, models.CodeValidation, "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, ok := s.mgr.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, models.CodeValidation, "unknown task")
		return
	}
	if !s.mgr.Cancel(taskID) {
		writeError(w, http.StatusConflict, models.CodeValidation,
			"task already terminal: "+task.Status)
		return
	}
	// Teardown is asynchronous but the acknowledged status is final.
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  models.StatusCancelled,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]interface{}{
		"error": map[string]string{
			"code":    errCode,
			"message": msg,
		},
	})
}
