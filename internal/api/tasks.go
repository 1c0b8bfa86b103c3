package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/benchfleet/benchfleet/internal/model"
	"github.com/benchfleet/benchfleet/internal/store"
)

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

// handleCancelTask records cancel intent and, for a task already running on a
// worker, forwards the kill. The response reflects the immediate outcome:
// cancelled for queued tasks, still assigned for running ones until the kill
// is acknowledged.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := s.store.RequestCancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("request cancel", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	if state == model.StateAssigned {
		s.sched.SignalCancel(id)
	}
	s.logger.Info("task cancel requested", "task_id", id, "state", state)

	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": state})
}
