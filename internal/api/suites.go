package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/benchfleet/benchfleet/internal/events"
	"github.com/benchfleet/benchfleet/internal/model"
	"github.com/benchfleet/benchfleet/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// createSuiteRequest is the JSON body for POST /v1/suites.
type createSuiteRequest struct {
	Author      string            `json:"author"`
	Description string            `json:"description"`
	Dockerfile  string            `json:"dockerfile"`
	Params      map[string]string `json:"params"`
	Tasks       []string          `json:"tasks"`
	Paused      bool              `json:"paused"`
	Limits      *limitsRequest    `json:"limits"`
}

type limitsRequest struct {
	CPULimit           int   `json:"cpuLimit"`
	WallClockTimeLimit int   `json:"wallClockTimeLimit"`
	CPUTimeLimit       int   `json:"cpuTimeLimit"`
	MemoryLimit        int64 `json:"memoryLimit"`
}

// suiteOverview is one row in the suite list: the suite plus its derived
// status and progress counters.
type suiteOverview struct {
	*model.Suite
	Status             string `json:"status"`
	TaskCount          int    `json:"taskCount"`
	CompletedTaskCount int    `json:"completedTaskCount"`
}

// suiteDetail adds the full task list to the overview.
type suiteDetail struct {
	suiteOverview
	Tasks []*model.Task `json:"tasks"`
}

func (s *Server) handleCreateSuite(w http.ResponseWriter, r *http.Request) {
	var req createSuiteRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Author == "" {
		s.writeError(w, http.StatusBadRequest, "author is required")
		return
	}
	if len(req.Tasks) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one task is required")
		return
	}
	for _, cmd := range req.Tasks {
		if cmd == "" {
			s.writeError(w, http.StatusBadRequest, "task commands must be non-empty")
			return
		}
	}
	if req.Limits == nil {
		s.writeError(w, http.StatusBadRequest, "limits are required")
		return
	}

	suite := &model.Suite{
		ID:          model.NewID(),
		Author:      req.Author,
		Description: req.Description,
		Env: model.Env{
			Dockerfile:       req.Dockerfile,
			Params:           req.Params,
			CPULimit:         req.Limits.CPULimit,
			WallClockLimitS:  req.Limits.WallClockTimeLimit,
			CPUTimeLimitS:    req.Limits.CPUTimeLimit,
			MemoryLimitBytes: req.Limits.MemoryLimit,
		},
		Paused:    req.Paused,
		CreatedAt: time.Now().UTC(),
	}
	if err := suite.Env.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tasks, err := s.store.CreateSuite(r.Context(), suite, req.Tasks)
	if err != nil {
		s.logger.Error("create suite", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create suite")
		return
	}

	s.logger.Info("suite created",
		"suite_id", suite.ID, "author", suite.Author, "tasks", len(tasks))
	s.broker.Publish(events.Event{SuiteID: suite.ID, State: "suiteCreated"})
	s.sched.Kick()

	s.writeJSON(w, http.StatusCreated, suiteDetail{
		suiteOverview: suiteOverview{
			Suite:     suite,
			Status:    model.SuiteStatus(tasks),
			TaskCount: len(tasks),
		},
		Tasks: tasks,
	})
}

func (s *Server) handleListSuites(w http.ResponseWriter, r *http.Request) {
	suites, err := s.store.ListSuites(r.Context())
	if err != nil {
		s.logger.Error("list suites", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list suites")
		return
	}

	out := make([]suiteOverview, 0, len(suites))
	for _, suite := range suites {
		tasks, err := s.store.ListSuiteTasks(r.Context(), suite.ID)
		if err != nil {
			s.logger.Error("list suite tasks", "suite_id", suite.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list suites")
			return
		}
		out = append(out, suiteOverview{
			Suite:              suite,
			Status:             model.SuiteStatus(tasks),
			TaskCount:          len(tasks),
			CompletedTaskCount: model.CompletedCount(tasks),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"suites": out})
}

// loadSuiteDetail fetches the suite and its tasks, writing the error response
// itself on failure.
func (s *Server) loadSuiteDetail(w http.ResponseWriter, r *http.Request) (*model.Suite, []*model.Task, bool) {
	id := chi.URLParam(r, "id")

	suite, err := s.store.GetSuite(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "suite not found")
		return nil, nil, false
	}
	if err != nil {
		s.logger.Error("get suite", "suite_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get suite")
		return nil, nil, false
	}

	tasks, err := s.store.ListSuiteTasks(r.Context(), id)
	if err != nil {
		s.logger.Error("list suite tasks", "suite_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get suite")
		return nil, nil, false
	}
	return suite, tasks, true
}

func (s *Server) handleGetSuite(w http.ResponseWriter, r *http.Request) {
	suite, tasks, ok := s.loadSuiteDetail(w, r)
	if !ok {
		return
	}

	s.writeJSON(w, http.StatusOK, suiteDetail{
		suiteOverview: suiteOverview{
			Suite:              suite,
			Status:             model.SuiteStatus(tasks),
			TaskCount:          len(tasks),
			CompletedTaskCount: model.CompletedCount(tasks),
		},
		Tasks: tasks,
	})
}

func (s *Server) setSuitePaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := chi.URLParam(r, "id")

	err := s.store.SetSuitePaused(r.Context(), id, paused)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "suite not found")
		return
	}
	if err != nil {
		s.logger.Error("set suite paused", "suite_id", id, "paused", paused, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update suite")
		return
	}

	state := "suiteResumed"
	if paused {
		state = "suitePaused"
	}
	s.logger.Info("suite pause flag changed", "suite_id", id, "paused", paused)
	s.broker.Publish(events.Event{SuiteID: id, State: state})
	if !paused {
		s.sched.Kick()
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "paused": paused})
}

func (s *Server) handlePauseSuite(w http.ResponseWriter, r *http.Request) {
	s.setSuitePaused(w, r, true)
}

func (s *Server) handleResumeSuite(w http.ResponseWriter, r *http.Request) {
	s.setSuitePaused(w, r, false)
}

// handleDeleteSuite cancels every non-terminal task, then removes the suite
// and its tasks.
func (s *Server) handleDeleteSuite(w http.ResponseWriter, r *http.Request) {
	suite, tasks, ok := s.loadSuiteDetail(w, r)
	if !ok {
		return
	}

	for _, task := range tasks {
		if model.Terminal(task.State) {
			continue
		}
		state, err := s.store.RequestCancel(r.Context(), task.ID)
		if err != nil {
			s.logger.Error("cancel task for suite deletion", "task_id", task.ID, "error", err)
			continue
		}
		if state == model.StateAssigned {
			s.sched.SignalCancel(task.ID)
		}
	}

	if err := s.store.DeleteSuite(r.Context(), suite.ID); err != nil {
		s.logger.Error("delete suite", "suite_id", suite.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete suite")
		return
	}

	s.logger.Info("suite deleted", "suite_id", suite.ID)
	s.broker.Publish(events.Event{SuiteID: suite.ID, State: "suiteDeleted"})

	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
