package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/liaorch/lia/internal/store"
	"github.com/liaorch/lia/internal/task"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	t, err := s.ctrl.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, task.ErrValidation) {
			writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		s.log.Error("create task failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to create task")
		return
	}

	writeJSON(w, http.StatusOK, t)
}

type listTasksResponse struct {
	Tasks   []*task.Task `json:"tasks"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"per_page"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	f := store.ListFilter{
		UserID:  q.Get("user_id"),
		Status:  task.Status(q.Get("status")),
		Page:    page,
		PerPage: perPage,
	}

	tasks, total, err := s.store.List(r.Context(), f)
	if err != nil {
		s.log.Error("list tasks failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to list tasks")
		return
	}

	writeJSON(w, http.StatusOK, listTasksResponse{Tasks: tasks, Total: total, Page: f.Page, PerPage: f.PerPage})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, CodeTaskNotFound, "task not found")
			return
		}
		s.log.Error("get task failed", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := s.ctrl.Delete(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, CodeTaskNotFound, "task not found")
			return
		}
		s.log.Error("delete task failed", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, CodeVmError, "failed to delete task")
		return
	}
	writeNoContent(w)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := s.ctrl.Resume(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, http.StatusNotFound, CodeTaskNotFound, "task not found")
		case errors.Is(err, task.ErrInvalidState):
			writeError(w, http.StatusConflict, CodeInvalidState, err.Error())
		default:
			s.log.Error("resume task failed", "task_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, CodeVmError, "failed to resume task")
		}
		return
	}

	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "failed to reload task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
