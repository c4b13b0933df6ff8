// Package handlers contains the HTTP handlers for the migration control
// plane.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/pgferry/pgferry/internal/task"
)

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.WriteHeader(status)
	render.JSON(w, r, data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.WriteHeader(status)
	render.JSON(w, r, map[string]string{"error": message})
}

// TasksHandler exposes the task manager over REST.
type TasksHandler struct {
	manager *task.Manager
}

// NewTasksHandler creates a tasks handler.
func NewTasksHandler(manager *task.Manager) *TasksHandler {
	return &TasksHandler{manager: manager}
}

// HandleKinds handles GET / - lists the supported task kinds.
func (h *TasksHandler) HandleKinds(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]any{"tasks": h.manager.Kinds()})
}

// HandleCreate handles POST /tasks/{kind}/{arg}.
func (h *TasksHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	arg := chi.URLParam(r, "arg")
	id, err := h.manager.Create(kind, arg)
	switch {
	case errors.Is(err, task.ErrExists):
		respondError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrUnknownKind):
		respondError(w, r, http.StatusNotFound, err.Error())
	case err != nil:
		respondError(w, r, http.StatusBadRequest, err.Error())
	default:
		respondJSON(w, r, http.StatusCreated, map[string]string{"state": "started", "id": id})
	}
}

// HandleGet handles GET /tasks/{kind}/{arg} - full status with messages.
func (h *TasksHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Get(chi.URLParam(r, "kind"), chi.URLParam(r, "arg"))
	if err != nil {
		respondError(w, r, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, r, http.StatusOK, status)
}

// HandleList handles GET /tasks and GET /tasks/{kind}. Completed tasks are
// hidden unless include_completed is set.
func (h *TasksHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	include, _ := strconv.ParseBool(r.URL.Query().Get("include_completed"))
	respondJSON(w, r, http.StatusOK, h.manager.List(chi.URLParam(r, "kind"), include))
}

// HandleDelete handles DELETE /tasks/{kind}/{arg} - cancels a running task
// or removes a finished one.
func (h *TasksHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	state, err := h.manager.Delete(chi.URLParam(r, "kind"), chi.URLParam(r, "arg"))
	if err != nil {
		respondError(w, r, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]string{"state": state})
}
