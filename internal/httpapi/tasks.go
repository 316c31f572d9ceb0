package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/taskhub/internal/session"
	"github.com/antoniostano/taskhub/internal/taskruntime"
	"github.com/antoniostano/taskhub/internal/tasks"
)

type createTaskRequest struct {
	SessionID      string `json:"session_id"`
	Topic          string `json:"topic"`
	Ambiguous      bool   `json:"ambiguous"`
	TTLMS          int64  `json:"ttl_ms"`
	PollIntervalMS int64  `json:"poll_interval_ms"`
}

// taskView is the REST rendering of a task. TTL and poll interval are
// milliseconds.
type taskView struct {
	TaskID        string    `json:"task_id"`
	SessionID     string    `json:"session_id"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message,omitzero"`
	TTL           int64     `json:"ttl"`
	PollInterval  int64     `json:"poll_interval"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

type taskResultResponse struct {
	Task    taskView        `json:"task"`
	Content []tasks.Content `json:"content"`
	IsError bool            `json:"is_error"`
	Resumed bool            `json:"resumed,omitzero"`
}

func newTaskView(t tasks.Task) taskView {
	return taskView{
		TaskID:        t.ID,
		SessionID:     t.SessionID,
		Status:        string(t.Status),
		StatusMessage: t.StatusMessage,
		TTL:           t.TTLMS,
		PollInterval:  t.PollIntervalMS,
		CreatedAt:     t.CreatedAt,
		LastUpdatedAt: t.LastUpdatedAt,
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Topic = strings.TrimSpace(req.Topic)

	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	if req.Topic == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "topic is required")
		return
	}
	if req.TTLMS < 0 || req.PollIntervalMS < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "ttl_ms and poll_interval_ms must not be negative")
		return
	}
	if _, err := s.sessions.Active(req.SessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	_ = s.sessions.Touch(req.SessionID)

	task, err := s.tasks.CreateTask(r.Context(), taskruntime.CreateInput{
		SessionID:    req.SessionID,
		Topic:        req.Topic,
		Ambiguous:    req.Ambiguous,
		TTL:          time.Duration(req.TTLMS) * time.Millisecond,
		PollInterval: time.Duration(req.PollIntervalMS) * time.Millisecond,
	})
	if err != nil {
		respondTaskError(w, err, tasks.Task{})
		return
	}
	respondJSON(w, http.StatusCreated, newTaskView(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	task, err := s.tasks.GetTaskStatus(taskID, r.URL.Query().Get("session_id"))
	if err != nil {
		respondTaskError(w, err, task)
		return
	}
	respondJSON(w, http.StatusOK, newTaskView(task))
}

// handleTaskResult answers 200 with a terminal result, 202 with the
// acknowledgement of a clarification round-trip, 409 while the task is
// still working.
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	res, err := s.tasks.GetTaskResult(r.Context(), taskID, r.URL.Query().Get("session_id"))
	if err != nil {
		respondTaskError(w, err, res.Task)
		return
	}
	status := http.StatusOK
	if res.Resumed {
		status = http.StatusAccepted
	}
	respondJSON(w, status, taskResultResponse{
		Task:    newTaskView(res.Task),
		Content: res.Result.Content,
		IsError: res.Result.IsError,
		Resumed: res.Resumed,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	task, err := s.tasks.CancelTask(taskID, r.URL.Query().Get("session_id"))
	if err != nil {
		respondTaskError(w, err, task)
		return
	}
	respondJSON(w, http.StatusOK, newTaskView(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id query param is required")
		return
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	list := s.tasks.ListTasks(sessionID, s.listLimit(limit))
	views := make([]taskView, 0, len(list))
	for _, t := range list {
		views = append(views, newTaskView(t))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"tasks":      views,
	})
}

func taskIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return "", false
	}
	return taskID, true
}

func respondTaskError(w http.ResponseWriter, err error, task tasks.Task) {
	switch {
	case errors.Is(err, tasks.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, tasks.ErrNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, tasks.ErrNotReady):
		respondJSON(w, http.StatusConflict, errorResponse{
			Error:          err.Error(),
			Code:           "task_not_ready",
			PollIntervalMS: task.PollIntervalMS,
		})
	case errors.Is(err, tasks.ErrInvalidState):
		respondError(w, http.StatusConflict, "invalid_task_state", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
