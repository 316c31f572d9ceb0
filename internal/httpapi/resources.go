package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/antoniostano/taskhub/internal/tasks"
)

type resourceRequest struct {
	SessionID string `json:"session_id"`
	URI       string `json:"uri"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeResourceRequest(w, r)
	if !ok {
		return
	}
	if err := s.registry.Subscribe(req.URI, req.SessionID); err != nil {
		respondResourceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":    req.SessionID,
		"subscriptions": s.registry.Subscriptions(req.SessionID),
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeResourceRequest(w, r)
	if !ok {
		return
	}
	if err := s.registry.Unsubscribe(req.URI, req.SessionID); err != nil {
		respondResourceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":    req.SessionID,
		"subscriptions": s.registry.Subscriptions(req.SessionID),
	})
}

func (s *Server) decodeResourceRequest(w http.ResponseWriter, r *http.Request) (resourceRequest, bool) {
	var req resourceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return resourceRequest{}, false
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.URI = strings.TrimSpace(req.URI)
	if req.SessionID == "" || req.URI == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id and uri are required")
		return resourceRequest{}, false
	}
	if _, err := s.sessions.Active(req.SessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return resourceRequest{}, false
	}
	_ = s.sessions.Touch(req.SessionID)
	return req, true
}

func respondResourceError(w http.ResponseWriter, err error) {
	if errors.Is(err, tasks.ErrInvalidInput) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
