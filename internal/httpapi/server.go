package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-json-experiment/json"
	"github.com/gorilla/websocket"
	"github.com/tmaxmax/go-sse"

	"github.com/antoniostano/taskhub/internal/config"
	"github.com/antoniostano/taskhub/internal/observability"
	"github.com/antoniostano/taskhub/internal/protocol"
	"github.com/antoniostano/taskhub/internal/session"
	"github.com/antoniostano/taskhub/internal/subscriptions"
	"github.com/antoniostano/taskhub/internal/taskruntime"
	"github.com/antoniostano/taskhub/internal/transport"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	registry *subscriptions.Registry
	tasks    *taskruntime.Service
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// ctx bounds work started on behalf of a connection; it outlives the
	// HTTP request that delivered the message.
	ctx context.Context
}

func New(ctx context.Context, cfg config.Config, sessions *session.Manager, registry *subscriptions.Registry, tasks *taskruntime.Service, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		registry: registry,
		tasks:    tasks,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "httpapi")),
		ctx:      ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/stages", s.handlePerfStages)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/ws", s.handleSessionWS)
	r.Get("/v1/sessions/{id}/sse", s.handleSessionSSE)
	r.Post("/v1/sessions/{id}/messages", s.handleSessionMessage)
	r.Post("/v1/sessions/{id}/updates/toggle", s.handleToggleUpdates)
	r.Get("/v1/sessions/{id}/subscriptions", s.handleListSubscriptions)

	r.Post("/v1/resources/subscribe", s.handleSubscribe)
	r.Post("/v1/resources/unsubscribe", s.handleUnsubscribe)

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Get("/v1/tasks/{id}/result", s.handleTaskResult)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"active_sessions":      s.sessions.ActiveCount(),
		"connected_sessions":   s.sessions.ConnectedCount(),
		"tasks":                s.tasks.Len(),
		"pending_elicitations": s.tasks.Broker().Pending(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ctx.Err() != nil {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"stages": s.tasks.Stages(),
	})
}

func (s *Server) handlePerfStages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageWindow().Snapshot())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess := s.sessions.Create(req.UserID, req.Capabilities)
	s.metrics.SessionEvent("created")
	s.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("user_id", sess.UserID),
		slog.Bool("elicitation", sess.Capabilities.Elicitation),
	)

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Capabilities:    sess.Capabilities,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.activeSession(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	tr := transport.NewWebSocket(sessionID, conn, s.logger, s.metrics)
	if err := s.attach(sessionID, tr); err != nil {
		_ = tr.Close()
		return
	}
	defer s.detach(sessionID, tr)

	ctx, cancel := transportContext(s.ctx, tr)
	defer cancel()
	tr.Run(r.Context(), func(msg protocol.Message) {
		s.dispatch(ctx, sessionID, tr, msg)
	})
}

func (s *Server) handleSessionSSE(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.activeSession(w, r)
	if !ok {
		return
	}

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("failed to upgrade session", slog.String("session_id", sessionID), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "sse_upgrade_failed", err.Error())
		return
	}
	endpoint := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	tr, err := transport.NewSSE(sessionID, stream, endpoint, s.logger, s.metrics)
	if err != nil {
		s.logger.Error("failed to open sse stream", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	if err := s.attach(sessionID, tr); err != nil {
		_ = tr.Close()
		return
	}
	defer s.detach(sessionID, tr)

	tr.Run(r.Context())
}

// handleSessionMessage accepts one client JSON-RPC message for a session
// streaming over SSE. Replies travel on the stream, not in this response.
func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.activeSession(w, r)
	if !ok {
		return
	}
	tr, ok := s.sessions.Transport(sessionID)
	if !ok || tr.Kind() != "sse" {
		respondError(w, http.StatusConflict, "no_sse_stream", "session has no open event stream")
		return
	}

	msg, err := readMessage(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_message", err.Error())
		return
	}
	s.metrics.RPCMessage("inbound", msg.Method)

	ctx, cancel := transportContext(s.ctx, tr)
	go func() {
		defer cancel()
		s.dispatch(ctx, sessionID, tr, msg)
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleToggleUpdates(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.activeSession(w, r)
	if !ok {
		return
	}
	tr, ok := s.sessions.Transport(sessionID)
	if !ok {
		respondError(w, http.StatusConflict, "no_transport", "session has no live transport")
		return
	}
	delivering := s.registry.Toggle(sessionID, tr)
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"delivering": delivering,
	})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.activeSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":    sessionID,
		"subscriptions": s.registry.Subscriptions(sessionID),
		"delivering":    s.registry.Delivering(sessionID),
	})
}

// attach wires a freshly opened transport: it becomes the session's
// transport, starts resource update delivery and task status forwarding.
func (s *Server) attach(sessionID string, tr transport.Transport) error {
	if err := s.sessions.Attach(sessionID, tr); err != nil {
		return err
	}
	// A replaced transport may still own the delivery loop.
	s.registry.StopDelivery(sessionID)
	s.registry.BeginDelivery(sessionID, tr)
	go s.tasks.WatchSession(s.ctx, sessionID, tr)

	s.metrics.SessionEvent(tr.Kind() + "_connected")
	s.metrics.SetActiveSessions(s.sessions.ConnectedCount())
	s.logger.Info("transport attached", slog.String("session_id", sessionID), slog.String("transport", tr.Kind()))
	return nil
}

func (s *Server) detach(sessionID string, tr transport.Transport) {
	_ = tr.Close()
	if s.sessions.Detach(sessionID, tr) {
		s.registry.StopDelivery(sessionID)
	}
	s.metrics.SessionEvent(tr.Kind() + "_disconnected")
	s.metrics.SetActiveSessions(s.sessions.ConnectedCount())
	s.logger.Info("transport detached", slog.String("session_id", sessionID), slog.String("transport", tr.Kind()))
}

func (s *Server) activeSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return "", false
	}
	if _, err := s.sessions.Active(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return "", false
	}
	_ = s.sessions.Touch(id)
	return id, true
}

// transportContext returns a context cancelled when parent ends or tr
// closes.
func transportContext(parent context.Context, tr transport.Transport) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-tr.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

type errorResponse struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	PollIntervalMS int64  `json:"poll_interval_ms,omitzero"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return errEmptyBody
	}
	return json.Unmarshal(raw, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.MarshalWrite(w, v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
