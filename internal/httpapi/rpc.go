package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/antoniostano/taskhub/internal/protocol"
	"github.com/antoniostano/taskhub/internal/taskruntime"
	"github.com/antoniostano/taskhub/internal/tasks"
	"github.com/antoniostano/taskhub/internal/transport"
)

const (
	maxMessageBytes = 1 << 20
	rpcReplyTimeout = 10 * time.Second
)

// dispatch routes one inbound message. Responses answer a pending
// elicitation; requests run on their own goroutine so a tasks/result call
// blocked on elicitation does not stall the reader that must deliver the
// answer.
func (s *Server) dispatch(ctx context.Context, sessionID string, tr transport.Transport, msg protocol.Message) {
	_ = s.sessions.Touch(sessionID)
	switch {
	case msg.IsResponse():
		if !s.tasks.Broker().Deliver(sessionID, msg) {
			s.logger.Debug("unmatched response dropped", slog.String("session_id", sessionID), slog.String("id", msg.IDKey()))
		}
	case msg.IsNotification():
		s.logger.Debug("client notification", slog.String("session_id", sessionID), slog.String("method", msg.Method))
	case msg.IsRequest():
		go s.serveRequest(ctx, sessionID, tr, msg)
	}
}

func (s *Server) serveRequest(ctx context.Context, sessionID string, tr transport.Transport, req protocol.Message) {
	logger := s.logger.With(slog.String("session_id", sessionID), slog.String("method", req.Method))

	result, err := s.call(ctx, sessionID, tr, req)
	var reply protocol.Message
	if err != nil {
		reply = rpcError(req, err)
		if reply.Error.Code == protocol.CodeInternalError {
			logger.Error("rpc call failed", slog.Any("error", err))
		}
	} else {
		reply, err = protocol.NewResult(req.ID, result)
		if err != nil {
			logger.Error("encode rpc result", slog.Any("error", err))
			reply = protocol.NewError(req.ID, protocol.CodeInternalError, "failed to encode result", nil)
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, rpcReplyTimeout)
	defer cancel()
	if err := tr.Send(sendCtx, reply); err != nil && !errors.Is(err, transport.ErrClosed) {
		logger.Warn("rpc reply not delivered", slog.Any("error", err))
	}
}

func (s *Server) call(ctx context.Context, sessionID string, tr transport.Transport, req protocol.Message) (any, error) {
	switch req.Method {
	case protocol.MethodPing:
		return struct{}{}, nil

	case protocol.MethodResourcesSubscribe:
		var p protocol.ResourceParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		if err := s.registry.Subscribe(p.URI, sessionID); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case protocol.MethodResourcesUnsubscribe:
		var p protocol.ResourceParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		if err := s.registry.Unsubscribe(p.URI, sessionID); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case protocol.MethodSubscriptionsToggle:
		return protocol.ToggleResult{Delivering: s.registry.Toggle(sessionID, tr)}, nil

	case protocol.MethodTasksCreate:
		var p protocol.TaskCreateParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		task, err := s.tasks.CreateTask(ctx, taskruntime.CreateInput{
			SessionID:    sessionID,
			Topic:        p.Topic,
			Ambiguous:    p.Ambiguous,
			TTL:          time.Duration(p.TTL) * time.Millisecond,
			PollInterval: time.Duration(p.PollInterval) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		return protocol.CreateTaskResult{Task: task}, nil

	case protocol.MethodTasksGet:
		var p protocol.TaskParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		return s.tasks.GetTaskStatus(p.TaskID, sessionID)

	case protocol.MethodTasksResult:
		var p protocol.TaskParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		res, err := s.tasks.GetTaskResult(ctx, p.TaskID, sessionID)
		if err != nil {
			return nil, notReadyError(err, res.Task)
		}
		return protocol.TaskResultPayload{Result: res.Result, Task: res.Task, Resumed: res.Resumed}, nil

	case protocol.MethodTasksCancel:
		var p protocol.TaskParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		return s.tasks.CancelTask(p.TaskID, sessionID)

	case protocol.MethodTasksList:
		var p protocol.TaskListParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, err
		}
		return protocol.TaskListResult{Tasks: s.tasks.ListTasks(sessionID, s.listLimit(p.Limit))}, nil

	default:
		return nil, &protocol.Error{Code: protocol.CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

// notReadyError carries the poll interval alongside a not-ready error so
// the caller knows when to ask again.
func notReadyError(err error, task tasks.Task) error {
	if !errors.Is(err, tasks.ErrNotReady) {
		return err
	}
	return &protocol.Error{
		Code:    protocol.CodeTaskNotReady,
		Message: err.Error(),
		Data: map[string]any{
			"taskId":       task.ID,
			"status":       string(task.Status),
			"pollInterval": task.PollIntervalMS,
		},
	}
}

func rpcError(req protocol.Message, err error) protocol.Message {
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return protocol.NewError(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	code := protocol.CodeInternalError
	switch {
	case errors.Is(err, tasks.ErrInvalidInput):
		code = protocol.CodeInvalidParams
	case errors.Is(err, tasks.ErrNotFound):
		code = protocol.CodeTaskNotFound
	case errors.Is(err, tasks.ErrNotReady):
		code = protocol.CodeTaskNotReady
	case errors.Is(err, tasks.ErrInvalidState):
		code = protocol.CodeInvalidState
	}
	return protocol.NewError(req.ID, code, err.Error(), nil)
}

func readMessage(r *http.Request) (protocol.Message, error) {
	if r.Body == nil {
		return protocol.Message{}, errEmptyBody
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		return protocol.Message{}, err
	}
	if len(raw) == 0 {
		return protocol.Message{}, errEmptyBody
	}
	if len(raw) > maxMessageBytes {
		return protocol.Message{}, fmt.Errorf("message exceeds %d bytes", maxMessageBytes)
	}
	return protocol.Parse(raw)
}

func (s *Server) listLimit(requested int) int {
	ceiling := s.cfg.TaskListLimit
	if ceiling <= 0 {
		ceiling = 100
	}
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}
