// Package elicitation asks a connected session a question and waits for its
// answer over the same transport the session uses for everything else.
package elicitation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/taskhub/internal/observability"
	"github.com/antoniostano/taskhub/internal/protocol"
	"github.com/antoniostano/taskhub/internal/tasks"
	"github.com/antoniostano/taskhub/internal/transport"
)

const DefaultTimeout = 5 * time.Minute

type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionCancel  Action = "cancel"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAccept, ActionDecline, ActionCancel:
		return true
	default:
		return false
	}
}

var (
	ErrSessionClosed = fmt.Errorf("%w: session closed during elicitation", tasks.ErrUpstreamFailure)
	ErrNoTransport   = fmt.Errorf("%w: session has no connected transport", tasks.ErrUpstreamFailure)
)

type Request struct {
	Message string
	Schema  protocol.ElicitSchema
}

type Result struct {
	Action  Action
	Content map[string]any
	// TimedOut is set when the broker resolved the request as cancel because
	// no answer arrived in time.
	TimedOut bool
}

// TransportLookup resolves the live transport of a session.
type TransportLookup interface {
	Transport(sessionID string) (transport.Transport, bool)
}

type pendingRequest struct {
	sessionID string
	reply     chan protocol.Message
}

type Broker struct {
	lookup  TransportLookup
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	pending   map[string]*pendingRequest
	bySession map[string]map[string]struct{}
}

func NewBroker(lookup TransportLookup, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		lookup:    lookup,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "elicitation")),
		metrics:   metrics,
		pending:   make(map[string]*pendingRequest),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Request sends elicitation/create to sessionID and waits for the answer.
// Timeout and caller cancellation resolve as ActionCancel. Transport faults,
// JSON-RPC errors and malformed answers are returned as errors wrapping
// tasks.ErrUpstreamFailure.
func (b *Broker) Request(ctx context.Context, sessionID string, req Request) (Result, error) {
	tr, ok := b.lookup.Transport(sessionID)
	if !ok || tr == nil {
		b.metrics.ObserveElicitation("no_transport")
		return Result{}, ErrNoTransport
	}

	id := protocol.StringID("elicit-" + uuid.NewString())
	msg, err := protocol.NewRequest(id, protocol.MethodElicitationCreate, protocol.ElicitParams{
		Message:         req.Message,
		RequestedSchema: req.Schema,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode elicitation: %v", tasks.ErrUpstreamFailure, err)
	}

	key := msg.IDKey()
	p := b.register(key, sessionID)
	defer b.unregister(key, sessionID)

	logger := b.logger.With(slog.String("session_id", sessionID), slog.String("request_id", key))

	sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := tr.Send(sendCtx, msg); err != nil {
		b.metrics.ObserveElicitation("send_failed")
		if errors.Is(err, transport.ErrClosed) {
			return Result{}, ErrSessionClosed
		}
		return Result{}, fmt.Errorf("%w: send elicitation: %v", tasks.ErrUpstreamFailure, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-p.reply:
		if !ok {
			b.metrics.ObserveElicitation("session_closed")
			return Result{}, ErrSessionClosed
		}
		return b.decode(reply)
	case <-tr.Done():
		b.metrics.ObserveElicitation("session_closed")
		return Result{}, ErrSessionClosed
	case <-timer.C:
		logger.Info("elicitation timed out", slog.Duration("timeout", b.timeout))
		b.metrics.ObserveElicitation("timeout")
		return Result{Action: ActionCancel, TimedOut: true}, nil
	case <-ctx.Done():
		logger.Debug("elicitation abandoned by caller", slog.Any("error", ctx.Err()))
		b.metrics.ObserveElicitation("abandoned")
		return Result{Action: ActionCancel}, nil
	}
}

// Deliver routes a response message to the request waiting for it. It
// reports false when msg does not answer a pending elicitation.
func (b *Broker) Deliver(sessionID string, msg protocol.Message) bool {
	if !msg.IsResponse() {
		return false
	}
	key := msg.IDKey()
	b.mu.Lock()
	p, ok := b.pending[key]
	if ok && p.sessionID != sessionID {
		ok = false
	}
	if ok {
		delete(b.pending, key)
		delete(b.bySession[sessionID], key)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.reply <- msg
	return true
}

// CancelSession fails every pending request of sessionID with
// ErrSessionClosed.
func (b *Broker) CancelSession(sessionID string) int {
	b.mu.Lock()
	keys := b.bySession[sessionID]
	delete(b.bySession, sessionID)
	cancelled := make([]*pendingRequest, 0, len(keys))
	for key := range keys {
		if p, ok := b.pending[key]; ok {
			delete(b.pending, key)
			cancelled = append(cancelled, p)
		}
	}
	b.mu.Unlock()

	for _, p := range cancelled {
		close(p.reply)
	}
	return len(cancelled)
}

func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) register(key, sessionID string) *pendingRequest {
	p := &pendingRequest{sessionID: sessionID, reply: make(chan protocol.Message, 1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[key] = p
	set, ok := b.bySession[sessionID]
	if !ok {
		set = make(map[string]struct{})
		b.bySession[sessionID] = set
	}
	set[key] = struct{}{}
	return p
}

func (b *Broker) unregister(key, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, key)
	if set, ok := b.bySession[sessionID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(b.bySession, sessionID)
		}
	}
}

func (b *Broker) decode(reply protocol.Message) (Result, error) {
	var out protocol.ElicitResult
	if err := reply.DecodeResult(&out); err != nil {
		b.metrics.ObserveElicitation("error")
		return Result{}, fmt.Errorf("%w: %v", tasks.ErrUpstreamFailure, err)
	}
	action := Action(out.Action)
	if !action.Valid() {
		b.metrics.ObserveElicitation("error")
		return Result{}, fmt.Errorf("%w: unknown elicitation action %q", tasks.ErrUpstreamFailure, out.Action)
	}
	b.metrics.ObserveElicitation(string(action))
	return Result{Action: action, Content: out.Content}, nil
}
