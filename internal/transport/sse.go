package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmaxmax/go-sse"

	"github.com/antoniostano/taskhub/internal/observability"
	"github.com/antoniostano/taskhub/internal/protocol"
)

// SSE pushes server messages as "message" events on an upgraded HTTP
// response. Client messages arrive out of band through Deliver.
type SSE struct {
	sessionID string
	sess      *sse.Session
	logger    *slog.Logger
	metrics   *observability.Metrics

	outbound  chan sseFrame
	done      chan struct{}
	closeOnce sync.Once
}

type sseFrame struct {
	msg  *sse.Message
	errs chan<- error
}

// NewSSE wraps an upgraded stream and announces the endpoint that accepts
// client messages.
func NewSSE(sessionID string, sess *sse.Session, endpoint string, logger *slog.Logger, metrics *observability.Metrics) (*SSE, error) {
	if logger == nil {
		logger = slog.Default()
	}
	announce := &sse.Message{Type: sse.Type("endpoint")}
	announce.AppendData(endpoint)
	if err := sess.Send(announce); err != nil {
		return nil, fmt.Errorf("write endpoint event: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return nil, fmt.Errorf("flush endpoint event: %w", err)
	}
	return &SSE{
		sessionID: sessionID,
		sess:      sess,
		logger:    logger.With(slog.String("transport", "sse"), slog.String("session_id", sessionID)),
		metrics:   metrics,
		outbound:  make(chan sseFrame, 64),
		done:      make(chan struct{}),
	}, nil
}

func (t *SSE) SessionID() string     { return t.sessionID }
func (t *SSE) Kind() string          { return "sse" }
func (t *SSE) Done() <-chan struct{} { return t.done }

func (t *SSE) Send(ctx context.Context, msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	event := &sse.Message{Type: sse.Type("message")}
	event.AppendData(string(raw))

	errs := make(chan error, 1)
	select {
	case t.outbound <- sseFrame{msg: event, errs: errs}:
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errs:
		if err == nil {
			t.metrics.RPCMessage("outbound", msg.Method)
		}
		return err
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *SSE) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// Run writes queued events until ctx (the request context) ends or Close
// is called. It blocks for the lifetime of the stream.
func (t *SSE) Run(ctx context.Context) {
	defer t.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case frame := <-t.outbound:
			err := t.sess.Send(frame.msg)
			if err == nil {
				err = t.sess.Flush()
			}
			frame.errs <- err
			if err != nil {
				t.logger.Warn("sse write failed", slog.Any("error", err))
				return
			}
		}
	}
}
