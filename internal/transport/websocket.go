package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/taskhub/internal/observability"
	"github.com/antoniostano/taskhub/internal/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsReadWait   = 120 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 1 << 20
)

type outboundFrame struct {
	data []byte
	errs chan<- error
}

// WebSocket serializes all writes through one goroutine; gorilla connections
// support a single concurrent writer.
type WebSocket struct {
	sessionID string
	conn      *websocket.Conn
	logger    *slog.Logger
	metrics   *observability.Metrics

	outbound  chan outboundFrame
	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocket(sessionID string, conn *websocket.Conn, logger *slog.Logger, metrics *observability.Metrics) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		sessionID: sessionID,
		conn:      conn,
		logger:    logger.With(slog.String("transport", "ws"), slog.String("session_id", sessionID)),
		metrics:   metrics,
		outbound:  make(chan outboundFrame, 64),
		done:      make(chan struct{}),
	}
}

func (t *WebSocket) SessionID() string     { return t.sessionID }
func (t *WebSocket) Kind() string          { return "ws" }
func (t *WebSocket) Done() <-chan struct{} { return t.done }

func (t *WebSocket) Send(ctx context.Context, msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	errs := make(chan error, 1)
	select {
	case t.outbound <- outboundFrame{data: raw, errs: errs}:
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

func (t *WebSocket) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
	return nil
}

// Run pumps the connection until the peer disconnects or ctx ends. Inbound
// messages that fail to parse are answered with a JSON-RPC parse error.
func (t *WebSocket) Run(ctx context.Context, handle Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writeLoop(ctx)
	}()

	t.conn.SetReadLimit(wsReadLimit)
	_ = t.conn.SetReadDeadline(time.Now().Add(wsReadWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(wsReadWait))
	})

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("websocket read ended", slog.Any("error", err))
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(wsReadWait))

		msg, err := protocol.Parse(data)
		if err != nil {
			reply := protocol.NewError(jsontext.Value("null"), protocol.CodeParseError, err.Error(), nil)
			if sendErr := t.Send(ctx, reply); sendErr != nil {
				break
			}
			continue
		}
		t.metrics.RPCMessage("inbound", msg.Method)
		handle(msg)
	}

	cancel()
	t.Close()
	<-writerDone
}

func (t *WebSocket) writeLoop(ctx context.Context) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case frame := <-t.outbound:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := t.conn.WriteMessage(websocket.TextMessage, frame.data)
			frame.errs <- err
			if err != nil {
				t.logger.Warn("websocket write failed", slog.Any("error", err))
				t.Close()
				return
			}
		case <-ping.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				t.Close()
				return
			}
		}
	}
}
