// Package transport carries JSON-RPC messages to exactly one connected
// session, over a WebSocket or a Server-Sent Events stream.
package transport

import (
	"context"
	"errors"

	"github.com/antoniostano/taskhub/internal/protocol"
)

var ErrClosed = errors.New("transport closed")

// Transport is the outbound half of one session's connection.
type Transport interface {
	SessionID() string
	Kind() string
	Send(ctx context.Context, msg protocol.Message) error
	// Done is closed once the underlying connection is gone.
	Done() <-chan struct{}
	Close() error
}

// Handler receives each well-formed inbound message. It must not block the
// read loop for long; request handling that waits on I/O belongs in its own
// goroutine.
type Handler func(msg protocol.Message)
