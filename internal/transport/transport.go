// ABOUTME: Transport and Stream interfaces shared by the gRPC and WebSocket carriers.
// ABOUTME: A Stream moves whole documents; framing and auth belong to the carrier.

package transport

import (
	"context"
	"errors"

	"github.com/2389/coven-agentd/internal/message"
)

// Errors returned by carriers.
var (
	ErrNotConnected = errors.New("not connected to controller")
	ErrUnauthorized = errors.New("controller rejected credentials")
)

// Stream is one live session with the peer. Send may be called from any
// goroutine. Recv returns the raw decoded document so malformed input still
// reaches the listener, which NACKs it.
type Stream interface {
	Send(doc *message.Doc) error
	Recv() (map[string]any, error)
	Close() error
}

// Transport opens sessions.
type Transport interface {
	Dial(ctx context.Context) (Stream, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context) (Stream, error)

func (f TransportFunc) Dial(ctx context.Context) (Stream, error) { return f(ctx) }
