// ABOUTME: Tunables, collaborator interfaces and errors shared by the protocol objects.
// ABOUTME: Zero-valued Options fields fall back to the protocol defaults.

package messaging

import (
	"errors"
	"time"

	"github.com/2389/coven-agentd/internal/message"
)

// Protocol defaults.
const (
	DefaultResendTimeout     = 5 * time.Second
	DefaultResendThreshold   = 5
	DefaultExpiryGrace       = 3600 * time.Second
	DefaultNackLinger        = 60 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
	DefaultAckCleanupTimeout = 60 * time.Second
)

var (
	// ErrAssertion marks a broken protocol invariant, such as a second
	// reply for one request.
	ErrAssertion = errors.New("protocol assertion failed")

	// ErrShutdown is returned when work is offered after shutdown.
	ErrShutdown = errors.New("messaging is shut down")
)

// Options configures the listener and requester. The same values are
// handed to every protocol object they create.
type Options struct {
	// AgentID is stamped on every ACK, NACK and REPLY we send.
	AgentID string

	ResendTimeout   time.Duration
	ResendThreshold int

	// ExpiryGrace is how long a finished request id keeps NACKing
	// late retransmissions.
	ExpiryGrace time.Duration

	// NackLinger is how long a NACKed exchange stays live to
	// retransmit its NACK.
	NackLinger time.Duration

	// MaxAtOnce bounds live requests. Zero means unlimited.
	MaxAtOnce int

	RequestTimeout    time.Duration
	AckCleanupTimeout time.Duration

	Health HealthReporter
}

func (o Options) withDefaults() Options {
	if o.ResendTimeout <= 0 {
		o.ResendTimeout = DefaultResendTimeout
	}
	if o.ResendThreshold <= 0 {
		o.ResendThreshold = DefaultResendThreshold
	}
	if o.ExpiryGrace <= 0 {
		o.ExpiryGrace = DefaultExpiryGrace
	}
	if o.NackLinger <= 0 {
		o.NackLinger = DefaultNackLinger
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.AckCleanupTimeout <= 0 {
		o.AckCleanupTimeout = DefaultAckCleanupTimeout
	}
	return o
}

// HealthReporter receives escalations the protocol layer cannot act on
// itself. The connection owner typically reconnects.
type HealthReporter interface {
	ResendThresholdExceeded(requestID string, resends int)
}

// HealthFunc adapts a function to HealthReporter.
type HealthFunc func(requestID string, resends int)

func (f HealthFunc) ResendThresholdExceeded(requestID string, resends int) { f(requestID, resends) }

// Dispatcher is handed every newly admitted request. It must eventually
// call Ack then Reply, or Nak, on the rpc. An error rolls back the
// registration.
type Dispatcher interface {
	IncomingRequest(rpc *ReplyRPC) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(rpc *ReplyRPC) error

func (f DispatchFunc) IncomingRequest(rpc *ReplyRPC) error { return f(rpc) }

// Observer is notified about request lifecycle events. Observers are best
// effort: a panicking observer is logged and skipped.
type Observer interface {
	NewMessage(rpc *ReplyRPC)
	IncomingMessage(rpc *ReplyRPC, doc *message.Doc)
	Replied(rpc *ReplyRPC, reply *message.Doc)
	MessageDone(rpc *ReplyRPC)
}
