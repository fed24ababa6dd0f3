// ABOUTME: Store interface and data types for coven-agentd persistence
// ABOUTME: Defines request records, the message ledger and the Store interface

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-agentd/internal/message"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateRequest is returned when a request id is saved twice
var ErrDuplicateRequest = errors.New("request already exists")

// StateLost marks a request that was open when the agent stopped and was
// never replied to.
const StateLost = "LOST"

// Request is the durable record of one inbound exchange
type Request struct {
	RequestID  string
	AgentID    string
	Command    string
	State      string // replier protocol state, or StateLost
	RequestDoc *message.Doc
	ReplyDoc   *message.Doc // nil until a REPLY or NACK is sent
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Direction constants for ledger events
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Event is one wire document seen for a request, kept for auditing
type Event struct {
	ID        string
	RequestID string
	Direction string // "inbound" or "outbound"
	Type      string // REQUEST, ACK, NACK, REPLY, CANCEL
	MessageID string
	Timestamp time.Time
}

// Store defines the interface for request persistence
type Store interface {
	// Requests
	SaveRequest(ctx context.Context, req *Request) error
	SaveReply(ctx context.Context, requestID string, reply *message.Doc, state string) error
	UpdateState(ctx context.Context, requestID, state string) error
	GetRequest(ctx context.Context, requestID string) (*Request, error)
	ListRequests(ctx context.Context, limit int) ([]*Request, error)

	// ClearLost marks every request that is neither finished nor replied
	// as lost and returns how many were marked. Run once at startup.
	ClearLost(ctx context.Context) (int, error)

	// Ledger
	SaveEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, requestID string) ([]*Event, error)

	// Close releases any resources held by the store
	Close() error
}

// terminal reports whether state needs no recovery.
func terminal(state string) bool {
	return state == "CLEANUP" || state == StateLost
}
