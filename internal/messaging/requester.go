// ABOUTME: Requester tracks outbound RPCs; Session routes inbound documents.
// ABOUTME: Answers to our own requests go to the Requester, everything else to the listener.

package messaging

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-agentd/internal/eventspace"
	"github.com/2389/coven-agentd/internal/message"
)

// Requester owns the live RequestRPCs issued by this process.
type Requester struct {
	space  *eventspace.Space
	conn   message.Conn
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	rpcs     map[string]*RequestRPC
	shutdown bool
}

// NewRequester creates a requester sending over conn.
func NewRequester(space *eventspace.Space, conn message.Conn, opts Options, logger *slog.Logger) *Requester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Requester{
		space:  space,
		conn:   conn,
		opts:   opts.withDefaults(),
		logger: logger,
		rpcs:   make(map[string]*RequestRPC),
	}
}

// Call sends a REQUEST carrying payload. Callbacks fire on the poll loop.
func (q *Requester) Call(payload map[string]any, callbacks Callbacks) (*RequestRPC, error) {
	rpc := NewRequestRPC(q.space, q.conn, payload, callbacks, q.opts, q.logger)
	rpc.onCleanup = q.remove

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return nil, ErrShutdown
	}
	q.rpcs[rpc.RequestID()] = rpc
	q.mu.Unlock()

	if err := rpc.Send(); err != nil {
		q.remove(rpc)
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return rpc, nil
}

// Owns reports whether requestID belongs to a live outbound RPC.
func (q *Requester) Owns(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.rpcs[requestID]
	return ok
}

// Len returns the number of live outbound RPCs.
func (q *Requester) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rpcs)
}

// Incoming delivers a document answering one of our requests.
func (q *Requester) Incoming(doc *message.Doc) error {
	q.mu.Lock()
	rpc := q.rpcs[doc.RequestID]
	q.mu.Unlock()
	if rpc == nil {
		return fmt.Errorf("no outbound request %s", doc.RequestID)
	}
	return rpc.IncomingMessage(doc)
}

// Shutdown stops new calls and cancels every live RPC's timers.
func (q *Requester) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	live := make([]*RequestRPC, 0, len(q.rpcs))
	for _, rpc := range q.rpcs {
		live = append(live, rpc)
	}
	q.rpcs = make(map[string]*RequestRPC)
	q.mu.Unlock()

	for _, rpc := range live {
		rpc.Cleanup()
	}
}

func (q *Requester) remove(rpc *RequestRPC) {
	rpc.Cleanup()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rpcs[rpc.RequestID()] == rpc {
		delete(q.rpcs, rpc.RequestID())
	}
}

// Session is the single receiver for a connection. It splits inbound
// traffic between the replier and requester sides.
type Session struct {
	Listener  *RequestListener
	Requester *Requester
	logger    *slog.Logger
}

// NewSession pairs a listener and a requester sharing one connection.
func NewSession(listener *RequestListener, requester *Requester, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		Listener:  listener,
		Requester: requester,
		logger:    logger.With("component", "session"),
	}
}

// IncomingParentQMessage routes one raw inbound document.
func (s *Session) IncomingParentQMessage(raw map[string]any) error {
	doc, err := message.FromMap(raw)
	if err == nil && doc.Type != message.TypeRequest && s.Requester != nil && s.Requester.Owns(doc.RequestID) {
		if err := s.Requester.Incoming(doc); err != nil {
			s.logger.Warn("outbound exchange rejected message", "request_id", doc.RequestID, "type", doc.Type, "error", err)
			return err
		}
		return nil
	}
	return s.Listener.IncomingParentQMessage(raw)
}

// StopAdmitting starts a drain on the replier side.
func (s *Session) StopAdmitting() {
	s.Listener.StopAdmitting()
}

// Shutdown stops both sides.
func (s *Session) Shutdown() {
	s.Listener.Shutdown()
	if s.Requester != nil {
		s.Requester.Shutdown()
	}
}

// IsBusy reports whether inbound exchanges are still live.
func (s *Session) IsBusy() bool {
	return s.Listener.IsBusy()
}
