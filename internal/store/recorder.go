// ABOUTME: Recorder persists inbound exchanges by observing the request listener
// ABOUTME: Writes are best effort; failures are logged and never reach the protocol

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-agentd/internal/message"
	"github.com/2389/coven-agentd/internal/messaging"
)

const defaultWriteTimeout = 5 * time.Second

// Recorder implements messaging.Observer on top of a Store.
type Recorder struct {
	store   Store
	agentID string
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder returns a Recorder that writes to s.
func NewRecorder(s Store, agentID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   s,
		agentID: agentID,
		logger:  logger.With("component", "recorder"),
		timeout: defaultWriteTimeout,
		now:     time.Now,
	}
}

var _ messaging.Observer = (*Recorder)(nil)

func (r *Recorder) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *Recorder) event(ctx context.Context, requestID, direction string, doc *message.Doc) {
	err := r.store.SaveEvent(ctx, &Event{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Direction: direction,
		Type:      string(doc.Type),
		MessageID: doc.MessageID,
		Timestamp: r.now(),
	})
	if err != nil {
		r.logger.Warn("failed to record event", "request_id", requestID, "type", doc.Type, "error", err)
	}
}

// NewMessage stores the request when an exchange opens.
func (r *Recorder) NewMessage(rpc *messaging.ReplyRPC) {
	ctx, cancel := r.ctx()
	defer cancel()

	doc := rpc.Request()
	now := r.now()
	err := r.store.SaveRequest(ctx, &Request{
		RequestID:  rpc.RequestID(),
		AgentID:    r.agentID,
		Command:    doc.Command(),
		State:      string(rpc.State()),
		RequestDoc: doc,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		r.logger.Warn("failed to record request", "request_id", rpc.RequestID(), "error", err)
		return
	}
	r.event(ctx, rpc.RequestID(), DirectionInbound, doc)
}

// IncomingMessage appends follow-up documents (CANCEL, ACK, NACK) to the ledger.
func (r *Recorder) IncomingMessage(rpc *messaging.ReplyRPC, doc *message.Doc) {
	ctx, cancel := r.ctx()
	defer cancel()
	r.event(ctx, rpc.RequestID(), DirectionInbound, doc)
}

// Replied stores the first REPLY or NACK sent for the exchange.
func (r *Recorder) Replied(rpc *messaging.ReplyRPC, reply *message.Doc) {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.store.SaveReply(ctx, rpc.RequestID(), reply, string(rpc.State())); err != nil {
		r.logger.Warn("failed to record reply", "request_id", rpc.RequestID(), "error", err)
	}
	r.event(ctx, rpc.RequestID(), DirectionOutbound, reply)
}

// MessageDone records the final state.
func (r *Recorder) MessageDone(rpc *messaging.ReplyRPC) {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.store.UpdateState(ctx, rpc.RequestID(), string(rpc.State())); err != nil {
		r.logger.Warn("failed to record final state", "request_id", rpc.RequestID(), "error", err)
	}
}
