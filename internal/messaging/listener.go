// ABOUTME: RequestListener owns live and recently finished inbound exchanges.
// ABOUTME: It dedups retransmissions, NACKs strays and hands new requests to the dispatcher.

package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-agentd/internal/eventspace"
	"github.com/2389/coven-agentd/internal/message"
)

// RequestListener is the entry point for every inbound document addressed
// to the replier side.
type RequestListener struct {
	space      *eventspace.Space
	conn       message.Conn
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger

	mu        sync.Mutex
	requests  map[string]*ReplyRPC
	expired   map[string]*eventspace.Callback
	observers []Observer
	processed int
	shutdown  bool
}

// NewRequestListener creates a listener that sends over conn and schedules
// on space.
func NewRequestListener(space *eventspace.Space, conn message.Conn, dispatcher Dispatcher, opts Options, logger *slog.Logger) *RequestListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestListener{
		space:      space,
		conn:       conn,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "listener"),
		requests:   make(map[string]*ReplyRPC),
		expired:    make(map[string]*eventspace.Callback),
	}
}

// AddObserver registers o for lifecycle notifications.
func (l *RequestListener) AddObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// IncomingParentQMessage processes one raw inbound document. Malformed or
// unroutable documents are answered with a best-effort NACK. The returned
// error is informational: the NACK has already been sent.
func (l *RequestListener) IncomingParentQMessage(raw map[string]any) (err error) {
	doc, perr := message.FromMap(raw)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic handling message: %v", p)
		}
		if err == nil {
			return
		}
		l.logger.Warn("rejecting inbound message", "error", err)
		// a NACK is never answered with a NACK
		if doc == nil || doc.Type != message.TypeNack {
			l.nackBestEffort(doc, err.Error())
		}
	}()
	if perr != nil {
		return perr
	}

	if doc.Type == message.TypeRequest {
		return l.incomingRequest(doc)
	}

	rpc := l.lookup(doc.RequestID)
	if rpc == nil {
		return fmt.Errorf("%s for unknown request %s", doc.Type, doc.RequestID)
	}
	l.notify(func(o Observer) { o.IncomingMessage(rpc, doc) })
	return rpc.IncomingMessage(doc)
}

func (l *RequestListener) incomingRequest(doc *message.Doc) error {
	l.mu.Lock()
	if _, ok := l.expired[doc.RequestID]; ok {
		l.mu.Unlock()
		l.logger.Debug("late retransmission of finished request", "request_id", doc.RequestID)
		l.sendNack(doc, "request already completed")
		return nil
	}
	if rpc, ok := l.requests[doc.RequestID]; ok {
		l.mu.Unlock()
		l.notify(func(o Observer) { o.IncomingMessage(rpc, doc) })
		return rpc.IncomingMessage(doc)
	}
	if l.shutdown {
		l.mu.Unlock()
		l.sendNack(doc, "agent shutting down")
		return nil
	}
	if limit := l.opts.MaxAtOnce; limit > 0 && len(l.requests) >= limit {
		n := len(l.requests)
		l.mu.Unlock()
		l.logger.Warn("admission limit reached", "in_flight", n, "max_at_once", limit)
		l.sendNack(doc, fmt.Sprintf("agent busy: %d requests in flight", n))
		return nil
	}
	rpc := newReplyRPC(l, doc)
	l.requests[doc.RequestID] = rpc
	l.mu.Unlock()

	l.logger.Info("new request", "request_id", doc.RequestID, "command", doc.Command())
	if err := rpc.IncomingMessage(doc); err != nil {
		l.forget(doc.RequestID)
		return err
	}
	l.notify(func(o Observer) { o.NewMessage(rpc) })

	if err := l.dispatch(rpc); err != nil {
		l.forget(doc.RequestID)
		rpc.Kill()
		return fmt.Errorf("dispatching %s: %w", doc.RequestID, err)
	}
	return nil
}

func (l *RequestListener) dispatch(rpc *ReplyRPC) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatcher panic: %v", p)
		}
	}()
	return l.dispatcher.IncomingRequest(rpc)
}

func (l *RequestListener) lookup(requestID string) *ReplyRPC {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[requestID]
}

func (l *RequestListener) forget(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, requestID)
}

// MessageDone retires rpc: its id moves to the expired set for the grace
// period so late retransmissions are NACKed instead of redispatched.
func (l *RequestListener) MessageDone(rpc *ReplyRPC) {
	id := rpc.RequestID()

	l.mu.Lock()
	if l.requests[id] != rpc {
		l.mu.Unlock()
		return
	}
	delete(l.requests, id)
	l.processed++
	cb, err := l.space.Register(func() error {
		l.mu.Lock()
		delete(l.expired, id)
		l.mu.Unlock()
		return nil
	}, eventspace.WithDelay(l.opts.ExpiryGrace))
	if err != nil && !errors.Is(err, eventspace.ErrStopped) {
		l.logger.Warn("could not arm expiry timer", "request_id", id, "error", err)
	}
	l.expired[id] = cb
	l.mu.Unlock()

	l.logger.Debug("request done", "request_id", id, "state", rpc.State())
	l.notify(func(o Observer) { o.MessageDone(rpc) })
}

func (l *RequestListener) notifyReplied(rpc *ReplyRPC, doc *message.Doc) {
	l.notify(func(o Observer) { o.Replied(rpc, doc) })
}

// StopAdmitting NACKs new requests with "agent shutting down" while live
// exchanges keep running to completion.
func (l *RequestListener) StopAdmitting() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdown = true
}

// Draining reports whether new requests are being refused.
func (l *RequestListener) Draining() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

// Shutdown stops admitting requests, drops expiry timers and kills every
// live exchange's timers. Running user work is the dispatcher's concern.
func (l *RequestListener) Shutdown() {
	l.mu.Lock()
	l.shutdown = true
	for id, cb := range l.expired {
		if cb != nil {
			cb.Cancel()
		}
		delete(l.expired, id)
	}
	live := make([]*ReplyRPC, 0, len(l.requests))
	for _, rpc := range l.requests {
		live = append(live, rpc)
	}
	l.mu.Unlock()

	for _, rpc := range live {
		rpc.Kill()
	}
	l.logger.Info("listener shut down", "live", len(live))
}

// IsBusy reports whether any exchange is still live.
func (l *RequestListener) IsBusy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests) > 0
}

// Processed returns how many exchanges have completed.
func (l *RequestListener) Processed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed
}

// Live returns the ids of live exchanges.
func (l *RequestListener) Live() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.requests))
	for id := range l.requests {
		ids = append(ids, id)
	}
	return ids
}

// Expired reports whether id is in the recently finished set.
func (l *RequestListener) Expired(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.expired[id]
	return ok
}

func (l *RequestListener) notify(fn func(Observer)) {
	l.mu.Lock()
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)
	l.mu.Unlock()

	for _, o := range observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					l.logger.Error("observer panicked", "panic", p)
				}
			}()
			fn(o)
		}()
	}
}

func (l *RequestListener) sendNack(doc *message.Doc, reason string) {
	nack := &message.Doc{
		Type:         message.TypeNack,
		RequestID:    doc.RequestID,
		MessageID:    doc.MessageID,
		ErrorMessage: reason,
		AgentID:      l.opts.AgentID,
	}
	if err := l.conn.Send(nack); err != nil {
		l.logger.Warn("nack send failed", "request_id", doc.RequestID, "error", err)
	}
}

// nackBestEffort NACKs with whatever ids could be parsed.
func (l *RequestListener) nackBestEffort(doc *message.Doc, reason string) {
	d := &message.Doc{RequestID: message.UnknownID, MessageID: message.UnknownID}
	if doc != nil {
		if doc.RequestID != "" {
			d.RequestID = doc.RequestID
		}
		if doc.MessageID != "" {
			d.MessageID = doc.MessageID
		}
	}
	l.sendNack(d, reason)
}
