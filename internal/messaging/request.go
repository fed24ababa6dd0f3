// ABOUTME: Requester-side protocol object for one outbound RPC.
// ABOUTME: Retransmits the REQUEST until answered and acknowledges the reply.

package messaging

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-agentd/internal/eventspace"
	"github.com/2389/coven-agentd/internal/message"
	"github.com/2389/coven-agentd/internal/statemachine"
)

// Requester states.
const (
	RequestStateNew            statemachine.State = "NEW"
	RequestStateRequesting     statemachine.State = "REQUESTING"
	RequestStateRequested      statemachine.State = "REQUESTED"
	RequestStateUserCallback   statemachine.State = "USER_CALLBACK"
	RequestStateRequestFailing statemachine.State = "REQUEST_FAILING"
	RequestStateAckSent        statemachine.State = "ACK_SENT"
	RequestStateCleanup        statemachine.State = "CLEANUP"
)

// Requester events.
const (
	RequestEventSend             statemachine.Event = "SEND"
	RequestEventAckReceived      statemachine.Event = "ACK_RECEIVED"
	RequestEventNackReceived     statemachine.Event = "NACK_RECEIVED"
	RequestEventReplyReceived    statemachine.Event = "REPLY_RECEIVED"
	RequestEventUserCallbackDone statemachine.Event = "USER_CALLBACK_DONE"
	RequestEventCancel           statemachine.Event = "CANCEL"
	RequestEventTimeout          statemachine.Event = "TIMEOUT"
	RequestEventCleanupTimeout   statemachine.Event = "CLEANUP_TIMEOUT"
)

// Callbacks receive the outcome of a RequestRPC on the event space poll
// loop. Either field may be nil.
type Callbacks struct {
	OnReply   func(rpc *RequestRPC, reply *message.Doc)
	OnFailure func(rpc *RequestRPC, nack *message.Doc)
}

// RequestRPC drives one outbound exchange.
type RequestRPC struct {
	mu sync.Mutex

	space     *eventspace.Space
	conn      message.Conn
	opts      Options
	callbacks Callbacks
	logger    *slog.Logger
	sm        *statemachine.Machine
	onCleanup func(*RequestRPC)

	requestID    string
	requestTimer *message.MessageTimer
	ackTimer     *message.AckCleanupTimer
	replyDoc     *message.Doc
	ackDoc       *message.Doc
	failure      *message.Doc

	after []func()
}

// NewRequestRPC prepares an exchange carrying payload. Nothing is sent
// until Send.
func NewRequestRPC(space *eventspace.Space, conn message.Conn, payload map[string]any, callbacks Callbacks, opts Options, logger *slog.Logger) *RequestRPC {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	id := message.NewRequestID()
	r := &RequestRPC{
		space:     space,
		conn:      conn,
		opts:      opts,
		callbacks: callbacks,
		requestID: id,
		logger:    logger.With("component", "requester", "request_id", id),
	}
	doc := &message.Doc{
		Type:      message.TypeRequest,
		RequestID: id,
		Payload:   payload,
		AgentID:   opts.AgentID,
	}
	r.requestTimer = message.NewMessageTimer(space, opts.RequestTimeout, r.timeout, doc, false)
	r.ackTimer = message.NewAckCleanupTimer(space, opts.AckCleanupTimeout, r.cleanupTimeout)
	r.sm = statemachine.New("request:"+id, RequestStateNew, r.logger)
	r.buildTable()
	return r
}

func (r *RequestRPC) buildTable() {
	sm := r.sm

	sm.AddTransition(RequestStateNew, RequestEventSend, RequestStateRequesting, r.onSend)
	sm.AddTransition(RequestStateNew, RequestEventCancel, RequestStateCleanup, r.onCancelUnsent)

	sm.AddTransition(RequestStateRequesting, RequestEventTimeout, RequestStateRequesting, r.onResend)
	sm.AddTransition(RequestStateRequesting, RequestEventAckReceived, RequestStateRequested, r.onAck)
	sm.AddTransition(RequestStateRequesting, RequestEventReplyReceived, RequestStateUserCallback, r.onReply)
	sm.AddTransition(RequestStateRequesting, RequestEventNackReceived, RequestStateRequestFailing, r.onNack)
	sm.AddTransition(RequestStateRequesting, RequestEventCancel, RequestStateRequesting, r.onCancel)

	sm.AddTransition(RequestStateRequested, RequestEventAckReceived, RequestStateRequested, skip)
	sm.AddTransition(RequestStateRequested, RequestEventTimeout, RequestStateRequested, skip)
	sm.AddTransition(RequestStateRequested, RequestEventReplyReceived, RequestStateUserCallback, r.onReply)
	sm.AddTransition(RequestStateRequested, RequestEventNackReceived, RequestStateRequestFailing, r.onNack)
	sm.AddTransition(RequestStateRequested, RequestEventCancel, RequestStateRequested, r.onCancel)

	sm.AddTransition(RequestStateUserCallback, RequestEventUserCallbackDone, RequestStateAckSent, r.onCallbackDone)
	sm.AddTransition(RequestStateUserCallback, RequestEventReplyReceived, RequestStateUserCallback, skip)
	sm.AddTransition(RequestStateUserCallback, RequestEventAckReceived, RequestStateUserCallback, skip)
	sm.AddTransition(RequestStateUserCallback, RequestEventTimeout, RequestStateUserCallback, skip)
	sm.AddTransition(RequestStateUserCallback, RequestEventNackReceived, RequestStateUserCallback, skip)
	sm.AddTransition(RequestStateUserCallback, RequestEventCancel, RequestStateUserCallback, r.ignoreCancel)

	sm.AddTransition(RequestStateRequestFailing, RequestEventUserCallbackDone, RequestStateCleanup, r.onFailureDone)
	sm.AddTransition(RequestStateRequestFailing, RequestEventNackReceived, RequestStateRequestFailing, skip)
	sm.AddTransition(RequestStateRequestFailing, RequestEventAckReceived, RequestStateRequestFailing, skip)
	sm.AddTransition(RequestStateRequestFailing, RequestEventReplyReceived, RequestStateRequestFailing, skip)
	sm.AddTransition(RequestStateRequestFailing, RequestEventTimeout, RequestStateRequestFailing, skip)
	sm.AddTransition(RequestStateRequestFailing, RequestEventCancel, RequestStateRequestFailing, r.ignoreCancel)

	sm.AddTransition(RequestStateAckSent, RequestEventReplyReceived, RequestStateAckSent, r.onReplyAgain)
	sm.AddTransition(RequestStateAckSent, RequestEventCleanupTimeout, RequestStateCleanup, r.onFinished)
	sm.AddTransition(RequestStateAckSent, RequestEventNackReceived, RequestStateCleanup, r.onFinished)
	sm.AddTransition(RequestStateAckSent, RequestEventAckReceived, RequestStateAckSent, skip)
	sm.AddTransition(RequestStateAckSent, RequestEventTimeout, RequestStateAckSent, skip)
	sm.AddTransition(RequestStateAckSent, RequestEventCancel, RequestStateAckSent, r.ignoreCancel)

	for _, e := range []statemachine.Event{
		RequestEventAckReceived, RequestEventNackReceived, RequestEventReplyReceived,
		RequestEventTimeout, RequestEventCleanupTimeout, RequestEventCancel,
	} {
		sm.AddTransition(RequestStateCleanup, e, RequestStateCleanup, skip)
	}
}

// RequestID returns the exchange id.
func (r *RequestRPC) RequestID() string {
	return r.requestID
}

// State returns the current protocol state.
func (r *RequestRPC) State() statemachine.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sm.Current()
}

// ReplyDoc returns the recorded reply, or nil.
func (r *RequestRPC) ReplyDoc() *message.Doc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replyDoc == nil {
		return nil
	}
	return r.replyDoc.Clone()
}

// Failure returns the NACK that failed the exchange, or nil.
func (r *RequestRPC) Failure() *message.Doc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		return nil
	}
	return r.failure.Clone()
}

// Sends returns how many times the REQUEST has been transmitted.
func (r *RequestRPC) Sends() int {
	return r.requestTimer.Sends()
}

// Send transmits the REQUEST and starts retransmitting it.
func (r *RequestRPC) Send() error {
	return r.fire(RequestEventSend, nil)
}

// Cancel asks the remote to cancel. Late cancels are ignored.
func (r *RequestRPC) Cancel() error {
	return r.fire(RequestEventCancel, nil)
}

// IncomingMessage maps a wire document onto the state machine.
func (r *RequestRPC) IncomingMessage(doc *message.Doc) error {
	var event statemachine.Event
	switch doc.Type {
	case "":
		return &message.MissingParameterError{Field: "type"}
	case message.TypeAck:
		event = RequestEventAckReceived
	case message.TypeNack:
		event = RequestEventNackReceived
	case message.TypeReply:
		event = RequestEventReplyReceived
	default:
		return &message.InvalidParameterValueError{Field: "type", Value: doc.Type}
	}
	return r.fire(event, doc)
}

// Cleanup cancels every timer. Safe to call repeatedly.
func (r *RequestRPC) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestTimer.Cancel()
	r.ackTimer.Cancel()
}

func (r *RequestRPC) timeout() {
	if err := r.fire(RequestEventTimeout, nil); err != nil {
		r.logger.Error("request timeout handling failed", "error", err)
	}
}

func (r *RequestRPC) cleanupTimeout() {
	if err := r.fire(RequestEventCleanupTimeout, nil); err != nil {
		r.logger.Error("cleanup timeout handling failed", "error", err)
	}
}

func (r *RequestRPC) fire(event statemachine.Event, payload any) error {
	r.mu.Lock()
	_, err := r.sm.EventOccurred(event, payload)
	after := r.after
	r.after = nil
	r.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	return err
}

func (r *RequestRPC) onSend(any) (statemachine.Result, error) {
	if err := r.requestTimer.Send(r.conn); err != nil {
		r.logger.Warn("request send failed, will retry on timeout", "error", err)
	}
	return statemachine.Applied, nil
}

func (r *RequestRPC) onResend(any) (statemachine.Result, error) {
	r.logger.Debug("retransmitting request", "sends", r.requestTimer.Sends())
	if err := r.requestTimer.Send(r.conn); err != nil {
		r.logger.Warn("request resend failed", "error", err)
	}
	return statemachine.Applied, nil
}

func (r *RequestRPC) onAck(any) (statemachine.Result, error) {
	r.requestTimer.Cancel()
	return statemachine.Applied, nil
}

func (r *RequestRPC) onReply(payload any) (statemachine.Result, error) {
	if r.replyDoc != nil {
		r.logger.Error("second reply for one request",
			"state", r.sm.Current(),
			"first", r.replyDoc.MessageID,
			"history", r.sm.History(),
		)
		return statemachine.Failed, fmt.Errorf("%w: request %s replied twice", ErrAssertion, r.requestID)
	}
	doc, _ := payload.(*message.Doc)
	if doc == nil {
		return statemachine.Failed, fmt.Errorf("%w: reply event without document", ErrAssertion)
	}
	r.requestTimer.Cancel()
	r.replyDoc = doc.Clone()
	reply := doc.Clone()

	r.schedule(func() {
		if cb := r.callbacks.OnReply; cb != nil {
			cb(r, reply)
		}
		if err := r.fire(RequestEventUserCallbackDone, nil); err != nil {
			r.logger.Error("completing reply callback", "error", err)
		}
	})
	return statemachine.Applied, nil
}

func (r *RequestRPC) onNack(payload any) (statemachine.Result, error) {
	r.requestTimer.Cancel()
	doc, _ := payload.(*message.Doc)
	if doc != nil {
		r.failure = doc.Clone()
		r.logger.Warn("request rejected", "reason", doc.ErrorMessage)
	}
	nack := r.failure
	r.schedule(func() {
		if cb := r.callbacks.OnFailure; cb != nil {
			cb(r, nack)
		}
		if err := r.fire(RequestEventUserCallbackDone, nil); err != nil {
			r.logger.Error("completing failure callback", "error", err)
		}
	})
	return statemachine.Applied, nil
}

// schedule runs fn on the poll loop, outside the object lock.
func (r *RequestRPC) schedule(fn func()) {
	if _, err := r.space.Register(func() error {
		fn()
		return nil
	}); err != nil {
		r.logger.Warn("could not schedule user callback", "error", err)
	}
}

func (r *RequestRPC) sendAck() {
	if err := r.conn.Send(r.ackDoc.Clone()); err != nil {
		r.logger.Warn("reply ack send failed", "error", err)
	}
}

func (r *RequestRPC) onCallbackDone(any) (statemachine.Result, error) {
	r.ackDoc = &message.Doc{
		Type:      message.TypeAck,
		RequestID: r.requestID,
		MessageID: r.replyDoc.MessageID,
		AgentID:   r.opts.AgentID,
	}
	r.sendAck()
	if err := r.ackTimer.Start(); err != nil {
		r.logger.Warn("could not arm ack cleanup timer", "error", err)
	}
	return statemachine.Applied, nil
}

func (r *RequestRPC) onReplyAgain(payload any) (statemachine.Result, error) {
	if doc, ok := payload.(*message.Doc); ok && doc.MessageID != "" {
		r.ackDoc.MessageID = doc.MessageID
	}
	r.sendAck()
	return statemachine.Applied, nil
}

func (r *RequestRPC) onFailureDone(any) (statemachine.Result, error) {
	return r.onFinished(nil)
}

func (r *RequestRPC) onFinished(any) (statemachine.Result, error) {
	r.requestTimer.Cancel()
	r.ackTimer.Cancel()
	if r.onCleanup != nil {
		fn := r.onCleanup
		r.after = append(r.after, func() { fn(r) })
	}
	return statemachine.Applied, nil
}

func (r *RequestRPC) onCancelUnsent(any) (statemachine.Result, error) {
	return r.onFinished(nil)
}

func (r *RequestRPC) onCancel(any) (statemachine.Result, error) {
	doc := &message.Doc{
		Type:      message.TypeCancel,
		RequestID: r.requestID,
		MessageID: message.NewMessageID(),
		AgentID:   r.opts.AgentID,
	}
	if err := r.conn.Send(doc); err != nil {
		r.logger.Warn("cancel send failed", "error", err)
	}
	return statemachine.Applied, nil
}

func (r *RequestRPC) ignoreCancel(any) (statemachine.Result, error) {
	r.logger.Info("cancel ignored, exchange already closing", "state", r.sm.Current())
	return statemachine.Skipped, nil
}
