// ABOUTME: Replier-side protocol object, one per inbound request id.
// ABOUTME: Absorbs retransmissions and makes ACK/NACK/REPLY delivery idempotent.

package messaging

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-agentd/internal/eventspace"
	"github.com/2389/coven-agentd/internal/message"
	"github.com/2389/coven-agentd/internal/statemachine"
)

// Replier states.
const (
	ReplyStateNew                      statemachine.State = "NEW"
	ReplyStateRequesting               statemachine.State = "REQUESTING"
	ReplyStateCancelReceivedRequesting statemachine.State = "CANCEL_RECEIVED_REQUESTING"
	ReplyStateAcked                    statemachine.State = "ACKED"
	ReplyStateReply                    statemachine.State = "REPLY"
	ReplyStateNacked                   statemachine.State = "NACKED"
	ReplyStateCleanup                  statemachine.State = "CLEANUP"
)

// Replier events.
const (
	ReplyEventRequestReceived    statemachine.Event = "REQUEST_RECEIVED"
	ReplyEventCancelReceived     statemachine.Event = "CANCEL_RECEIVED"
	ReplyEventUserAcceptsRequest statemachine.Event = "USER_ACCEPTS_REQUEST"
	ReplyEventUserRejectsRequest statemachine.Event = "USER_REJECTS_REQUEST"
	ReplyEventUserReplies        statemachine.Event = "USER_REPLIES"
	ReplyEventReplyAckReceived   statemachine.Event = "REPLY_ACK_RECEIVED"
	ReplyEventReplyNackReceived  statemachine.Event = "REPLY_NACK_RECEIVED"
	ReplyEventTimeout            statemachine.Event = "TIMEOUT"
)

// ReplyRPC tracks one inbound exchange. All mutating methods serialise on
// the object's own lock, so one exchange never blocks another.
type ReplyRPC struct {
	mu sync.Mutex

	listener *RequestListener
	space    *eventspace.Space
	conn     message.Conn
	opts     Options
	logger   *slog.Logger
	sm       *statemachine.Machine

	requestID  string
	messageID  string
	agentID    string
	requestDoc *message.Doc

	cancelFn   func()
	replyDoc   *message.Doc
	replyTimer *message.MessageTimer
	nackTimer  *eventspace.Callback
	resends    int
	flagged    bool

	// work queued by handlers to run once the lock is released
	after []func()
}

func newReplyRPC(l *RequestListener, doc *message.Doc) *ReplyRPC {
	r := &ReplyRPC{
		listener:   l,
		space:      l.space,
		conn:       l.conn,
		opts:       l.opts,
		requestID:  doc.RequestID,
		messageID:  doc.MessageID,
		agentID:    l.opts.AgentID,
		requestDoc: doc.Clone(),
		logger:     l.logger.With("request_id", doc.RequestID),
	}
	r.sm = statemachine.New("reply:"+doc.RequestID, ReplyStateNew, r.logger)
	r.buildTable()
	return r
}

func (r *ReplyRPC) buildTable() {
	sm := r.sm

	sm.AddTransition(ReplyStateNew, ReplyEventRequestReceived, ReplyStateRequesting, r.onFirstRequest)

	sm.AddTransition(ReplyStateRequesting, ReplyEventRequestReceived, ReplyStateRequesting, r.onDuplicateRequest)
	sm.AddTransition(ReplyStateRequesting, ReplyEventCancelReceived, ReplyStateCancelReceivedRequesting, nil)
	sm.AddTransition(ReplyStateRequesting, ReplyEventUserAcceptsRequest, ReplyStateAcked, r.onAccept)
	sm.AddTransition(ReplyStateRequesting, ReplyEventUserRejectsRequest, ReplyStateNacked, r.onReject)
	sm.AddTransition(ReplyStateRequesting, ReplyEventUserReplies, ReplyStateReply, r.onReply)

	sm.AddTransition(ReplyStateCancelReceivedRequesting, ReplyEventRequestReceived, ReplyStateCancelReceivedRequesting, r.onDuplicateRequest)
	sm.AddTransition(ReplyStateCancelReceivedRequesting, ReplyEventCancelReceived, ReplyStateCancelReceivedRequesting, skip)
	sm.AddTransition(ReplyStateCancelReceivedRequesting, ReplyEventUserAcceptsRequest, ReplyStateAcked, r.onAcceptAfterCancel)
	sm.AddTransition(ReplyStateCancelReceivedRequesting, ReplyEventUserRejectsRequest, ReplyStateNacked, r.onReject)
	sm.AddTransition(ReplyStateCancelReceivedRequesting, ReplyEventUserReplies, ReplyStateReply, r.onReply)

	sm.AddTransition(ReplyStateAcked, ReplyEventRequestReceived, ReplyStateAcked, r.onResendAck)
	sm.AddTransition(ReplyStateAcked, ReplyEventCancelReceived, ReplyStateAcked, r.onCancelWhileAcked)
	sm.AddTransition(ReplyStateAcked, ReplyEventUserReplies, ReplyStateReply, r.onReply)

	sm.AddTransition(ReplyStateReply, ReplyEventRequestReceived, ReplyStateReply, r.onResendReply)
	sm.AddTransition(ReplyStateReply, ReplyEventCancelReceived, ReplyStateReply, skip)
	sm.AddTransition(ReplyStateReply, ReplyEventTimeout, ReplyStateReply, r.onReplyTimeout)
	sm.AddTransition(ReplyStateReply, ReplyEventReplyAckReceived, ReplyStateCleanup, r.onReplyAcked)
	sm.AddTransition(ReplyStateReply, ReplyEventReplyNackReceived, ReplyStateCleanup, r.onReplyNacked)

	sm.AddTransition(ReplyStateNacked, ReplyEventRequestReceived, ReplyStateNacked, r.onResendNack)
	sm.AddTransition(ReplyStateNacked, ReplyEventCancelReceived, ReplyStateNacked, skip)
	sm.AddTransition(ReplyStateNacked, ReplyEventTimeout, ReplyStateCleanup, r.onNackLingerDone)

	sm.AddTransition(ReplyStateCleanup, ReplyEventTimeout, ReplyStateCleanup, skip)
}

func skip(any) (statemachine.Result, error) {
	return statemachine.Skipped, nil
}

// RequestID returns the exchange id.
func (r *ReplyRPC) RequestID() string {
	return r.requestID
}

// Request returns a copy of the founding REQUEST document.
func (r *ReplyRPC) Request() *message.Doc {
	return r.requestDoc.Clone()
}

// State returns the current protocol state.
func (r *ReplyRPC) State() statemachine.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sm.Current()
}

// History returns the transition audit trail.
func (r *ReplyRPC) History() []statemachine.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sm.History()
}

// ReplyDoc returns the reply that was sent, or nil.
func (r *ReplyRPC) ReplyDoc() *message.Doc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replyDoc == nil {
		return nil
	}
	return r.replyDoc.Clone()
}

// Resends returns how many times the reply has been retransmitted.
func (r *ReplyRPC) Resends() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resends
}

// Ack accepts the request. cancelFn, if not nil, is scheduled on the event
// space when the remote cancels; a cancel that arrived before Ack is
// delivered right after the ACK is sent.
func (r *ReplyRPC) Ack(cancelFn func()) error {
	return r.fire(ReplyEventUserAcceptsRequest, cancelFn)
}

// Nak rejects the request. doc may carry an error message.
func (r *ReplyRPC) Nak(doc *message.Doc) error {
	return r.fire(ReplyEventUserRejectsRequest, doc)
}

// Reply sends the result. The reply is retransmitted until acknowledged.
func (r *ReplyRPC) Reply(payload map[string]any) error {
	return r.fire(ReplyEventUserReplies, payload)
}

// IncomingMessage maps a wire document onto the state machine.
func (r *ReplyRPC) IncomingMessage(doc *message.Doc) error {
	var event statemachine.Event
	switch doc.Type {
	case "":
		return &message.MissingParameterError{Field: "type"}
	case message.TypeRequest:
		event = ReplyEventRequestReceived
	case message.TypeCancel:
		event = ReplyEventCancelReceived
	case message.TypeAck:
		event = ReplyEventReplyAckReceived
	case message.TypeNack:
		event = ReplyEventReplyNackReceived
	default:
		return &message.InvalidParameterValueError{Field: "type", Value: doc.Type}
	}
	return r.fire(event, doc)
}

// Kill cancels outstanding timers during shutdown. It never fails.
func (r *ReplyRPC) Kill() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.replyTimer != nil {
		r.replyTimer.Cancel()
	}
	if r.nackTimer != nil {
		r.nackTimer.Cancel()
	}
}

func (r *ReplyRPC) timeout() {
	if err := r.fire(ReplyEventTimeout, nil); err != nil {
		r.logger.Error("reply timeout handling failed", "error", err)
	}
}

// fire runs one event under the lock, then the deferred work handlers
// queued (listener and observer notifications need the lock released).
func (r *ReplyRPC) fire(event statemachine.Event, payload any) error {
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

func (r *ReplyRPC) send(doc *message.Doc) {
	if err := r.conn.Send(doc); err != nil {
		r.logger.Warn("send failed", "type", doc.Type, "error", err)
	}
}

func (r *ReplyRPC) ackDoc() *message.Doc {
	return &message.Doc{
		Type:      message.TypeAck,
		RequestID: r.requestID,
		MessageID: r.messageID,
		AgentID:   r.agentID,
	}
}

func (r *ReplyRPC) noteRequest(payload any) {
	if doc, ok := payload.(*message.Doc); ok && doc.MessageID != "" {
		r.messageID = doc.MessageID
	}
}

func (r *ReplyRPC) onFirstRequest(payload any) (statemachine.Result, error) {
	r.noteRequest(payload)
	return statemachine.Applied, nil
}

func (r *ReplyRPC) onDuplicateRequest(payload any) (statemachine.Result, error) {
	r.logger.Debug("retransmitted request absorbed before user decision")
	return statemachine.Skipped, nil
}

func (r *ReplyRPC) onAccept(payload any) (statemachine.Result, error) {
	r.cancelFn, _ = payload.(func())
	r.send(r.ackDoc())
	return statemachine.Applied, nil
}

func (r *ReplyRPC) onAcceptAfterCancel(payload any) (statemachine.Result, error) {
	r.cancelFn, _ = payload.(func())
	r.send(r.ackDoc())
	r.scheduleCancel()
	return statemachine.Applied, nil
}

func (r *ReplyRPC) onCancelWhileAcked(any) (statemachine.Result, error) {
	r.scheduleCancel()
	return statemachine.Applied, nil
}

func (r *ReplyRPC) scheduleCancel() {
	if r.cancelFn == nil {
		r.logger.Info("cancel received but request has no cancel callback")
		return
	}
	fn := r.cancelFn
	if _, err := r.space.Register(func() error {
		fn()
		return nil
	}); err != nil {
		r.logger.Warn("could not schedule cancel callback", "error", err)
	}
}

// onResendAck re-acknowledges a retransmitted REQUEST. The first ACK
// carries the request's message id; every resend is a new transmission.
func (r *ReplyRPC) onResendAck(payload any) (statemachine.Result, error) {
	r.noteRequest(payload)
	doc := r.ackDoc()
	doc.MessageID = message.NewMessageID()
	r.send(doc)
	return statemachine.Applied, nil
}

func (r *ReplyRPC) nackDoc(reason string) *message.Doc {
	return &message.Doc{
		Type:         message.TypeNack,
		RequestID:    r.requestID,
		MessageID:    r.messageID,
		ErrorMessage: reason,
		AgentID:      r.agentID,
	}
}

func (r *ReplyRPC) onReject(payload any) (statemachine.Result, error) {
	var reason string
	if doc, ok := payload.(*message.Doc); ok && doc != nil {
		reason = doc.ErrorMessage
	}
	cb, err := r.space.Register(func() error {
		r.timeout()
		return nil
	}, eventspace.WithDelay(r.opts.NackLinger))
	if err != nil {
		return statemachine.Failed, fmt.Errorf("arming nack timer: %w", err)
	}
	r.nackTimer = cb

	r.replyDoc = r.nackDoc(reason)
	sent := r.replyDoc.Clone()
	r.send(sent)
	r.after = append(r.after, func() { r.listener.notifyReplied(r, sent) })
	return statemachine.Applied, nil
}

func (r *ReplyRPC) onResendNack(payload any) (statemachine.Result, error) {
	r.noteRequest(payload)
	doc := r.replyDoc.Clone()
	doc.MessageID = r.messageID
	r.send(doc)
	return statemachine.Applied, nil
}

func (r *ReplyRPC) onNackLingerDone(any) (statemachine.Result, error) {
	r.nackTimer = nil
	r.after = append(r.after, func() { r.listener.MessageDone(r) })
	return statemachine.Applied, nil
}

func (r *ReplyRPC) onReply(payload any) (statemachine.Result, error) {
	result, _ := payload.(map[string]any)
	r.replyDoc = &message.Doc{
		Type:      message.TypeReply,
		RequestID: r.requestID,
		Payload:   result,
		AgentID:   r.agentID,
	}
	r.replyTimer = message.NewMessageTimer(r.space, r.opts.ResendTimeout, r.timeout, r.replyDoc, true)
	if err := r.replyTimer.Send(r.conn); err != nil {
		r.logger.Warn("reply send failed, will retry on timeout", "error", err)
	}

	sent := r.replyDoc.Clone()
	r.after = append(r.after, func() { r.listener.notifyReplied(r, sent) })
	return statemachine.Applied, nil
}

func (r *ReplyRPC) resendReply(reason string) {
	r.resends++
	if r.resends > r.opts.ResendThreshold && !r.flagged {
		r.flagged = true
		r.logger.Warn("reply resend threshold exceeded",
			"resends", r.resends,
			"threshold", r.opts.ResendThreshold,
		)
		if h := r.opts.Health; h != nil {
			id, n := r.requestID, r.resends
			r.after = append(r.after, func() { h.ResendThresholdExceeded(id, n) })
		}
	}
	r.logger.Debug("resending reply", "reason", reason, "resends", r.resends)
	if err := r.replyTimer.Send(r.conn); err != nil {
		r.logger.Warn("reply resend failed", "error", err)
	}
}

func (r *ReplyRPC) onResendReply(payload any) (statemachine.Result, error) {
	r.noteRequest(payload)
	r.resendReply("request retransmitted")
	return statemachine.Applied, nil
}

func (r *ReplyRPC) onReplyTimeout(any) (statemachine.Result, error) {
	r.resendReply("timeout")
	return statemachine.Applied, nil
}

func (r *ReplyRPC) onReplyAcked(any) (statemachine.Result, error) {
	r.replyTimer.Cancel()
	r.after = append(r.after, func() { r.listener.MessageDone(r) })
	return statemachine.Applied, nil
}

func (r *ReplyRPC) onReplyNacked(payload any) (statemachine.Result, error) {
	var reason string
	if doc, ok := payload.(*message.Doc); ok {
		reason = doc.ErrorMessage
	}
	r.logger.Warn("controller rejected reply", "reason", reason)
	r.replyTimer.Cancel()
	r.after = append(r.after, func() { r.listener.MessageDone(r) })
	return statemachine.Applied, nil
}
