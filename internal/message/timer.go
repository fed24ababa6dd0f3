// ABOUTME: Self-resending message timer and the one-shot ack cleanup timer.
// ABOUTME: Both schedule through the event space so expiry handlers run on the poll loop.

package message

import (
	"sync"
	"time"

	"github.com/2389/coven-agentd/internal/eventspace"
)

// MessageTimer sends a document and schedules a callback after a timeout.
// The owner's timeout handler implements retransmission by calling Send
// again.
type MessageTimer struct {
	space     *eventspace.Space
	timeout   time.Duration
	callback  func()
	doc       *Doc
	refreshID bool

	mu       sync.Mutex
	pending  *eventspace.Callback
	sends    int
	canceled bool
}

// NewMessageTimer creates a timer for doc. With refreshID every Send stamps
// the document with a new message id (ACK and REPLY resends); without it the
// message id is assigned once and kept (REQUEST resends).
func NewMessageTimer(space *eventspace.Space, timeout time.Duration, callback func(), doc *Doc, refreshID bool) *MessageTimer {
	return &MessageTimer{
		space:     space,
		timeout:   timeout,
		callback:  callback,
		doc:       doc,
		refreshID: refreshID,
	}
}

// Doc returns the document being (re)sent.
func (t *MessageTimer) Doc() *Doc {
	return t.doc
}

// Sends returns how many times Send has transmitted the document.
func (t *MessageTimer) Sends() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sends
}

// Send transmits the document over conn and arms the timeout. A send error
// is returned but the timeout is armed regardless, so a lost transmission is
// retried like any other.
func (t *MessageTimer) Send(conn Conn) error {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return nil
	}
	if t.refreshID || t.doc.MessageID == "" {
		t.doc.MessageID = NewMessageID()
	}
	t.sends++
	if t.pending != nil {
		t.pending.Cancel()
		t.pending = nil
	}
	doc := t.doc.Clone()

	cb, regErr := t.space.Register(func() error {
		t.mu.Lock()
		fire := !t.canceled
		t.pending = nil
		t.mu.Unlock()
		if fire {
			t.callback()
		}
		return nil
	}, eventspace.WithDelay(t.timeout))
	if regErr == nil {
		t.pending = cb
	}
	t.mu.Unlock()

	if err := conn.Send(doc); err != nil {
		return err
	}
	return regErr
}

// Cancel stops the pending timeout. Safe to call repeatedly.
func (t *MessageTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.canceled = true
	if t.pending != nil {
		t.pending.Cancel()
		t.pending = nil
	}
}

// AckCleanupTimer bounds how long a requester keeps an exchange open after
// acknowledging the reply.
type AckCleanupTimer struct {
	space   *eventspace.Space
	timeout time.Duration
	fn      func()

	mu      sync.Mutex
	pending *eventspace.Callback
}

// NewAckCleanupTimer creates an unarmed one-shot timer.
func NewAckCleanupTimer(space *eventspace.Space, timeout time.Duration, fn func()) *AckCleanupTimer {
	return &AckCleanupTimer{space: space, timeout: timeout, fn: fn}
}

// Start arms the timer, replacing any earlier arming.
func (t *AckCleanupTimer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Cancel()
	}
	cb, err := t.space.Register(func() error {
		t.fn()
		return nil
	}, eventspace.WithDelay(t.timeout))
	if err != nil {
		return err
	}
	t.pending = cb
	return nil
}

// Cancel disarms the timer. Safe to call repeatedly.
func (t *AckCleanupTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Cancel()
		t.pending = nil
	}
}
