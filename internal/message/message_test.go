// ABOUTME: Tests for wire documents, id generation and the resend timers.
// ABOUTME: Validates parsing errors, id uniqueness, message id policies and cancellation.

package message

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-agentd/internal/eventspace"
)

// recordingConn captures every document sent through it.
type recordingConn struct {
	mu   sync.Mutex
	sent []*Doc
}

func (c *recordingConn) Send(doc *Doc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, doc)
	return nil
}

func (c *recordingConn) docs() []*Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Doc, len(c.sent))
	copy(out, c.sent)
	return out
}

func TestParse_Valid(t *testing.T) {
	doc, err := Parse([]byte(`{"type":"REQUEST","request_id":"R1","message_id":"M1","payload":{"command":"echo","arguments":{"x":1}}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeRequest, doc.Type)
	assert.Equal(t, "R1", doc.RequestID)
	assert.Equal(t, "M1", doc.MessageID)
	assert.Equal(t, "echo", doc.Command())
	assert.Equal(t, map[string]any{"x": float64(1)}, doc.Arguments())
}

func TestParse_MissingType(t *testing.T) {
	doc, err := Parse([]byte(`{"request_id":"R1","message_id":"M1"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingParameter))

	var mpe *MissingParameterError
	require.True(t, errors.As(err, &mpe))
	assert.Equal(t, "type", mpe.Field)
	require.NotNil(t, doc)
	assert.Equal(t, "R1", doc.RequestID, "partial document keeps parsed ids")
}

func TestParse_UnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"BOGUS","request_id":"R1","message_id":"M1"}`))
	assert.True(t, errors.Is(err, ErrInvalidParameterValue))
}

func TestParse_WrongFieldTypes(t *testing.T) {
	_, err := Parse([]byte(`{"type":"ACK","request_id":42,"message_id":"M1"}`))
	assert.True(t, errors.Is(err, ErrInvalidParameterValue))

	_, err = Parse([]byte(`{"type":"REPLY","request_id":"R1","message_id":"M1","payload":"nope"}`))
	assert.True(t, errors.Is(err, ErrInvalidParameterValue))
}

func TestParse_MissingIDs(t *testing.T) {
	_, err := Parse([]byte(`{"type":"ACK","message_id":"M1"}`))
	assert.True(t, errors.Is(err, ErrMissingParameter))

	_, err = Parse([]byte(`{"type":"ACK","request_id":"R1"}`))
	assert.True(t, errors.Is(err, ErrMissingParameter))
}

func TestParse_BadJSON(t *testing.T) {
	doc, err := Parse([]byte(`{`))
	assert.Error(t, err)
	assert.Nil(t, doc)
}

func TestDocClone_IndependentPayload(t *testing.T) {
	d := &Doc{Type: TypeReply, RequestID: "R1", MessageID: "M1", Payload: map[string]any{"rc": 0}}
	c := d.Clone()
	c.Payload["rc"] = 1
	assert.Equal(t, 0, d.Payload["rc"])
}

func TestArguments_NeverNil(t *testing.T) {
	d := &Doc{Type: TypeRequest, Payload: map[string]any{"command": "ping"}}
	assert.NotNil(t, d.Arguments())
	assert.Equal(t, "ping", d.Command())
}

func TestStructRoundTrip(t *testing.T) {
	d := &Doc{
		Type:      TypeReply,
		RequestID: "R1",
		MessageID: "M2",
		AgentID:   "agent-1",
		Payload:   map[string]any{"rc": 0, "lines": []string{"a", "b"}},
	}
	s, err := ToStruct(d)
	require.NoError(t, err)

	back, err := FromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, d.Type, back.Type)
	assert.Equal(t, d.RequestID, back.RequestID)
	assert.Equal(t, d.AgentID, back.AgentID)
	assert.Equal(t, float64(0), back.Payload["rc"])
	assert.Equal(t, []any{"a", "b"}, back.Payload["lines"])

	_, err = FromStruct(nil)
	assert.Error(t, err)
}

func TestNewMessageID_Unique(t *testing.T) {
	const n = 1000
	var mu sync.Mutex
	seen := make(map[string]bool, n*4)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				id := NewMessageID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n*4)
}

func TestNewRequestID_Unique(t *testing.T) {
	assert.NotEqual(t, NewRequestID(), NewRequestID())
}

func TestMessageTimer_KeepsMessageID(t *testing.T) {
	space := eventspace.New(nil)
	conn := &recordingConn{}

	var timer *MessageTimer
	timer = NewMessageTimer(space, 5*time.Millisecond, func() {
		_ = timer.Send(conn)
	}, &Doc{Type: TypeRequest, RequestID: "R1"}, false)

	require.NoError(t, timer.Send(conn))
	for i := 0; i < 4; i++ {
		space.Poll(time.Second)
	}
	timer.Cancel()

	docs := conn.docs()
	require.Len(t, docs, 5)
	for _, d := range docs {
		assert.Equal(t, "R1", d.RequestID)
		assert.Equal(t, docs[0].MessageID, d.MessageID)
	}
	assert.Equal(t, 5, timer.Sends())
}

func TestMessageTimer_RefreshesMessageID(t *testing.T) {
	space := eventspace.New(nil)
	conn := &recordingConn{}

	var timer *MessageTimer
	timer = NewMessageTimer(space, 5*time.Millisecond, func() {
		_ = timer.Send(conn)
	}, &Doc{Type: TypeReply, RequestID: "R1", Payload: map[string]any{"rc": 0}}, true)

	require.NoError(t, timer.Send(conn))
	space.Poll(time.Second)
	space.Poll(time.Second)
	timer.Cancel()

	docs := conn.docs()
	require.Len(t, docs, 3)
	ids := map[string]bool{}
	for _, d := range docs {
		ids[d.MessageID] = true
		assert.Equal(t, map[string]any{"rc": 0}, d.Payload)
	}
	assert.Len(t, ids, 3)
}

func TestMessageTimer_CancelPreventsCallback(t *testing.T) {
	space := eventspace.New(nil)
	conn := &recordingConn{}
	fired := false

	timer := NewMessageTimer(space, 5*time.Millisecond, func() { fired = true },
		&Doc{Type: TypeReply, RequestID: "R1"}, true)
	require.NoError(t, timer.Send(conn))
	timer.Cancel()
	timer.Cancel()

	assert.False(t, space.Poll(30*time.Millisecond))
	assert.False(t, fired)

	// A cancelled timer stays quiet.
	require.NoError(t, timer.Send(conn))
	assert.Len(t, conn.docs(), 1)
}

func TestMessageTimer_SendErrorStillArms(t *testing.T) {
	space := eventspace.New(nil)
	boom := errors.New("disconnected")
	fired := false

	timer := NewMessageTimer(space, 5*time.Millisecond, func() { fired = true },
		&Doc{Type: TypeRequest, RequestID: "R1"}, false)
	err := timer.Send(ConnFunc(func(*Doc) error { return boom }))
	assert.ErrorIs(t, err, boom)

	assert.True(t, space.Poll(time.Second))
	assert.True(t, fired)
}

func TestAckCleanupTimer(t *testing.T) {
	space := eventspace.New(nil)
	fired := 0

	timer := NewAckCleanupTimer(space, 5*time.Millisecond, func() { fired++ })
	require.NoError(t, timer.Start())
	assert.True(t, space.Poll(time.Second))
	assert.Equal(t, 1, fired)

	require.NoError(t, timer.Start())
	timer.Cancel()
	timer.Cancel()
	assert.False(t, space.Poll(20*time.Millisecond))
	assert.Equal(t, 1, fired)
}
