// ABOUTME: Tests for the Recorder observer against a live RequestListener
// ABOUTME: Verifies request, reply, final state and ledger rows are persisted

package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-agentd/internal/eventspace"
	"github.com/2389/coven-agentd/internal/message"
	"github.com/2389/coven-agentd/internal/messaging"
)

type captureConn struct {
	mu   sync.Mutex
	sent []*message.Doc
}

func (c *captureConn) Send(doc *message.Doc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, doc.Clone())
	return nil
}

func (c *captureConn) last() *message.Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

func newRecordedListener(t *testing.T, s Store, dispatch messaging.DispatchFunc) (*messaging.RequestListener, *captureConn) {
	t.Helper()
	conn := &captureConn{}
	l := messaging.NewRequestListener(eventspace.New(nil), conn, dispatch, messaging.Options{AgentID: "agent-1"}, nil)
	l.AddObserver(NewRecorder(s, "agent-1", nil))
	t.Cleanup(l.Shutdown)
	return l, conn
}

func request(id string) map[string]any {
	return map[string]any{
		"type":       "REQUEST",
		"request_id": id,
		"message_id": "M-" + id,
		"payload":    message.NewRequestPayload("echo", map[string]any{"text": "hi"}),
	}
}

func TestRecorder_CompletedExchange(t *testing.T) {
	s := NewMockStore()
	l, conn := newRecordedListener(t, s, func(rpc *messaging.ReplyRPC) error {
		if err := rpc.Ack(nil); err != nil {
			return err
		}
		return rpc.Reply(map[string]any{"rc": 0})
	})
	ctx := context.Background()

	require.NoError(t, l.IncomingParentQMessage(request("R1")))
	reply := conn.last()
	require.Equal(t, message.TypeReply, reply.Type)

	got, err := s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Command)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "REPLY", got.State)
	require.NotNil(t, got.ReplyDoc)
	assert.Equal(t, reply.MessageID, got.ReplyDoc.MessageID)

	require.NoError(t, l.IncomingParentQMessage(map[string]any{
		"type": "ACK", "request_id": "R1", "message_id": reply.MessageID,
	}))

	got, err = s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "CLEANUP", got.State)

	events, err := s.ListEvents(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "REQUEST", events[0].Type)
	assert.Equal(t, DirectionInbound, events[0].Direction)
	assert.Equal(t, "REPLY", events[1].Type)
	assert.Equal(t, DirectionOutbound, events[1].Direction)
	assert.Equal(t, "ACK", events[2].Type)
}

func TestRecorder_Nack(t *testing.T) {
	s := NewMockStore()
	l, _ := newRecordedListener(t, s, func(rpc *messaging.ReplyRPC) error {
		return rpc.Nak(&message.Doc{ErrorMessage: "no such command"})
	})

	require.NoError(t, l.IncomingParentQMessage(request("R1")))

	got, err := s.GetRequest(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "NACKED", got.State)
	require.NotNil(t, got.ReplyDoc)
	assert.Equal(t, message.TypeNack, got.ReplyDoc.Type)
	assert.Equal(t, "no such command", got.ReplyDoc.ErrorMessage)
}

func TestRecorder_SQLite(t *testing.T) {
	s := newTestStore(t)
	l, _ := newRecordedListener(t, s, func(rpc *messaging.ReplyRPC) error {
		return rpc.Ack(nil)
	})

	require.NoError(t, l.IncomingParentQMessage(request("R1")))

	// Acked but never replied: a crash here leaves the request lost.
	n, err := s.ClearLost(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingStore struct {
	*MockStore
}

func (failingStore) SaveRequest(context.Context, *Request) error {
	return errors.New("disk on fire")
}

func (failingStore) SaveReply(context.Context, string, *message.Doc, string) error {
	return errors.New("disk on fire")
}

func TestRecorder_StoreErrorsDoNotBreakProtocol(t *testing.T) {
	l, conn := newRecordedListener(t, failingStore{NewMockStore()}, func(rpc *messaging.ReplyRPC) error {
		if err := rpc.Ack(nil); err != nil {
			return err
		}
		return rpc.Reply(map[string]any{"rc": 0})
	})

	require.NoError(t, l.IncomingParentQMessage(request("R1")))
	assert.Equal(t, message.TypeReply, conn.last().Type)
}
