// ABOUTME: Tests for the registry, job table and dispatcher worker pool.
// ABOUTME: Requests are driven through a real RequestListener and event space.

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-agentd/internal/eventspace"
	"github.com/2389/coven-agentd/internal/message"
	"github.com/2389/coven-agentd/internal/messaging"
)

type recordingConn struct {
	mu   sync.Mutex
	sent []*message.Doc
}

func (c *recordingConn) Send(doc *message.Doc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, doc.Clone())
	return nil
}

func (c *recordingConn) byType(t message.Type) []*message.Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*message.Doc
	for _, d := range c.sent {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

type harness struct {
	space    *eventspace.Space
	conn     *recordingConn
	registry *Registry
	disp     *Dispatcher
	listener *messaging.RequestListener
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		space:    eventspace.New(nil),
		conn:     &recordingConn{},
		registry: NewRegistry(),
	}
	h.disp = New(h.space, h.registry, nil, cfg, nil)
	h.listener = messaging.NewRequestListener(h.space, h.conn, h.disp, messaging.Options{AgentID: "agent-1"}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.disp.Close(ctx)
	})
	return h
}

func (h *harness) request(t *testing.T, id, command string, args map[string]any) {
	t.Helper()
	require.NoError(t, h.listener.IncomingParentQMessage(map[string]any{
		"type":       "REQUEST",
		"request_id": id,
		"message_id": "M-" + id,
		"payload":    message.NewRequestPayload(command, args),
	}))
}

func (h *harness) waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		h.space.Poll(10 * time.Millisecond)
	}
	return cond()
}

func echo() Plugin {
	return PluginFunc(func(_ context.Context, args map[string]any) (map[string]any, error) {
		return args, nil
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", echo(), false))
	assert.ErrorIs(t, r.Register("echo", echo(), false), ErrDuplicateCommand)
	assert.Error(t, r.Register("", echo(), false))
	assert.Error(t, r.Register("nil", nil, false))

	e, err := r.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", e.Name)

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Equal(t, []string{"echo"}, r.Names())
}

func TestJobTable(t *testing.T) {
	jt := NewJobTable()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jt.now = func() time.Time { return now }

	cancelled := false
	a := jt.Start("backup", "R1", func() { cancelled = true })
	b := jt.Start("sleep", "R2", func() {})
	assert.Equal(t, 2, jt.Running())

	assert.True(t, jt.Cancel(a))
	assert.True(t, cancelled)
	jt.Finish(a, JobCancelled, nil, "context canceled")
	assert.False(t, jt.Cancel(a), "finished jobs cannot be cancelled")

	job, ok := jt.Get(a)
	require.True(t, ok)
	assert.Equal(t, JobCancelled, job.Status)
	assert.Equal(t, now, job.EndedAt)
	assert.Len(t, jt.List(), 2)

	now = now.Add(time.Hour)
	assert.Equal(t, 1, jt.Reap(30*time.Minute))
	_, ok = jt.Get(a)
	assert.False(t, ok)
	_, ok = jt.Get(b)
	assert.True(t, ok, "running jobs are never reaped")

	jt.Finish("missing", JobComplete, nil, "")
}

func TestJobTable_RunReaper(t *testing.T) {
	jt := NewJobTable()
	id := jt.Start("x", "R1", func() {})
	jt.Finish(id, JobComplete, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- jt.RunReaper(ctx, 5*time.Millisecond, 0, nil) }()

	require.Eventually(t, func() bool {
		_, ok := jt.Get(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestDispatcher_AckThenReply(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	require.NoError(t, h.registry.Register("echo", echo(), false))

	h.request(t, "R1", "echo", map[string]any{"text": "hi"})
	acks := h.conn.byType(message.TypeAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "M-R1", acks[0].MessageID)

	require.True(t, h.waitFor(func() bool { return len(h.conn.byType(message.TypeReply)) == 1 }))
	reply := h.conn.byType(message.TypeReply)[0]
	assert.Equal(t, 0, reply.Payload["rc"])
	assert.Equal(t, map[string]any{"text": "hi"}, reply.Payload["result"])
}

func TestDispatcher_UnknownCommandNacked(t *testing.T) {
	h := newHarness(t, Config{})

	h.request(t, "R1", "nope", nil)
	nacks := h.conn.byType(message.TypeNack)
	require.Len(t, nacks, 1)
	assert.Contains(t, nacks[0].ErrorMessage, "unknown command")
	assert.Empty(t, h.conn.byType(message.TypeAck))
}

func TestDispatcher_MissingCommandNacked(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.listener.IncomingParentQMessage(map[string]any{
		"type": "REQUEST", "request_id": "R1", "message_id": "M1", "payload": map[string]any{},
	}))
	nacks := h.conn.byType(message.TypeNack)
	require.Len(t, nacks, 1)
	assert.Equal(t, "request payload has no command", nacks[0].ErrorMessage)
}

func TestDispatcher_PluginErrorReplies(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.registry.Register("fail", PluginFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("disk full")
	}), false))
	require.NoError(t, h.registry.Register("panic", PluginFunc(func(context.Context, map[string]any) (map[string]any, error) {
		panic("kaboom")
	}), false))

	h.request(t, "R1", "fail", nil)
	h.request(t, "R2", "panic", nil)
	require.True(t, h.waitFor(func() bool { return len(h.conn.byType(message.TypeReply)) == 2 }))

	for _, r := range h.conn.byType(message.TypeReply) {
		assert.Equal(t, 1, r.Payload["rc"])
		switch r.RequestID {
		case "R1":
			assert.Equal(t, "disk full", r.Payload["error"])
		case "R2":
			assert.Contains(t, r.Payload["error"], "kaboom")
		}
	}
}

func TestDispatcher_CancelStopsCommand(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	require.NoError(t, h.registry.Register("block", PluginFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), false))

	h.request(t, "R1", "block", nil)
	<-started
	require.NoError(t, h.listener.IncomingParentQMessage(map[string]any{
		"type": "CANCEL", "request_id": "R1", "message_id": "M2",
	}))

	require.True(t, h.waitFor(func() bool { return len(h.conn.byType(message.TypeReply)) == 1 }))
	reply := h.conn.byType(message.TypeReply)[0]
	assert.Equal(t, true, reply.Payload["cancelled"])
}

func TestDispatcher_LongRunningJob(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	require.NoError(t, h.registry.Register("backup", PluginFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		select {
		case <-release:
			return map[string]any{"bytes": 42}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), true))

	h.request(t, "R1", "backup", nil)
	replies := h.conn.byType(message.TypeReply)
	require.Len(t, replies, 1, "long-running commands reply at once")
	assert.Equal(t, "running", replies[0].Payload["job_status"])
	id, _ := replies[0].Payload["job_id"].(string)
	require.NotEmpty(t, id)

	job, ok := h.disp.Jobs().Get(id)
	require.True(t, ok)
	assert.Equal(t, JobRunning, job.Status)
	assert.Equal(t, "R1", job.RequestID)

	close(release)
	require.Eventually(t, func() bool {
		j, _ := h.disp.Jobs().Get(id)
		return j.Status == JobComplete
	}, 2*time.Second, 5*time.Millisecond)
	j, _ := h.disp.Jobs().Get(id)
	assert.Equal(t, map[string]any{"bytes": 42}, j.Result)
}

func TestDispatcher_QueueFullNacks(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, QueueSize: 1})
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, h.registry.Register("block", PluginFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}), false))
	defer close(release)

	h.request(t, "R1", "block", nil)
	<-started
	h.request(t, "R2", "block", nil)
	h.request(t, "R3", "block", nil)

	nacks := h.conn.byType(message.TypeNack)
	require.Len(t, nacks, 1)
	assert.Equal(t, "R3", nacks[0].RequestID)
	assert.Equal(t, "agent busy: worker queue full", nacks[0].ErrorMessage)
}

func TestDispatcher_CloseCancelsAndRejects(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	require.NoError(t, h.registry.Register("block", PluginFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), false))

	h.request(t, "R1", "block", nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.disp.Close(ctx))
	require.NoError(t, h.disp.Close(ctx), "close is idempotent")

	h.request(t, "R2", "block", nil)
	nacks := h.conn.byType(message.TypeNack)
	require.Len(t, nacks, 1)
	assert.Equal(t, "agent shutting down", nacks[0].ErrorMessage)
}
