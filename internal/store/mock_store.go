// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-agentd/internal/message"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	requests map[string]*Request // keyed by request ID
	events   map[string][]*Event // keyed by request ID
	now      func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		requests: make(map[string]*Request),
		events:   make(map[string][]*Event),
		now:      time.Now,
	}
}

func copyRequest(r *Request) *Request {
	c := *r
	c.RequestDoc = r.RequestDoc.Clone()
	c.ReplyDoc = r.ReplyDoc.Clone()
	return &c
}

// SaveRequest stores a new request.
func (m *MockStore) SaveRequest(ctx context.Context, req *Request) error {
	if req.RequestDoc == nil {
		return errors.New("request document is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[req.RequestID]; ok {
		return ErrDuplicateRequest
	}
	// Make a copy to avoid external modification
	m.requests[req.RequestID] = copyRequest(req)
	return nil
}

// SaveReply records the reply for a request.
func (m *MockStore) SaveReply(ctx context.Context, requestID string, reply *message.Doc, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	r.ReplyDoc = reply.Clone()
	r.State = state
	r.UpdatedAt = m.now()
	return nil
}

// UpdateState sets the state of a request.
func (m *MockStore) UpdateState(ctx context.Context, requestID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	r.State = state
	r.UpdatedAt = m.now()
	return nil
}

// GetRequest retrieves a request by ID.
func (m *MockStore) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

// ListRequests returns requests newest first.
func (m *MockStore) ListRequests(ctx context.Context, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Request, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, copyRequest(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClearLost marks open, never-replied requests as lost.
func (m *MockStore) ClearLost(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.requests {
		if r.ReplyDoc != nil || terminal(r.State) {
			continue
		}
		r.State = StateLost
		r.UpdatedAt = m.now()
		n++
	}
	return n, nil
}

// SaveEvent appends a ledger event.
func (m *MockStore) SaveEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *event
	m.events[e.RequestID] = append(m.events[e.RequestID], &e)
	return nil
}

// ListEvents returns the ledger of one request in insertion order.
func (m *MockStore) ListEvents(ctx context.Context, requestID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, 0, len(m.events[requestID]))
	for _, e := range m.events[requestID] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
