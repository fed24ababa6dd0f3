// ABOUTME: WebSocket carrier: one JSON document per text frame.
// ABOUTME: Credentials travel in the handshake headers.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-agentd/internal/auth"
	"github.com/2389/coven-agentd/internal/message"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxMessage   = 1 << 20
)

// upgrader accepts agents regardless of Origin; they are not browsers.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket dials a controller over ws:// or wss://.
type WebSocket struct {
	URL         string
	Credentials auth.Credentials
	Dialer      *websocket.Dialer
}

func (w *WebSocket) Dial(ctx context.Context) (Stream, error) {
	header, err := auth.HTTPHeader(ctx, w.Credentials)
	if err != nil {
		return nil, fmt.Errorf("building credentials: %w", err)
	}
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, w.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, w.URL)
		}
		return nil, fmt.Errorf("connecting to %s: %w", w.URL, err)
	}
	return newWSStream(conn), nil
}

// Upgrade turns an HTTP request into the controller's end of a session.
func Upgrade(w http.ResponseWriter, r *http.Request) (Stream, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSStream(conn), nil
}

type wsStream struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSStream(conn *websocket.Conn) *wsStream {
	conn.SetReadLimit(wsMaxMessage)
	return &wsStream{conn: conn}
}

func (s *wsStream) Send(doc *message.Doc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) Recv() (map[string]any, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, errors.Join(ErrNotConnected, err)
			}
			return nil, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			// Hand the listener an empty document so it NACKs with
			// whatever it can; a bad frame must not end the session.
			return map[string]any{}, nil
		}
		return raw, nil
	}
}

func (s *wsStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
		time.Now().Add(time.Second))
	s.mu.Unlock()
	return s.conn.Close()
}
