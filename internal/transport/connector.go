// ABOUTME: Connector keeps one session to the controller alive and reconnects when it drops.
// ABOUTME: Inbound documents are handed to the event space; outbound sends drop while offline.

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-agentd/internal/eventspace"
	"github.com/2389/coven-agentd/internal/message"
)

// Connector implements message.Conn over whatever session is current.
// Documents sent while disconnected are dropped; the protocol's resend
// timers deliver them once the session is back.
type Connector struct {
	space     *eventspace.Space
	transport Transport
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu        sync.Mutex
	stream    Stream
	receiver  func(raw map[string]any)
	onConnect func()
	sessions  int

	kick chan struct{}
}

var _ message.Conn = (*Connector)(nil)

// NewConnector paces dial attempts to one per interval with the given burst.
func NewConnector(space *eventspace.Space, t Transport, interval time.Duration, burst int, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	return &Connector{
		space:     space,
		transport: t,
		limiter:   rate.NewLimiter(rate.Every(interval), burst),
		logger:    logger.With("component", "connector"),
		kick:      make(chan struct{}, 1),
	}
}

// SetReceiver sets the function inbound documents are delivered to. It
// runs on the event space loop.
func (c *Connector) SetReceiver(fn func(raw map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiver = fn
}

// OnConnect sets a function run on the event space after each successful dial.
func (c *Connector) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// Connected reports whether a session is up.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Sessions returns how many sessions have been established.
func (c *Connector) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions
}

// Send writes doc to the current session.
func (c *Connector) Send(doc *message.Doc) error {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(doc)
}

// Reconnect drops the current session; Run dials a new one.
func (c *Connector) Reconnect() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// ResendThresholdExceeded treats a peer that stopped answering as a dead
// session.
func (c *Connector) ResendThresholdExceeded(requestID string, resends int) {
	c.logger.Warn("peer not answering, forcing reconnect", "request_id", requestID, "resends", resends)
	c.Reconnect()
}

// Run dials, reads until the session ends, and dials again until ctx is
// done.
func (c *Connector) Run(ctx context.Context) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		stream, err := c.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lvl := slog.LevelWarn
			if errors.Is(err, ErrUnauthorized) {
				lvl = slog.LevelError
			}
			c.logger.Log(ctx, lvl, "dial failed", "error", err)
			continue
		}

		err = c.serve(ctx, stream)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			c.logger.Error("session rejected", "error", err)
		} else {
			c.logger.Warn("session ended", "error", err)
		}
	}
}

func (c *Connector) serve(ctx context.Context, stream Stream) error {
	// A kick left over from the previous session must not end this one.
	select {
	case <-c.kick:
	default:
	}

	c.mu.Lock()
	c.stream = stream
	c.sessions++
	onConnect := c.onConnect
	c.mu.Unlock()
	c.logger.Info("connected to controller")

	if onConnect != nil {
		c.submit(func() error {
			onConnect()
			return nil
		})
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.kick:
		case <-done:
		}
		c.detach(stream)
	}()

	for {
		raw, err := stream.Recv()
		if err != nil {
			c.detach(stream)
			if errors.Is(err, io.EOF) {
				return errors.New("controller closed the session")
			}
			return err
		}
		c.mu.Lock()
		recv := c.receiver
		c.mu.Unlock()
		if recv == nil {
			continue
		}
		c.submit(func() error {
			recv(raw)
			return nil
		})
	}
}

// detach forgets stream if it is current and closes it.
func (c *Connector) detach(stream Stream) {
	c.mu.Lock()
	if c.stream == stream {
		c.stream = nil
	}
	c.mu.Unlock()
	_ = stream.Close()
}

func (c *Connector) submit(fn eventspace.Func) {
	if err := c.space.Submit(fn); err != nil && !errors.Is(err, eventspace.ErrStopped) {
		c.logger.Warn("could not schedule inbound work", "error", err)
	}
}
