// ABOUTME: Agent is the process root: it owns the event space, protocol session and workers.
// ABOUTME: Run keeps the controller session alive and drains live requests on shutdown.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-agentd/internal/auth"
	"github.com/2389/coven-agentd/internal/config"
	"github.com/2389/coven-agentd/internal/dispatch"
	"github.com/2389/coven-agentd/internal/eventspace"
	"github.com/2389/coven-agentd/internal/message"
	"github.com/2389/coven-agentd/internal/messaging"
	"github.com/2389/coven-agentd/internal/plugins"
	"github.com/2389/coven-agentd/internal/store"
	"github.com/2389/coven-agentd/internal/transport"
)

// HelloCommand is sent to the controller after every successful connect.
const HelloCommand = "agent_hello"

// Version is reported in the hello payload. Overridden at link time.
var Version = "dev"

const (
	pollBlock     = 100 * time.Millisecond
	drainPoll     = 50 * time.Millisecond
	closeTimeout  = 10 * time.Second
	minReapPeriod = time.Second
)

// Agent wires one controller session to the command workers.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	space      *eventspace.Space
	store      store.Store
	jobs       *dispatch.JobTable
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	session    *messaging.Session
	connector  *transport.Connector

	hellos atomic.Int32
}

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	transport transport.Transport
	store     store.Store
}

// WithTransport replaces the configured carrier.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithStore replaces the SQLite store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// New builds an agent from cfg. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger.With("agent_id", cfg.Agent.ID),
		space:  eventspace.New(logger),
		jobs:   dispatch.NewJobTable(),
	}

	a.store = o.store
	if a.store == nil {
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		a.store = s
	}

	t := o.transport
	if t == nil {
		creds, err := Credentials(cfg.Controller, cfg.Agent.ID)
		if err != nil {
			a.store.Close()
			return nil, err
		}
		t = Transport(cfg.Controller, creds)
	}

	a.registry = dispatch.NewRegistry()
	popts := plugins.Options{AgentID: cfg.Agent.ID, ScriptDir: cfg.Scripts.Dir, Jobs: a.jobs}
	if err := plugins.RegisterBuiltins(a.registry, popts); err != nil {
		a.store.Close()
		return nil, fmt.Errorf("registering built-in commands: %w", err)
	}
	if err := plugins.RegisterCommands(a.registry, commands(cfg.Commands), popts); err != nil {
		a.store.Close()
		return nil, fmt.Errorf("registering commands: %w", err)
	}

	a.connector = transport.NewConnector(a.space, t, cfg.Controller.ReconnectInterval, cfg.Controller.ReconnectBurst, logger)

	mopts := messaging.Options{
		AgentID:           cfg.Agent.ID,
		ResendTimeout:     cfg.Messaging.ResendTimeout,
		ResendThreshold:   cfg.Messaging.ResendThreshold,
		ExpiryGrace:       cfg.Messaging.ExpiryGrace,
		NackLinger:        cfg.Messaging.NackLinger,
		MaxAtOnce:         cfg.Messaging.MaxAtOnce,
		RequestTimeout:    cfg.Messaging.RequestTimeout,
		AckCleanupTimeout: cfg.Messaging.AckCleanupTimeout,
		Health:            a.connector,
	}
	a.dispatcher = dispatch.New(a.space, a.registry, a.jobs, dispatch.Config{
		Workers:   cfg.Workers.Count,
		QueueSize: cfg.Workers.QueueSize,
	}, logger)

	listener := messaging.NewRequestListener(a.space, a.connector, a.dispatcher, mopts, logger)
	listener.AddObserver(store.NewRecorder(a.store, cfg.Agent.ID, logger))
	requester := messaging.NewRequester(a.space, a.connector, mopts, logger)
	a.session = messaging.NewSession(listener, requester, logger)

	a.connector.SetReceiver(a.receive)
	a.connector.OnConnect(a.hello)
	return a, nil
}

// Session exposes the protocol session.
func (a *Agent) Session() *messaging.Session { return a.session }

// Jobs exposes the long-running job table.
func (a *Agent) Jobs() *dispatch.JobTable { return a.jobs }

// Store exposes the request store.
func (a *Agent) Store() store.Store { return a.store }

// Hellos returns how many hello exchanges the controller has answered.
func (a *Agent) Hellos() int { return int(a.hellos.Load()) }

// Run serves the controller until ctx is done, then drains and releases
// everything New acquired. The agent cannot be restarted.
func (a *Agent) Run(ctx context.Context) error {
	if n, err := a.store.ClearLost(ctx); err != nil {
		a.logger.Warn("could not clear lost requests", "error", err)
	} else if n > 0 {
		a.logger.Info("marked requests from a previous run as lost", "count", n)
	}

	// Infrastructure outlives ctx so live exchanges can finish during drain.
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := a.space.Run(gctx, pollBlock); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.connector.Run(gctx)
	})
	g.Go(func() error {
		retention := a.cfg.Workers.JobRetention
		return a.jobs.RunReaper(gctx, max(retention/4, minReapPeriod), retention, a.logger)
	})

	a.logger.Info("agent started", "controller", a.cfg.Controller.URL, "transport", a.cfg.Controller.Transport,
		"commands", a.registry.Names())

	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}

	a.drain(gctx)
	a.session.Shutdown()

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.dispatcher.Close(closeCtx); err != nil {
		a.logger.Warn("workers did not stop cleanly", "error", err)
	}

	stop()
	err := g.Wait()
	a.space.Stop()
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Warn("closing store", "error", cerr)
	}
	a.logger.Info("agent stopped", "processed", a.session.Listener.Processed())
	return err
}

// drain stops admitting and waits for live exchanges to finish, up to the
// drain timeout.
func (a *Agent) drain(ctx context.Context) {
	a.session.StopAdmitting()
	if !a.session.IsBusy() {
		return
	}
	live := a.session.Listener.Live()
	a.logger.Info("draining live requests", "count", len(live), "timeout", a.cfg.Agent.DrainTimeout)

	deadline := time.NewTimer(a.cfg.Agent.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(drainPoll)
	defer tick.Stop()
	for a.session.IsBusy() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			a.logger.Warn("drain timeout, abandoning live requests", "live", a.session.Listener.Live())
			return
		case <-tick.C:
		}
	}
}

func (a *Agent) receive(raw map[string]any) {
	if err := a.session.IncomingParentQMessage(raw); err != nil {
		a.logger.Debug("inbound message rejected", "error", err)
	}
}

// hello introduces the agent on every new session.
func (a *Agent) hello() {
	host, _ := os.Hostname()
	payload := message.NewRequestPayload(HelloCommand, map[string]any{
		"agent_id": a.cfg.Agent.ID,
		"hostname": host,
		"version":  Version,
		"commands": toAny(a.registry.Names()),
	})
	_, err := a.session.Requester.Call(payload, messaging.Callbacks{
		OnReply: func(rpc *messaging.RequestRPC, reply *message.Doc) {
			a.hellos.Add(1)
			a.logger.Info("controller acknowledged hello", "request_id", rpc.RequestID())
		},
		OnFailure: func(rpc *messaging.RequestRPC, nack *message.Doc) {
			reason := "cancelled"
			if nack != nil {
				reason = nack.ErrorMessage
			}
			a.logger.Warn("controller rejected hello", "request_id", rpc.RequestID(), "reason", reason)
		},
	})
	if err != nil {
		a.logger.Warn("could not send hello", "error", err)
	}
}

// Credentials picks the configured credential: SSH key, then JWT secret,
// then static token.
func Credentials(c config.ControllerConfig, agentID string) (auth.Credentials, error) {
	switch {
	case c.SSHKey != "":
		signer, err := auth.LoadSSHSigner(expandHome(c.SSHKey))
		if err != nil {
			return nil, fmt.Errorf("loading ssh key: %w", err)
		}
		return auth.SSHCredentials{Signer: signer}, nil
	case c.JWTSecret != "":
		return auth.SignedToken{
			Signer:  auth.NewJWTVerifier([]byte(c.JWTSecret)),
			AgentID: agentID,
			TTL:     c.TokenTTL,
		}, nil
	case c.Token != "":
		return auth.BearerToken(c.Token), nil
	}
	return nil, errors.New("no controller credential configured")
}

// Transport builds the carrier named by c.Transport.
func Transport(c config.ControllerConfig, creds auth.Credentials) transport.Transport {
	if c.Transport == config.TransportWebSocket {
		return &transport.WebSocket{URL: c.URL, Credentials: creds}
	}
	return &transport.GRPC{
		Target:      c.GRPCTarget(),
		TLS:         strings.HasPrefix(c.URL, "grpcs://") || strings.HasPrefix(c.URL, "https://"),
		Credentials: creds,
	}
}

func commands(in map[string]config.CommandConfig) map[string]plugins.Command {
	out := make(map[string]plugins.Command, len(in))
	for name, c := range in {
		out[name] = plugins.Command{
			Plugin:      c.Plugin,
			Script:      c.Script,
			LongRunning: c.LongRunning,
			Env:         c.EnvList(),
		}
	}
	return out
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
