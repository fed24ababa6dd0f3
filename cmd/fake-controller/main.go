// ABOUTME: Minimal fake controller for E2E testing: accepts agents over gRPC or WebSocket.
// ABOUTME: Usage: fake-controller [-transport grpc] [-addr :9000] [-command echo] [-args '{"text":"hi"}']
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/2389/coven-agentd/internal/auth"
	"github.com/2389/coven-agentd/internal/eventspace"
	"github.com/2389/coven-agentd/internal/message"
	"github.com/2389/coven-agentd/internal/messaging"
	"github.com/2389/coven-agentd/internal/transport"
)

const controllerID = "fake-controller"

func main() {
	mode := flag.String("transport", "grpc", "grpc or websocket")
	addr := flag.String("addr", ":9000", "listen address")
	secret := flag.String("jwt-secret", os.Getenv("COVEN_AGENTD_JWT_SECRET"), "accept agent JWTs signed with this secret")
	keys := flag.String("authorized-keys", "", "accept agents whose SSH keys are listed in this file")
	command := flag.String("command", "echo", "command to send to each agent")
	args := flag.String("args", `{"text":"hello from the controller"}`, "JSON arguments for -command")
	count := flag.Int("count", 1, "requests to send per session")
	interval := flag.Duration("interval", 2*time.Second, "delay between requests")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var arguments map[string]any
	if err := json.Unmarshal([]byte(*args), &arguments); err != nil {
		logger.Error("bad -args", "error", err)
		os.Exit(2)
	}

	a, err := authenticator(*secret, *keys)
	if err != nil {
		logger.Error("bad credentials setup", "error", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := &controller{
		command:  *command,
		args:     arguments,
		count:    *count,
		interval: *interval,
		logger:   logger,
	}
	if err := run(ctx, *mode, *addr, a, c); err != nil {
		logger.Error("controller stopped", "error", err)
		os.Exit(1)
	}
}

func authenticator(secret, keysPath string) (*auth.Authenticator, error) {
	if secret == "" && keysPath == "" {
		return nil, nil
	}
	a := &auth.Authenticator{}
	if secret != "" {
		a.Tokens = auth.NewJWTVerifier([]byte(secret))
	}
	if keysPath != "" {
		keys, err := auth.LoadAuthorizedKeys(keysPath)
		if err != nil {
			return nil, err
		}
		a.SSH = auth.NewSSHVerifier()
		a.AuthorizedKeys = keys
	}
	return a, nil
}

func run(ctx context.Context, mode, addr string, a *auth.Authenticator, c *controller) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	c.logger.Info("fake controller listening", "addr", lis.Addr().String(), "transport", mode, "auth", a != nil)

	switch mode {
	case "grpc":
		srv := transport.NewServer(a, c.logger)
		transport.RegisterControlServer(srv, c)
		go func() {
			<-ctx.Done()
			srv.Stop()
		}()
		return srv.Serve(lis)

	case "websocket":
		var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			stream, err := transport.Upgrade(w, r)
			if err != nil {
				c.logger.Warn("upgrade failed", "error", err)
				return
			}
			if err := c.serve(r.Context(), auth.AgentFromContext(r.Context()), stream); err != nil {
				c.logger.Warn("session ended", "error", err)
			}
		})
		if a != nil {
			h = auth.HTTPAuthMiddleware(a, c.logger)(h)
		}
		srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	return fmt.Errorf("unknown transport %q", mode)
}

// controller drives one protocol session per connected agent.
type controller struct {
	command  string
	args     map[string]any
	count    int
	interval time.Duration
	logger   *slog.Logger
}

// Session implements transport.ControlServer.
func (c *controller) Session(stream transport.ServerStream) error {
	return c.serve(stream.Context(), auth.AgentFromContext(stream.Context()), stream)
}

func (c *controller) serve(ctx context.Context, agentID string, stream transport.Stream) error {
	if agentID == "" {
		agentID = "anonymous"
	}
	log := c.logger.With("agent_id", agentID)
	log.Info("agent connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	space := eventspace.New(log)
	go func() { _ = space.Run(ctx, 100*time.Millisecond) }()
	defer space.Stop()

	opts := messaging.Options{AgentID: controllerID}
	listener := messaging.NewRequestListener(space, stream, messaging.DispatchFunc(func(rpc *messaging.ReplyRPC) error {
		req := rpc.Request()
		log.Info("agent request", "request_id", rpc.RequestID(), "command", req.Command(), "arguments", req.Arguments())
		if err := rpc.Ack(nil); err != nil {
			return err
		}
		return rpc.Reply(map[string]any{"rc": 0, "welcome": agentID})
	}), opts, log)
	requester := messaging.NewRequester(space, stream, opts, log)
	session := messaging.NewSession(listener, requester, log)
	defer session.Shutdown()

	go c.issue(ctx, space, requester, log)

	for {
		raw, err := stream.Recv()
		if err != nil {
			log.Info("agent disconnected", "error", err)
			return nil
		}
		if err := space.Submit(func() error {
			if err := session.IncomingParentQMessage(raw); err != nil {
				log.Debug("inbound message rejected", "error", err)
			}
			return nil
		}); err != nil {
			return err
		}
	}
}

// issue sends the configured command count times.
func (c *controller) issue(ctx context.Context, space *eventspace.Space, requester *messaging.Requester, log *slog.Logger) {
	for i := 0; i < c.count; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
		payload := message.NewRequestPayload(c.command, c.args)
		err := space.Submit(func() error {
			rpc, err := requester.Call(payload, messaging.Callbacks{
				OnReply: func(rpc *messaging.RequestRPC, reply *message.Doc) {
					log.Info("reply", "request_id", rpc.RequestID(), "payload", reply.Payload)
				},
				OnFailure: func(rpc *messaging.RequestRPC, nack *message.Doc) {
					reason := "cancelled"
					if nack != nil {
						reason = nack.ErrorMessage
					}
					log.Warn("request failed", "request_id", rpc.RequestID(), "reason", reason)
				},
			})
			if err != nil {
				return err
			}
			log.Info("request sent", "request_id", rpc.RequestID(), "command", c.command)
			return nil
		})
		if err != nil {
			log.Warn("could not send request", "error", err)
			return
		}
	}
}
