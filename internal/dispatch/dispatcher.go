// ABOUTME: Dispatcher turns admitted requests into plugin runs on a bounded worker pool.
// ABOUTME: Results are handed back to the event space poll loop to send the reply.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-agentd/internal/eventspace"
	"github.com/2389/coven-agentd/internal/message"
	"github.com/2389/coven-agentd/internal/messaging"
)

// Defaults for Config.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64
)

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

type task struct {
	rpc    *messaging.ReplyRPC
	entry  Entry
	args   map[string]any
	ctx    context.Context
	cancel context.CancelFunc
}

// Dispatcher implements messaging.Dispatcher.
type Dispatcher struct {
	space    *eventspace.Space
	registry *Registry
	jobs     *JobTable
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	queue  chan task

	mu     sync.Mutex
	closed bool
}

// New starts a dispatcher with cfg.Workers workers.
func New(space *eventspace.Space, registry *Registry, jobs *JobTable, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if jobs == nil {
		jobs = NewJobTable()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		space:    space,
		registry: registry,
		jobs:     jobs,
		logger:   logger.With("component", "dispatch"),
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan task, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.group.Go(d.worker)
	}
	return d
}

// Jobs returns the job table.
func (d *Dispatcher) Jobs() *JobTable {
	return d.jobs
}

// IncomingRequest validates the command, acknowledges the request and
// queues the work. Rejections are NACKed and do not return an error.
func (d *Dispatcher) IncomingRequest(rpc *messaging.ReplyRPC) error {
	req := rpc.Request()
	command := req.Command()
	log := d.logger.With("request_id", rpc.RequestID(), "command", command)

	// Held throughout so Close never races an enqueue or a job start.
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return rpc.Nak(&message.Doc{ErrorMessage: "agent shutting down"})
	}

	if command == "" {
		log.Warn("request without command")
		return rpc.Nak(&message.Doc{ErrorMessage: "request payload has no command"})
	}
	entry, err := d.registry.Lookup(command)
	if err != nil {
		log.Warn("rejecting request", "error", err)
		return rpc.Nak(&message.Doc{ErrorMessage: err.Error()})
	}

	if entry.LongRunning {
		return d.startJob(rpc, entry, req.Arguments(), log)
	}

	if len(d.queue) >= cap(d.queue) {
		log.Warn("worker queue full")
		return rpc.Nak(&message.Doc{ErrorMessage: "agent busy: worker queue full"})
	}

	ctx, cancel := context.WithCancel(d.ctx)
	t := task{rpc: rpc, entry: entry, args: req.Arguments(), ctx: ctx, cancel: cancel}
	if err := rpc.Ack(func() {
		log.Info("request cancelled by controller")
		cancel()
	}); err != nil {
		cancel()
		return err
	}

	select {
	case d.queue <- t:
		return nil
	default:
		cancel()
		d.complete(rpc, failure(errors.New("agent busy: worker queue full")))
		return nil
	}
}

func (d *Dispatcher) startJob(rpc *messaging.ReplyRPC, entry Entry, args map[string]any, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(d.ctx)
	id := d.jobs.Start(entry.Name, rpc.RequestID(), cancel)
	log = log.With("job_id", id)

	if err := rpc.Ack(func() {
		log.Info("job cancelled by controller")
		cancel()
	}); err != nil {
		cancel()
		d.jobs.Finish(id, JobCancelled, nil, err.Error())
		return err
	}

	d.group.Go(func() error {
		defer cancel()
		out, err := run(ctx, entry.Plugin, args)
		switch {
		case err == nil:
			d.jobs.Finish(id, JobComplete, out, "")
			log.Info("job complete")
		case errors.Is(err, context.Canceled):
			d.jobs.Finish(id, JobCancelled, out, err.Error())
			log.Info("job cancelled")
		default:
			d.jobs.Finish(id, JobFailed, out, err.Error())
			log.Warn("job failed", "error", err)
		}
		return nil
	})

	log.Info("job started")
	return rpc.Reply(map[string]any{
		"rc":         0,
		"job_id":     id,
		"job_status": string(JobRunning),
	})
}

func (d *Dispatcher) worker() error {
	for t := range d.queue {
		out, err := run(t.ctx, t.entry.Plugin, t.args)
		t.cancel()
		if err != nil {
			d.logger.Warn("command failed",
				"request_id", t.rpc.RequestID(),
				"command", t.entry.Name,
				"error", err,
			)
			d.complete(t.rpc, failure(err))
			continue
		}
		d.complete(t.rpc, success(out))
	}
	return nil
}

// complete sends the reply from the poll loop.
func (d *Dispatcher) complete(rpc *messaging.ReplyRPC, payload map[string]any) {
	err := d.space.Submit(func() error {
		return rpc.Reply(payload)
	})
	if err != nil {
		d.logger.Warn("could not hand reply to event loop", "request_id", rpc.RequestID(), "error", err)
	}
}

func run(ctx context.Context, p Plugin, args map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()
	return p.Run(ctx, args)
}

func success(out map[string]any) map[string]any {
	if out == nil {
		out = map[string]any{}
	}
	return map[string]any{"rc": 0, "result": out}
}

func failure(err error) map[string]any {
	p := map[string]any{"rc": 1, "error": err.Error()}
	if errors.Is(err, context.Canceled) {
		p["cancelled"] = true
	}
	return p
}

// Close stops accepting work, cancels running commands and jobs, and waits
// for every worker to return or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	close(d.queue)

	done := make(chan error, 1)
	go func() { done <- d.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}
