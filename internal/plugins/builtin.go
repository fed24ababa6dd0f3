// ABOUTME: Built-in commands served by every agent: echo, ping, sleep and job inspection.
// ABOUTME: Each is a small type implementing dispatch.Plugin.

package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-agentd/internal/dispatch"
)

// ErrBadArgument is returned when a command argument is missing or has
// the wrong type.
var ErrBadArgument = errors.New("bad argument")

// Echo returns its arguments unchanged.
type Echo struct{}

func (Echo) Run(_ context.Context, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out, nil
}

// Ping answers with the agent id and the current time.
type Ping struct {
	AgentID string
	Now     func() time.Time
}

func (p Ping) Run(context.Context, map[string]any) (map[string]any, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return map[string]any{
		"pong":     true,
		"agent_id": p.AgentID,
		"time":     now().UTC().Format(time.RFC3339),
	}, nil
}

// Sleep waits for the "seconds" argument or until cancelled.
type Sleep struct{}

func (Sleep) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	secs, err := number(args, "seconds")
	if err != nil {
		return nil, err
	}
	d := time.Duration(secs * float64(time.Second))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept": secs}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JobDescription reports the state of a long-running job.
type JobDescription struct {
	Jobs *dispatch.JobTable
}

func (j JobDescription) Run(_ context.Context, args map[string]any) (map[string]any, error) {
	id, err := str(args, "job_id")
	if err != nil {
		return nil, err
	}
	job, ok := j.Jobs.Get(id)
	if !ok {
		return nil, fmt.Errorf("no such job %s", id)
	}
	return job.Describe(), nil
}

func str(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrBadArgument, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrBadArgument, key)
	}
	return s, nil
}

func number(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrBadArgument, key)
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, fmt.Errorf("%w: %s must be a number", ErrBadArgument, key)
	}
	if f < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrBadArgument, key)
	}
	return f, nil
}
