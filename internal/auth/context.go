// ABOUTME: Authentication context for tracking the agent identity through handlers
// ABOUTME: Provides WithAgent/AgentFromContext for propagating it via context

package auth

import (
	"context"
)

// agentContextKey is the key type for storing the agent id in context.Context.
type agentContextKey struct{}

// WithAgent returns a new context carrying the authenticated agent id.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentContextKey{}, agentID)
}

// AgentFromContext returns the authenticated agent id, or "" if none.
func AgentFromContext(ctx context.Context) string {
	id, _ := ctx.Value(agentContextKey{}).(string)
	return id
}
