// Package ctxkeys carries request-scoped values through agent
// invocations without widening the Agent interface.
package ctxkeys

import (
	"context"

	"github.com/stagehand-dev/stagehand/resilience"
)

type contextKey string

const (
	runIDKey   contextKey = "run_id"
	stepIDKey  contextKey = "step_id"
	attemptKey contextKey = "attempt"
	lookupKey  contextKey = "lookup_client"
)

// WithRunID stores the workflow run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID returns the workflow run id, if set.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(runIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithStepID stores the executing step id.
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, stepIDKey, stepID)
}

// StepID returns the executing step id, if set.
func StepID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(stepIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithAttempt stores the step attempt number.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// Attempt returns the step attempt number, if set.
func Attempt(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(attemptKey).(int)
	return v, ok
}

// WithLookup stores the breaker-protected knowledge lookup client for
// agents that consult external documentation during a step.
func WithLookup(ctx context.Context, client *resilience.LookupClient) context.Context {
	return context.WithValue(ctx, lookupKey, client)
}

// Lookup returns the knowledge lookup client, if the run carries one.
func Lookup(ctx context.Context) (*resilience.LookupClient, bool) {
	v, ok := ctx.Value(lookupKey).(*resilience.LookupClient)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
