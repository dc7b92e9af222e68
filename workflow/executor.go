package workflow

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/stagehand-dev/stagehand/internal/ctxkeys"
	"github.com/stagehand-dev/stagehand/internal/metrics"
	"github.com/stagehand-dev/stagehand/resilience"
	"github.com/stagehand-dev/stagehand/types"
)

// StepOutcome is the executor's report for one step attempt.
type StepOutcome struct {
	Artifacts types.ArtifactMap
	Duration  time.Duration
	Err       *types.Error // nil on success
	TimedOut  bool
}

// StepExecutor dispatches a ready step to its agent, enforces the
// per-step timeout, and classifies the result. It is stateless and
// safe for concurrent use.
type StepExecutor struct {
	agents  *AgentRegistry
	lookup  *resilience.LookupClient
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewStepExecutor creates an executor. lookup and collector may be nil.
func NewStepExecutor(agents *AgentRegistry, lookup *resilience.LookupClient, collector *metrics.Collector, logger *zap.Logger) *StepExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepExecutor{
		agents:  agents,
		lookup:  lookup,
		metrics: collector,
		tracer:  otel.Tracer("stagehand/workflow"),
		logger:  logger.With(zap.String("component", "step_executor")),
	}
}

// Execute runs one attempt of a step against its agent, bounded by
// timeout. The outcome is always non-nil; agent failures and timeouts
// come back classified in Err rather than as a Go error, so the
// scheduler can record them and carry on.
func (e *StepExecutor) Execute(ctx context.Context, runID string, step *Step, attempt int, inputs types.ArtifactMap, timeout time.Duration) *StepOutcome {
	start := time.Now()

	if _, ok := e.agents.Get(step.AgentRef); !ok {
		return &StepOutcome{
			Duration: time.Since(start),
			Err: types.NewErrorf(types.ErrStepExecution,
				"no agent registered for %q", step.AgentRef).WithStep(step.ID),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx = ctxkeys.WithRunID(ctx, runID)
	ctx = ctxkeys.WithStepID(ctx, step.ID)
	ctx = ctxkeys.WithAttempt(ctx, attempt)
	if e.lookup != nil {
		ctx = ctxkeys.WithLookup(ctx, e.lookup)
	}

	ctx, span := e.tracer.Start(ctx, "step.execute",
		trace.WithAttributes(
			attribute.String("workflow.run_id", runID),
			attribute.String("workflow.step_id", step.ID),
			attribute.String("workflow.agent", step.AgentRef),
			attribute.String("workflow.action", step.Action),
			attribute.Int("workflow.attempt", attempt),
		))
	defer span.End()

	e.logger.Debug("dispatching step",
		zap.String("run_id", runID),
		zap.String("step_id", step.ID),
		zap.String("agent", step.AgentRef),
		zap.Int("attempt", attempt),
	)

	artifacts, invokeErr := e.invoke(ctx, step, inputs)
	outcome := &StepOutcome{Duration: time.Since(start)}

	switch {
	case invokeErr == nil:
		if missing := missingCreates(step, artifacts); len(missing) > 0 {
			outcome.Err = types.NewErrorf(types.ErrStepExecution,
				"agent %q finished without producing declared artifacts: %s",
				step.AgentRef, strings.Join(missing, ", ")).WithStep(step.ID)
			break
		}
		stamp(step.ID, artifacts)
		outcome.Artifacts = artifacts

	case errors.Is(invokeErr, context.DeadlineExceeded):
		outcome.TimedOut = true
		outcome.Err = types.NewErrorf(types.ErrStepTimeout,
			"step %q exceeded its %s timeout", step.ID, timeout).WithStep(step.ID).WithCause(invokeErr)

	default:
		outcome.Err = types.NewErrorf(types.ErrStepExecution,
			"agent %q failed", step.AgentRef).WithStep(step.ID).WithCause(invokeErr)
	}

	status := "succeeded"
	if outcome.Err != nil {
		status = "failed"
		if outcome.TimedOut {
			status = "timed_out"
		}
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
	e.metrics.RecordStepExecution(step.AgentRef, status, outcome.Duration)
	return outcome
}

// invoke performs the agent call(s) for a step. A for-each step fans
// out sequentially over every input artifact matching the prefix, all
// within the one per-step timeout; outputs are merged.
func (e *StepExecutor) invoke(ctx context.Context, step *Step, inputs types.ArtifactMap) (types.ArtifactMap, error) {
	agent, _ := e.agents.Get(step.AgentRef)

	prefix, fanOut := step.ForEach()
	if !fanOut {
		result, err := agent.Invoke(ctx, step.Action, inputs)
		return collectResult(step, result, err)
	}

	merged := make(types.ArtifactMap)
	invoked := false
	names := inputs.Names()
	sort.Strings(names)
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		invoked = true
		item := inputs.Clone()
		// Narrow the fan-out set to the one item for this invocation.
		for _, other := range inputs.Names() {
			if other != name && strings.HasPrefix(other, prefix) {
				delete(item, other)
			}
		}
		result, err := agent.Invoke(ctx, step.Action, item)
		out, err := collectResult(step, result, err)
		if err != nil {
			return nil, err
		}
		merged.Merge(out)
	}
	if !invoked {
		return nil, types.NewErrorf(types.ErrStepExecution,
			"no input artifact matches for-each prefix %q", prefix)
	}
	return merged, nil
}

// collectResult normalizes the agent's dual error channels: transport
// errors and agent-reported failures both surface as errors.
func collectResult(step *Step, result *AgentResult, err error) (types.ArtifactMap, error) {
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("agent returned no result")
	}
	if result.Status != InvokeSucceeded {
		msg := result.Error
		if msg == "" {
			msg = "agent reported failure without detail"
		}
		return nil, errors.New(msg)
	}
	if result.Artifacts == nil {
		return make(types.ArtifactMap), nil
	}
	return result.Artifacts.Clone(), nil
}

// missingCreates lists declared artifacts the agent did not produce.
// For-each steps are exempt because their output names derive from the
// fan-out items.
func missingCreates(step *Step, artifacts types.ArtifactMap) []string {
	if _, fanOut := step.ForEach(); fanOut {
		return nil
	}
	var missing []string
	for _, name := range step.Creates {
		if _, ok := artifacts[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// stamp fills in engine-owned provenance fields on produced artifacts.
func stamp(stepID string, artifacts types.ArtifactMap) {
	now := time.Now().UTC()
	for name, ref := range artifacts {
		ref.Name = name
		if ref.Producer == "" {
			ref.Producer = stepID
		}
		if ref.CreatedAt.IsZero() {
			ref.CreatedAt = now
		}
		artifacts[name] = ref
	}
}
