package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stagehand-dev/stagehand/internal/ctxkeys"
	"github.com/stagehand-dev/stagehand/statestore"
	"github.com/stagehand-dev/stagehand/types"
)

func newTestStore(t *testing.T) *statestore.FileStore {
	t.Helper()
	store, err := statestore.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fastConfig() SchedulerConfig {
	return SchedulerConfig{
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}
}

// stepAgent produces each step's declared artifacts, keyed off the step
// identity the executor installs in the context.
func stepAgent(def *Definition, calls *atomic.Int32) Agent {
	return AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		if calls != nil {
			calls.Add(1)
		}
		stepID, _ := ctxkeys.StepID(ctx)
		out := types.ArtifactMap{}
		if step, ok := def.Step(stepID); ok {
			for _, name := range step.Creates {
				out[name] = types.ArtifactRef{URI: "mem://" + name}
			}
		}
		return &AgentResult{Status: InvokeSucceeded, Artifacts: out}, nil
	})
}

func newScheduler(t *testing.T, def *Definition, agents *AgentRegistry, scorer Scorer, opts ...Option) (*Scheduler, *statestore.FileStore) {
	t.Helper()
	store := newTestStore(t)
	exec := NewStepExecutor(agents, nil, nil, zap.NewNop())
	var gates *GateEvaluator
	if scorer != nil {
		gates = NewGateEvaluator(scorer, nil, zap.NewNop())
	}
	opts = append([]Option{WithConfig(fastConfig())}, opts...)
	return NewScheduler(def, store, exec, gates, zap.NewNop(), opts...), store
}

func eventsOf(t *testing.T, store statestore.EventStore, runID string) []statestore.Event {
	t.Helper()
	events, err := store.ReadFrom(context.Background(), runID, 0)
	require.NoError(t, err)
	return events
}

func countEvents(events []statestore.Event, typ statestore.EventType, stepID string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ && (stepID == "" || ev.StepID == stepID) {
			n++
		}
	}
	return n
}

func seqOf(t *testing.T, events []statestore.Event, typ statestore.EventType, stepID string) uint64 {
	t.Helper()
	for _, ev := range events {
		if ev.Type == typ && ev.StepID == stepID {
			return ev.Seq
		}
	}
	t.Fatalf("no %s event for step %q", typ, stepID)
	return 0
}

func TestScheduler_LinearRunCompletes(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("linear").
		DefaultStepTimeout(time.Second).
		Step("a", "worker", "act").Creates("a_out").Done().
		Step("b", "worker", "act").Requires("a_out").Creates("b_out").Done().
		Step("c", "worker", "act").Requires("b_out").Done().
		Build()
	require.NoError(t, err)

	var sawUpstream atomic.Bool
	base := stepAgent(def, nil)
	agents := NewAgentRegistry()
	agents.Register("worker", AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		if stepID, _ := ctxkeys.StepID(ctx); stepID == "b" {
			if _, ok := inputs["a_out"]; ok {
				sawUpstream.Store(true)
			}
		}
		return base.Invoke(ctx, action, inputs)
	}))

	sched, store := newScheduler(t, def, agents, nil)
	run, err := sched.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	for _, id := range def.StepIDs() {
		assert.Equal(t, StepStatusSucceeded, run.Step(id).Status, id)
	}
	assert.True(t, sawUpstream.Load(), "b must receive a's artifact as input")

	events := eventsOf(t, store, run.RunID)
	assert.Equal(t, 1, countEvents(events, statestore.EventRunCompleted, ""))
	assert.Less(t,
		seqOf(t, events, statestore.EventStepSucceeded, "a"),
		seqOf(t, events, statestore.EventStepStarted, "b"),
		"a step starts only after its requirement is durably recorded")
}

func TestScheduler_GateLoopbackThenCompleted(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("gated-linear").
		DefaultStepTimeout(time.Second).
		Step("a", "w", "act").Creates("a_out").Done().
		Step("b", "w", "act").Requires("a_out").Creates("b_out").Done().
		Step("c", "w", "act").Requires("b_out").Creates("c_out").
		Gate("overall >= 70", "c", 2).Done().
		Step("d", "w", "act").Requires("c_out").Done().
		Build()
	require.NoError(t, err)

	agents := NewAgentRegistry()
	agents.Register("w", stepAgent(def, nil))

	// First verdict fails the gate, second passes: c runs twice.
	var verdicts atomic.Int32
	scorer := ScorerFunc(func(ctx context.Context, artifacts types.ArtifactMap) (types.ScoreVector, error) {
		if verdicts.Add(1) == 1 {
			return types.ScoreVector{"overall": 60}, nil
		}
		return types.ScoreVector{"overall": 80}, nil
	})

	sched, store := newScheduler(t, def, agents, scorer)
	run, err := sched.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, 2, run.Step("c").Attempts)
	assert.Equal(t, StepStatusSucceeded, run.Step("c").Status)
	assert.Equal(t, StepStatusSucceeded, run.Step("d").Status)
	assert.Equal(t, types.ScoreVector{"overall": 80}, run.Step("c").GateScores)

	events := eventsOf(t, store, run.RunID)
	assert.Equal(t, 2, countEvents(events, statestore.EventStepStarted, "c"))
	assert.Equal(t, 2, countEvents(events, statestore.EventGateEvaluated, "c"))
	assert.Equal(t, 1, countEvents(events, statestore.EventStepStarted, "d"), "d waits out the loopback")
	assert.Greater(t,
		seqOf(t, events, statestore.EventStepStarted, "d"),
		seqOf(t, events, statestore.EventGateEvaluated, "c"))
}

func TestScheduler_GateExhaustionFailsRun(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("exhaust").
		DefaultStepTimeout(time.Second).
		Step("work", "w", "act").Gate("overall >= 70", "work", 2).Done().
		Build()
	require.NoError(t, err)

	var calls atomic.Int32
	agents := NewAgentRegistry()
	agents.Register("w", stepAgent(def, &calls))

	sched, store := newScheduler(t, def, agents, fixedScorer(types.ScoreVector{"overall": 10}))
	run, err := sched.Start(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrGateFailure, types.GetErrorCode(err))
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, int32(3), calls.Load(), "max_retries=2 allows exactly three attempts")
	assert.Equal(t, StepStatusFailed, run.Step("work").Status)
	require.NotNil(t, run.Failure)
	assert.Equal(t, types.ScoreVector{"overall": 10}, run.Failure.LastScores)
	assert.Contains(t, run.Failure.BlockingSteps, "work")

	events := eventsOf(t, store, run.RunID)
	assert.Equal(t, 3, countEvents(events, statestore.EventStepStarted, "work"))
	assert.Equal(t, 3, countEvents(events, statestore.EventGateEvaluated, "work"))
	assert.Equal(t, 1, countEvents(events, statestore.EventRunFailed, ""))
}

func TestScheduler_IndependentStepsRunInParallel(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("fan").
		DefaultStepTimeout(2 * time.Second).
		MaxParallel(2).
		Step("x", "w", "act").Creates("x_out").Done().
		Step("y", "w", "act").Creates("y_out").Done().
		Step("z", "w", "act").Requires("x_out", "y_out").Done().
		Build()
	require.NoError(t, err)

	// x and y each wait until the other has started, which only
	// resolves if they overlap in time.
	var started atomic.Int32
	both := make(chan struct{})
	agents := NewAgentRegistry()
	agents.Register("w", AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		stepID, _ := ctxkeys.StepID(ctx)
		if stepID == "x" || stepID == "y" {
			if started.Add(1) == 2 {
				close(both)
			}
			select {
			case <-both:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &AgentResult{
				Status:    InvokeSucceeded,
				Artifacts: types.ArtifactMap{stepID + "_out": {URI: "mem://" + stepID}},
			}, nil
		}
		return &AgentResult{Status: InvokeSucceeded}, nil
	}))

	sched, store := newScheduler(t, def, agents, nil)
	run, err := sched.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)

	events := eventsOf(t, store, run.RunID)
	zStart := seqOf(t, events, statestore.EventStepStarted, "z")
	assert.Less(t, seqOf(t, events, statestore.EventStepSucceeded, "x"), zStart)
	assert.Less(t, seqOf(t, events, statestore.EventStepSucceeded, "y"), zStart)
}

func TestScheduler_BoundedParallelism(t *testing.T) {
	t.Parallel()

	builder := NewDefinitionBuilder("bounded").
		DefaultStepTimeout(time.Second).
		MaxParallel(2)
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		builder = builder.Step(id, "w", "act").Done()
	}
	def, err := builder.Build()
	require.NoError(t, err)

	var current, peak atomic.Int32
	agents := NewAgentRegistry()
	agents.Register("w", AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return &AgentResult{Status: InvokeSucceeded}, nil
	}))

	sched, _ := newScheduler(t, def, agents, nil)
	run, err := sched.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestScheduler_FailureCascadesSkips(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("cascade").
		DefaultStepTimeout(time.Second).
		Step("a", "ok", "act").Creates("a_out").Done().
		Step("b", "bad", "act").Requires("a_out").Creates("b_out").Done().
		Step("c", "ok", "act").Requires("b_out").Done().
		Step("d", "ok", "act").Requires("b").Done().
		Step("side", "ok", "act").Requires("a_out").Done().
		Build()
	require.NoError(t, err)

	agents := NewAgentRegistry()
	agents.Register("ok", stepAgent(def, nil))
	agents.Register("bad", AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		return &AgentResult{Status: InvokeFailed, Error: "induced failure"}, nil
	}))

	sched, _ := newScheduler(t, def, agents, nil)
	run, err := sched.Start(context.Background(), nil)
	require.NoError(t, err, "a contained step failure does not abort the run")
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, StepStatusFailed, run.Step("b").Status)
	assert.Equal(t, StepStatusSkipped, run.Step("c").Status, "artifact dependent of the failed step")
	assert.Equal(t, StepStatusSkipped, run.Step("d").Status, "step-id dependent of the failed step")
	assert.Equal(t, StepStatusSucceeded, run.Step("side").Status, "unrelated branch keeps running")
	assert.Contains(t, run.Step("c").SkipReason, "b")
	assert.Contains(t, run.Step("b").Error, "induced failure")
}

func TestScheduler_OptionalConditionSkips(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("optional").
		DefaultStepTimeout(time.Second).
		Inputs("hotfix_notes").
		Step("a", "w", "act").Creates("report").Done().
		Step("opt", "w", "act").Requires("a").
		Condition("exists(hotfix_notes)", ConditionOptional).Done().
		Step("tail", "w", "act").Requires("opt").Done().
		Build()
	require.NoError(t, err)

	agents := NewAgentRegistry()
	agents.Register("w", stepAgent(def, nil))

	// hotfix_notes is never supplied, so opt's condition stays false.
	sched, _ := newScheduler(t, def, agents, nil)
	run, err := sched.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, StepStatusSkipped, run.Step("opt").Status)
	assert.Contains(t, run.Step("opt").SkipReason, "exists(hotfix_notes)")
	assert.Equal(t, StepStatusSucceeded, run.Step("tail").Status,
		"the skip satisfies tail's step-id requirement")
}

func TestScheduler_BlockedRunFailsWithDiagnosis(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("blocked").
		DefaultStepTimeout(time.Second).
		Inputs("approval").
		Step("a", "w", "act").Done().
		Step("held", "w", "act").Requires("a").
		Condition("exists(approval)", ConditionMandatory).Done().
		Build()
	require.NoError(t, err)

	agents := NewAgentRegistry()
	agents.Register("w", stepAgent(def, nil))

	// The approval input is never supplied, so the mandatory condition
	// can never become true and the run stalls.
	sched, _ := newScheduler(t, def, agents, nil)
	run, err := sched.Start(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrRunBlocked, types.GetErrorCode(err))
	assert.Equal(t, RunFailed, run.Status)
	require.NotNil(t, run.Failure)
	assert.Contains(t, run.Failure.BlockingSteps, "held")
}

func TestScheduler_RunTimeout(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("timeout").
		DefaultStepTimeout(10 * time.Second).
		RunTimeout(80 * time.Millisecond).
		Step("slow", "w", "act").Done().
		Build()
	require.NoError(t, err)

	released := make(chan struct{})
	agents := NewAgentRegistry()
	agents.Register("w", AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		defer close(released)
		<-ctx.Done()
		// Unwind slowly enough that the coordinator observes the
		// deadline before the completion arrives.
		time.Sleep(50 * time.Millisecond)
		return nil, ctx.Err()
	}))

	sched, store := newScheduler(t, def, agents, nil)
	run, err := sched.Start(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrRunTimeout, types.GetErrorCode(err))
	assert.Equal(t, RunTimedOut, run.Status)
	require.NotNil(t, run.Failure)
	assert.Contains(t, run.Failure.BlockingSteps, "slow")

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight step was not cancelled cooperatively")
	}

	events := eventsOf(t, store, run.RunID)
	require.Equal(t, 1, countEvents(events, statestore.EventRunTimedOut, ""))
	var payload statestore.RunTimedOutPayload
	for _, ev := range events {
		if ev.Type == statestore.EventRunTimedOut {
			require.NoError(t, ev.DecodePayload(&payload))
		}
	}
	assert.Contains(t, payload.InFlightSteps, "slow")
}

func TestScheduler_ResumeContinuesInterruptedRun(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("resume").
		DefaultStepTimeout(time.Second).
		Step("a", "w", "act").Creates("a_out").Done().
		Step("b", "w", "act").Requires("a_out").Creates("b_out").Done().
		Step("c", "w", "act").Requires("b_out").Done().
		Build()
	require.NoError(t, err)

	store := newTestStore(t)
	ctx := context.Background()
	runID := "run-interrupted"

	// Simulate a crash: a finished durably, b was mid-flight when the
	// process died.
	appendEvent := func(typ statestore.EventType, stepID string, payload any) {
		ev, err := statestore.NewEvent(runID, typ, stepID, payload)
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, ev))
	}
	appendEvent(statestore.EventRunStarted, "", statestore.RunStartedPayload{DefinitionID: def.ID})
	appendEvent(statestore.EventStepStarted, "a", statestore.StepStartedPayload{Attempt: 1})
	appendEvent(statestore.EventStepSucceeded, "a", statestore.StepSucceededPayload{
		Attempt:   1,
		Artifacts: types.ArtifactMap{"a_out": {Name: "a_out", Producer: "a", URI: "mem://a_out"}},
	})
	appendEvent(statestore.EventStepStarted, "b", statestore.StepStartedPayload{Attempt: 1})

	agents := NewAgentRegistry()
	agents.Register("w", stepAgent(def, nil))
	exec := NewStepExecutor(agents, nil, nil, zap.NewNop())
	sched := NewScheduler(def, store, exec, nil, zap.NewNop(), WithConfig(fastConfig()))

	run, err := sched.Resume(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, StepStatusSucceeded, run.Step("a").Status)
	assert.Equal(t, StepStatusSucceeded, run.Step("b").Status)
	assert.Equal(t, StepStatusSucceeded, run.Step("c").Status)
	assert.Equal(t, 2, run.Step("b").Attempts, "the lost in-flight attempt still counts")

	events := eventsOf(t, store, runID)
	assert.Equal(t, 1, countEvents(events, statestore.EventStepStarted, "a"), "a is not re-run")
	assert.Equal(t, 2, countEvents(events, statestore.EventStepStarted, "b"))
}

func TestScheduler_ResumeTerminalRunIsIdempotent(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("terminal").
		DefaultStepTimeout(time.Second).
		Step("a", "w", "act").Done().
		Build()
	require.NoError(t, err)

	agents := NewAgentRegistry()
	agents.Register("w", stepAgent(def, nil))

	sched, store := newScheduler(t, def, agents, nil)
	run, err := sched.Start(context.Background(), nil)
	require.NoError(t, err)
	eventsBefore := len(eventsOf(t, store, run.RunID))

	exec := NewStepExecutor(agents, nil, nil, zap.NewNop())
	again := NewScheduler(def, store, exec, nil, zap.NewNop(), WithConfig(fastConfig()))
	resumed, err := again.Resume(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, resumed.Status)
	assert.Len(t, eventsOf(t, store, run.RunID), eventsBefore, "resuming a finished run appends nothing")
}

func TestScheduler_ReplayAtEveryCrashPointIsDeterministic(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("replay").
		DefaultStepTimeout(time.Second).
		Step("a", "w", "act").Creates("a_out").Done().
		Step("b", "w", "act").Requires("a_out").Done().
		Build()
	require.NoError(t, err)

	agents := NewAgentRegistry()
	agents.Register("w", stepAgent(def, nil))

	sched, store := newScheduler(t, def, agents, nil)
	run, err := sched.Start(context.Background(), nil)
	require.NoError(t, err)

	events := eventsOf(t, store, run.RunID)
	require.NotEmpty(t, events)

	full, err := Replay(def, run.RunID, nil, events)
	require.NoError(t, err)

	// Checkpointing at any point and replaying the suffix must land on
	// the same state as a full replay.
	for crash := 1; crash < len(events); crash++ {
		prefix, err := Replay(def, run.RunID, nil, events[:crash])
		require.NoError(t, err)
		snapshot, err := prefix.Snapshot()
		require.NoError(t, err)
		cp := &statestore.Checkpoint{RunID: run.RunID, Seq: events[crash-1].Seq, State: snapshot}

		resumed, err := Replay(def, run.RunID, cp, events[crash:])
		require.NoError(t, err, "crash point %d", crash)
		assert.Equal(t, full.Status, resumed.Status, "crash point %d", crash)
		assert.Equal(t, full.LastSeq, resumed.LastSeq, "crash point %d", crash)
		for _, id := range def.StepIDs() {
			assert.Equal(t, full.Step(id).Status, resumed.Step(id).Status, "crash point %d, step %s", crash, id)
			assert.Equal(t, full.Step(id).Attempts, resumed.Step(id).Attempts, "crash point %d, step %s", crash, id)
		}
	}
}

func TestScheduler_ProgressReported(t *testing.T) {
	t.Parallel()

	def, err := NewDefinitionBuilder("progress").
		DefaultStepTimeout(time.Second).
		Step("a", "w", "act").Done().
		Step("b", "w", "act").Requires("a").Done().
		Build()
	require.NoError(t, err)

	agents := NewAgentRegistry()
	agents.Register("w", stepAgent(def, nil))

	var mu sync.Mutex
	var reports []Health
	progress := func(h Health) {
		mu.Lock()
		reports = append(reports, h)
		mu.Unlock()
	}

	sched, _ := newScheduler(t, def, agents, nil, WithProgress(progress))
	run, err := sched.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reports)
	last := reports[len(reports)-1]
	assert.Equal(t, run.RunID, last.RunID)
	assert.Equal(t, 2, last.TotalSteps)

	h := sched.Health()
	assert.Equal(t, RunCompleted, h.Status)
	assert.Equal(t, 2, h.CompletedSteps)
}
