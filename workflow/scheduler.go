package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stagehand-dev/stagehand/internal/metrics"
	"github.com/stagehand-dev/stagehand/statestore"
	"github.com/stagehand-dev/stagehand/types"
)

// ProgressFunc receives run health at the configured cadence.
type ProgressFunc func(Health)

// SchedulerConfig tunes the coordinator. Zero values fall back to the
// definition's settings.
type SchedulerConfig struct {
	MaxParallelSteps int
	RunTimeout       time.Duration
	CheckpointEvery  int
	ProgressEvery    int
	// BackoffBase and BackoffMax shape the gate-loopback delay:
	// exponential doubling from base, capped at max, with jitter.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig overrides the scheduler configuration.
func WithConfig(cfg SchedulerConfig) Option {
	return func(s *Scheduler) { s.config = cfg }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// WithProgress attaches a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Scheduler) { s.progress = fn }
}

// Scheduler is the per-run coordinator: it computes readiness, launches
// ready steps with bounded parallelism, serializes every event append
// through itself (the log's single logical writer), applies quality
// gates, and drives the run to a terminal status.
//
// A Scheduler runs one workflow at a time; Start and Resume must not
// be called concurrently.
type Scheduler struct {
	def      *Definition
	store    statestore.EventStore
	executor *StepExecutor
	gates    *GateEvaluator
	config   SchedulerConfig
	metrics  *metrics.Collector
	progress ProgressFunc
	logger   *zap.Logger
	rng      *rand.Rand

	run      *Run
	graph    *Graph
	inFlight map[string]context.CancelFunc
	deferred map[string]time.Time

	completions chan stepCompletion

	eventsSinceCheckpoint  int
	completedSinceProgress int

	health atomic.Pointer[Health]
}

type stepCompletion struct {
	stepID  string
	attempt int
	outcome *StepOutcome
}

// NewScheduler creates a coordinator for one definition.
func NewScheduler(def *Definition, store statestore.EventStore, executor *StepExecutor, gates *GateEvaluator, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		def:      def,
		store:    store,
		executor: executor,
		gates:    gates,
		logger:   logger.With(zap.String("component", "scheduler"), zap.String("definition", def.ID)),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gates == nil {
		s.gates = NewGateEvaluator(nil, s.metrics, logger)
	}
	s.resolveConfig()
	return s
}

func (s *Scheduler) resolveConfig() {
	set := s.def.Settings
	if s.config.MaxParallelSteps <= 0 {
		s.config.MaxParallelSteps = set.MaxParallelSteps
	}
	if s.config.RunTimeout <= 0 {
		s.config.RunTimeout = s.def.RunTimeoutOrDefault()
	}
	if s.config.CheckpointEvery <= 0 {
		s.config.CheckpointEvery = set.CheckpointEvery
	}
	if s.config.ProgressEvery <= 0 {
		s.config.ProgressEvery = set.ProgressEvery
	}
	if s.config.BackoffBase <= 0 {
		s.config.BackoffBase = time.Second
	}
	if s.config.BackoffMax <= 0 {
		s.config.BackoffMax = 30 * time.Second
	}
}

// Start executes a fresh run with the given input artifacts and blocks
// until it reaches a terminal status. The returned run is always
// non-nil once the start event has been recorded.
func (s *Scheduler) Start(ctx context.Context, inputs types.ArtifactMap) (*Run, error) {
	runID := uuid.NewString()
	s.run = NewRun(s.def, runID)
	s.graph = NewGraph(s.def)
	s.reset()

	err := s.append(ctx, statestore.EventRunStarted, "", statestore.RunStartedPayload{
		DefinitionID:      s.def.ID,
		DefinitionVersion: s.def.Version,
		Inputs:            inputs,
	})
	if err != nil {
		return nil, err
	}
	s.run.SyncGraph(s.graph)

	s.logger.Info("run started",
		zap.String("run_id", runID),
		zap.Int("steps", len(s.def.Steps)),
		zap.Duration("run_timeout", s.config.RunTimeout),
	)
	return s.loop(ctx)
}

// Resume reloads a crashed run from the store and continues it. Steps
// that were in flight when the process died are re-dispatched with a
// fresh attempt number. Resuming a run that already reached a terminal
// status returns it unchanged.
func (s *Scheduler) Resume(ctx context.Context, runID string) (*Run, error) {
	run, err := LoadRun(ctx, s.store, s.def, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	restarted := run.ResetInFlight()
	s.run = run
	s.graph = NewGraph(s.def)
	run.SyncGraph(s.graph)
	s.reset()

	s.logger.Info("run resumed",
		zap.String("run_id", runID),
		zap.Uint64("last_seq", run.LastSeq),
		zap.Strings("restarted_steps", restarted),
	)
	return s.loop(ctx)
}

func (s *Scheduler) reset() {
	s.inFlight = make(map[string]context.CancelFunc)
	s.deferred = make(map[string]time.Time)
	s.completions = make(chan stepCompletion, s.config.MaxParallelSteps)
	s.eventsSinceCheckpoint = 0
	s.completedSinceProgress = 0
}

// Health returns the latest run summary. Safe to call from other
// goroutines while the run executes.
func (s *Scheduler) Health() Health {
	if h := s.health.Load(); h != nil {
		return *h
	}
	return Health{Status: RunPending}
}

func (s *Scheduler) publishHealth() {
	h := s.run.HealthAt(time.Now(), s.graph)
	s.health.Store(&h)
}

// loop is the coordinator: the only goroutine that appends events or
// touches run and graph state. Workers just execute steps and report
// back on the completions channel.
func (s *Scheduler) loop(ctx context.Context) (*Run, error) {
	runCtx, cancelRun := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancelRun()

	// Close-out events must land even after the run deadline fires.
	closeCtx := context.WithoutCancel(ctx)

	group := &errgroup.Group{}
	group.SetLimit(s.config.MaxParallelSteps)
	defer func() {
		s.cancelInFlight()
		s.drain(group)
	}()

	s.metrics.RunStarted()
	defer func() {
		s.metrics.RunFinished(s.def.ID, string(s.run.Status), time.Since(s.run.StartedAt))
		s.publishHealth()
	}()

	for {
		if err := s.settleSkips(closeCtx); err != nil {
			return s.run, err
		}

		launched, err := s.launchReady(closeCtx, runCtx, group)
		if err != nil {
			return s.run, err
		}
		s.publishHealth()

		if len(s.inFlight) == 0 {
			if s.run.AllTerminal() {
				return s.complete(closeCtx)
			}
			if launched == 0 {
				if wake, ok := s.earliestDeferred(); ok {
					if err := s.sleepUntil(runCtx, wake); err != nil {
						return s.closeOut(closeCtx, runCtx)
					}
					continue
				}
				return s.failBlocked(closeCtx)
			}
		}

		var wakeC <-chan time.Time
		var wakeTimer *time.Timer
		if wake, ok := s.earliestDeferred(); ok {
			wakeTimer = time.NewTimer(time.Until(wake))
			wakeC = wakeTimer.C
		}

		select {
		case comp := <-s.completions:
			if wakeTimer != nil {
				wakeTimer.Stop()
			}
			if err := s.handleCompletion(closeCtx, runCtx, comp); err != nil {
				return s.run, err
			}
		case <-wakeC:
			// A deferred loopback target came due; fall through to
			// the launch phase.
		case <-runCtx.Done():
			if wakeTimer != nil {
				wakeTimer.Stop()
			}
			return s.closeOut(closeCtx, runCtx)
		}
	}
}

// append durably records an event, then folds it into the run. The
// write-ahead order is the crash-safety contract: state only ever
// reflects events that are already on disk. A write failure is fatal
// for the run.
func (s *Scheduler) append(ctx context.Context, typ statestore.EventType, stepID string, payload any) error {
	ev, err := statestore.NewEvent(s.run.RunID, typ, stepID, payload)
	if err != nil {
		return types.NewError(types.ErrStateStoreWrite, "encode event").WithCause(err)
	}
	if err := s.store.Append(ctx, ev); err != nil {
		s.logger.Error("event append failed; run cannot continue",
			zap.String("run_id", s.run.RunID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
		return err
	}
	if err := s.run.Apply(*ev); err != nil {
		return err
	}

	s.metrics.RecordEventAppend(string(typ))
	s.eventsSinceCheckpoint++
	s.metrics.SetCheckpointAge(s.eventsSinceCheckpoint)

	if typ != statestore.EventCheckpointTaken && s.eventsSinceCheckpoint >= s.config.CheckpointEvery {
		if err := s.checkpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint snapshots folded state so resume replays only a suffix.
func (s *Scheduler) checkpoint(ctx context.Context) error {
	snapshot, err := s.run.Snapshot()
	if err != nil {
		return err
	}
	cp := &statestore.Checkpoint{
		RunID:   s.run.RunID,
		Seq:     s.run.LastSeq,
		TakenAt: time.Now().UTC(),
		State:   snapshot,
	}
	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	s.eventsSinceCheckpoint = 0
	s.metrics.SetCheckpointAge(0)
	return s.append(ctx, statestore.EventCheckpointTaken, "", statestore.CheckpointTakenPayload{Seq: cp.Seq})
}

// settleSkips resolves steps that will never run: optional steps whose
// condition is false, and steps doomed by an upstream failure or skip.
// Skips can cascade, so it iterates to a fixpoint.
func (s *Scheduler) settleSkips(ctx context.Context) error {
	for {
		candidates := s.pendingCandidates()
		_, condSkips := s.graph.Ready(candidates, s.run.Artifacts)
		doomed := s.graph.Doomed(candidates, func(id string) StepStatus {
			return s.run.Steps[id].Status
		})
		if len(condSkips) == 0 && len(doomed) == 0 {
			return nil
		}

		for _, id := range condSkips {
			step, _ := s.def.Step(id)
			reason := "condition " + step.Condition.When + " is false"
			if err := s.skip(ctx, id, reason); err != nil {
				return err
			}
		}

		doomedIDs := make([]string, 0, len(doomed))
		for id := range doomed {
			doomedIDs = append(doomedIDs, id)
		}
		sort.Strings(doomedIDs)
		for _, id := range doomedIDs {
			if err := s.skip(ctx, id, doomed[id]); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) skip(ctx context.Context, id, reason string) error {
	if err := s.append(ctx, statestore.EventStepSkipped, id, statestore.StepSkippedPayload{Reason: reason}); err != nil {
		return err
	}
	s.graph.StepSkipped(id)
	s.logger.Info("step skipped", zap.String("run_id", s.run.RunID), zap.String("step_id", id), zap.String("reason", reason))
	s.stepCompleted()
	return nil
}

// pendingCandidates is the set of steps still eligible for scheduling
// decisions: not terminal, not running.
func (s *Scheduler) pendingCandidates() map[string]bool {
	return s.run.Pending()
}

// launchReady dispatches every ready step, up to the parallelism
// bound. Deferred loopback targets wait out their backoff.
func (s *Scheduler) launchReady(ctx context.Context, runCtx context.Context, group *errgroup.Group) (int, error) {
	ready, _ := s.graph.Ready(s.pendingCandidates(), s.run.Artifacts)
	now := time.Now()
	launched := 0

	for _, id := range ready {
		if len(s.inFlight) >= s.config.MaxParallelSteps {
			break
		}
		if due, ok := s.deferred[id]; ok && now.Before(due) {
			continue
		}

		step, _ := s.def.Step(id)
		attempt := s.run.Steps[id].Attempts + 1
		inputs := s.inputsFor(step)

		err := s.append(ctx, statestore.EventStepStarted, id, statestore.StepStartedPayload{
			Attempt: attempt,
			Inputs:  inputs,
		})
		if err != nil {
			return launched, err
		}
		delete(s.deferred, id)

		stepCtx, cancel := context.WithCancel(runCtx)
		s.inFlight[id] = cancel
		timeout := step.TimeoutOrDefault(s.def.Settings)

		group.Go(func() error {
			outcome := s.executor.Execute(stepCtx, s.run.RunID, step, attempt, inputs, timeout)
			s.completions <- stepCompletion{stepID: step.ID, attempt: attempt, outcome: outcome}
			return nil
		})
		launched++

		s.logger.Info("step launched",
			zap.String("run_id", s.run.RunID),
			zap.String("step_id", id),
			zap.String("agent", step.AgentRef),
			zap.Int("attempt", attempt),
			zap.Duration("timeout", timeout),
		)
	}
	return launched, nil
}

// inputsFor assembles a step's input artifacts: artifact requirements
// by name, step requirements as everything that step produced.
func (s *Scheduler) inputsFor(step *Step) types.ArtifactMap {
	inputs := make(types.ArtifactMap)
	for _, req := range step.Requires {
		if ref, ok := s.run.Artifacts[req]; ok {
			inputs[req] = ref
			continue
		}
		for name, ref := range s.run.Artifacts {
			if ref.Producer == req {
				inputs[name] = ref
			}
		}
	}
	return inputs
}

// handleCompletion folds one step result into the run: record the
// event, update readiness, and apply the quality gate when present.
// The returned error, when non-nil, ends the run.
func (s *Scheduler) handleCompletion(ctx context.Context, runCtx context.Context, comp stepCompletion) error {
	if cancel, ok := s.inFlight[comp.stepID]; ok {
		cancel()
		delete(s.inFlight, comp.stepID)
	}
	step, _ := s.def.Step(comp.stepID)
	o := comp.outcome

	if o.Err != nil {
		err := s.append(ctx, statestore.EventStepFailed, comp.stepID, statestore.StepFailedPayload{
			Attempt:  comp.attempt,
			Error:    o.Err.Error(),
			Code:     string(o.Err.Code),
			Timeout:  o.TimedOut,
			Duration: types.Duration(o.Duration),
		})
		if err != nil {
			return err
		}
		s.logger.Warn("step failed",
			zap.String("run_id", s.run.RunID),
			zap.String("step_id", comp.stepID),
			zap.Int("attempt", comp.attempt),
			zap.Bool("timeout", o.TimedOut),
			zap.Error(o.Err),
		)
		s.stepCompleted()
		return nil
	}

	err := s.append(ctx, statestore.EventStepSucceeded, comp.stepID, statestore.StepSucceededPayload{
		Attempt:   comp.attempt,
		Artifacts: o.Artifacts,
		Duration:  types.Duration(o.Duration),
	})
	if err != nil {
		return err
	}

	if step.Gate == nil {
		s.graph.StepSucceeded(comp.stepID, o.Artifacts.Names())
		s.stepCompleted()
		return nil
	}
	return s.applyGate(ctx, runCtx, step, comp)
}

// applyGate runs the quality gate for a just-succeeded gated step and
// either confirms the success, schedules a bounded loopback, or fails
// the run when the retry budget is spent.
func (s *Scheduler) applyGate(ctx context.Context, runCtx context.Context, step *Step, comp stepCompletion) error {
	decision, err := s.gates.Evaluate(runCtx, step, comp.outcome.Artifacts)
	if err != nil {
		// Scorer trouble is a step failure, not a gate verdict.
		appendErr := s.append(ctx, statestore.EventStepFailed, step.ID, statestore.StepFailedPayload{
			Attempt: comp.attempt,
			Error:   err.Error(),
			Code:    string(types.GetErrorCode(err)),
		})
		if appendErr != nil {
			return appendErr
		}
		s.stepCompleted()
		return nil
	}

	if decision.Pass {
		err := s.append(ctx, statestore.EventGateEvaluated, step.ID, statestore.GateEvaluatedPayload{
			Pass:    true,
			Scores:  decision.Scores,
			Attempt: comp.attempt,
		})
		if err != nil {
			return err
		}
		s.graph.StepSucceeded(step.ID, comp.outcome.Artifacts.Names())
		s.stepCompleted()
		return nil
	}

	if comp.attempt > step.Gate.MaxRetries {
		// Budget spent: the gate failure is fatal.
		err := s.append(ctx, statestore.EventGateEvaluated, step.ID, statestore.GateEvaluatedPayload{
			Pass:    false,
			Scores:  decision.Scores,
			Attempt: comp.attempt,
		})
		if err != nil {
			return err
		}
		reason := fmt.Sprintf("quality gate on step %s failed after exhausting its retry budget (%d attempts)", step.ID, comp.attempt)
		err = s.append(ctx, statestore.EventRunFailed, step.ID, statestore.RunFailedPayload{
			Reason:        reason,
			BlockingSteps: []string{step.ID},
			LastScores:    decision.Scores,
		})
		if err != nil {
			return err
		}
		return types.NewErrorf(types.ErrGateFailure,
			"gate on step %q failed after %d attempts (threshold %s)",
			step.ID, comp.attempt, step.Gate.Threshold).WithStep(step.ID)
	}

	rerun := s.graph.RerunSet(step.Gate.OnFailGoto, step.ID)
	err = s.append(ctx, statestore.EventGateEvaluated, step.ID, statestore.GateEvaluatedPayload{
		Pass:       false,
		Scores:     decision.Scores,
		Attempt:    comp.attempt,
		Goto:       step.Gate.OnFailGoto,
		RerunSteps: rerun,
	})
	if err != nil {
		return err
	}

	s.graph.Rearm(rerun)
	s.metrics.RecordStepRetry(step.ID)
	due := time.Now().Add(s.backoff(comp.attempt))
	for _, id := range rerun {
		s.deferred[id] = due
	}
	s.logger.Info("gate loopback scheduled",
		zap.String("run_id", s.run.RunID),
		zap.String("step_id", step.ID),
		zap.String("goto", step.Gate.OnFailGoto),
		zap.Strings("rerun", rerun),
		zap.Int("attempt", comp.attempt),
		zap.Time("not_before", due),
	)
	return nil
}

// backoff is exponential from BackoffBase, capped at BackoffMax, with
// +-20% jitter.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.config.BackoffBase << uint(attempt-1)
	if d > s.config.BackoffMax || d <= 0 {
		d = s.config.BackoffMax
	}
	jitter := time.Duration((s.rng.Float64()*0.4 - 0.2) * float64(d))
	return d + jitter
}

func (s *Scheduler) stepCompleted() {
	s.completedSinceProgress++
	if s.completedSinceProgress < s.config.ProgressEvery {
		return
	}
	s.completedSinceProgress = 0
	s.publishHealth()
	h := s.Health()
	s.logger.Info("run progress",
		zap.String("run_id", s.run.RunID),
		zap.String("status", string(h.Status)),
		zap.Int("completed", h.CompletedSteps),
		zap.Int("total", h.TotalSteps),
		zap.Duration("elapsed", h.Elapsed),
	)
	if s.progress != nil {
		s.progress(h)
	}
}

func (s *Scheduler) earliestDeferred() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, due := range s.deferred {
		if !found || due.Before(earliest) {
			earliest = due
			found = true
		}
	}
	return earliest, found
}

func (s *Scheduler) sleepUntil(runCtx context.Context, wake time.Time) error {
	timer := time.NewTimer(time.Until(wake))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-runCtx.Done():
		return runCtx.Err()
	}
}

// complete finishes a run whose steps are all terminal. A checkpoint
// is taken so a later resume needs no replay.
func (s *Scheduler) complete(ctx context.Context) (*Run, error) {
	if err := s.append(ctx, statestore.EventRunCompleted, "", nil); err != nil {
		return s.run, err
	}
	if err := s.checkpoint(ctx); err != nil {
		return s.run, err
	}
	s.logger.Info("run completed",
		zap.String("run_id", s.run.RunID),
		zap.Int("steps", len(s.run.Steps)),
		zap.Duration("elapsed", time.Since(s.run.StartedAt)),
	)
	return s.run, nil
}

// failBlocked ends a run that can make no further progress, naming
// the blocked steps and what they are missing.
func (s *Scheduler) failBlocked(ctx context.Context) (*Run, error) {
	blocked := s.graph.Blocked(s.pendingCandidates(), s.run.Artifacts)
	var steps, missing []string
	for _, b := range blocked {
		steps = append(steps, b.StepID)
		missing = append(missing, b.MissingArtifacts...)
	}

	err := s.append(ctx, statestore.EventRunFailed, "", statestore.RunFailedPayload{
		Reason:           "workflow stalled: remaining steps have unmet requirements",
		BlockingSteps:    steps,
		MissingArtifacts: missing,
	})
	if err != nil {
		return s.run, err
	}
	s.logger.Error("run blocked",
		zap.String("run_id", s.run.RunID),
		zap.Strings("blocking_steps", steps),
		zap.Strings("missing_artifacts", missing),
	)
	return s.run, types.NewErrorf(types.ErrRunBlocked,
		"no step can make progress; blocked: %v", steps)
}

// closeOut handles the run deadline firing or the caller aborting:
// broadcast-cancel the in-flight steps, wait for them to unwind, and
// record the terminal event.
func (s *Scheduler) closeOut(ctx context.Context, runCtx context.Context) (*Run, error) {
	inFlight := s.run.InFlight()
	s.cancelInFlight()

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	elapsed := time.Since(s.run.StartedAt)

	if timedOut {
		err := s.append(ctx, statestore.EventRunTimedOut, "", statestore.RunTimedOutPayload{
			Elapsed:       types.Duration(elapsed),
			InFlightSteps: inFlight,
		})
		if err != nil {
			return s.run, err
		}
		s.logger.Error("run timed out",
			zap.String("run_id", s.run.RunID),
			zap.Duration("elapsed", elapsed),
			zap.Strings("in_flight", inFlight),
		)
		return s.run, types.NewErrorf(types.ErrRunTimeout,
			"run %s timed out after %s with %d steps in flight", s.run.RunID, elapsed.Round(time.Millisecond), len(inFlight))
	}

	err := s.append(ctx, statestore.EventRunFailed, "", statestore.RunFailedPayload{
		Reason:        "run aborted by caller",
		BlockingSteps: inFlight,
	})
	if err != nil {
		return s.run, err
	}
	return s.run, runCtx.Err()
}

func (s *Scheduler) cancelInFlight() {
	for _, cancel := range s.inFlight {
		cancel()
	}
}

// drain waits for all workers to exit, discarding their completions.
// Workers block sending on the completions channel, so the drain and
// the wait have to run together.
func (s *Scheduler) drain(group *errgroup.Group) {
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	for {
		select {
		case <-s.completions:
		case <-done:
			return
		}
	}
}
