package workflow

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/stagehand-dev/stagehand/statestore"
	"github.com/stagehand-dev/stagehand/types"
)

// RunStatus is the workflow run lifecycle position.
type RunStatus string

const (
	RunPending       RunStatus = "pending"
	RunRunning       RunStatus = "running"
	RunWaitingOnGate RunStatus = "waiting_on_gate"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunTimedOut      RunStatus = "timed_out"
)

// Terminal reports whether the run can accept further events.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunTimedOut
}

// StepStatus is the per-step lifecycle position.
type StepStatus string

const (
	StepStatusNotReady  StepStatus = "not_ready"
	StepStatusReady     StepStatus = "ready"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has finished for good.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// StepState is the folded per-step state.
type StepState struct {
	Status     StepStatus        `json:"status"`
	Attempts   int               `json:"attempts"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	SkipReason string            `json:"skip_reason,omitempty"`
	GateScores types.ScoreVector `json:"gate_scores,omitempty"`
}

// Diagnosis explains a fatal run termination.
type Diagnosis struct {
	Reason           string            `json:"reason"`
	BlockingSteps    []string          `json:"blocking_steps,omitempty"`
	MissingArtifacts []string          `json:"missing_artifacts,omitempty"`
	LastScores       types.ScoreVector `json:"last_scores,omitempty"`
}

// Run is the folded state of one workflow execution. It is mutated
// only by Apply, so state is always a pure fold of the event log, and
// replaying the log reproduces it exactly.
type Run struct {
	RunID             string                `json:"run_id"`
	DefinitionID      string                `json:"definition_id"`
	DefinitionVersion string                `json:"definition_version,omitempty"`
	Status            RunStatus             `json:"status"`
	Steps             map[string]*StepState `json:"steps"`
	Artifacts         types.ArtifactMap     `json:"artifacts"`
	LastSeq           uint64                `json:"last_seq"`
	StartedAt         time.Time             `json:"started_at,omitzero"`
	FinishedAt        *time.Time            `json:"finished_at,omitempty"`
	Failure           *Diagnosis            `json:"failure,omitempty"`

	def *Definition
}

// NewRun creates a pending run for a definition.
func NewRun(def *Definition, runID string) *Run {
	steps := make(map[string]*StepState, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.ID] = &StepState{Status: StepStatusNotReady}
	}
	return &Run{
		RunID:             runID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            RunPending,
		Steps:             steps,
		Artifacts:         make(types.ArtifactMap),
		def:               def,
	}
}

// Definition returns the definition this run executes.
func (r *Run) Definition() *Definition { return r.def }

// Step returns the state for a step id.
func (r *Run) Step(id string) *StepState { return r.Steps[id] }

// Pending returns the set of steps that have not reached a terminal
// status and are not currently running.
func (r *Run) Pending() map[string]bool {
	pending := make(map[string]bool)
	for id, st := range r.Steps {
		if !st.Status.Terminal() && st.Status != StepStatusRunning {
			pending[id] = true
		}
	}
	return pending
}

// InFlight returns the ids of steps currently running.
func (r *Run) InFlight() []string {
	var ids []string
	for _, s := range r.def.Steps {
		if r.Steps[s.ID].Status == StepStatusRunning {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// AllTerminal reports whether every step has finished.
func (r *Run) AllTerminal() bool {
	for _, st := range r.Steps {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}

// CompletedSteps counts steps in a terminal status.
func (r *Run) CompletedSteps() int {
	n := 0
	for _, st := range r.Steps {
		if st.Status.Terminal() {
			n++
		}
	}
	return n
}

// Apply folds one event into the run state. Events must arrive in
// strictly increasing Seq order; anything else is a corrupted or
// re-ordered log.
func (r *Run) Apply(ev statestore.Event) error {
	if ev.Seq <= r.LastSeq {
		return types.NewErrorf(types.ErrStateStoreRead,
			"event %d applied out of order (last seq %d)", ev.Seq, r.LastSeq)
	}
	if ev.RunID != r.RunID {
		return types.NewErrorf(types.ErrStateStoreRead,
			"event %d belongs to run %s, not %s", ev.Seq, ev.RunID, r.RunID)
	}

	switch ev.Type {
	case statestore.EventRunStarted:
		var p statestore.RunStartedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return foldErr(ev, err)
		}
		r.Status = RunRunning
		r.StartedAt = ev.Timestamp
		r.Artifacts.Merge(p.Inputs)

	case statestore.EventStepStarted:
		var p statestore.StepStartedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return foldErr(ev, err)
		}
		st := r.Steps[ev.StepID]
		started := ev.Timestamp
		st.Status = StepStatusRunning
		st.Attempts = p.Attempt
		st.StartedAt = &started
		st.FinishedAt = nil
		st.Error = ""

	case statestore.EventStepSucceeded:
		var p statestore.StepSucceededPayload
		if err := ev.DecodePayload(&p); err != nil {
			return foldErr(ev, err)
		}
		st := r.Steps[ev.StepID]
		finished := ev.Timestamp
		st.FinishedAt = &finished
		r.Artifacts.Merge(p.Artifacts)
		if step, ok := r.def.Step(ev.StepID); ok && step.Gate != nil {
			// The gate decides whether this success sticks; the step
			// stays running until GateEvaluated lands.
			r.Status = RunWaitingOnGate
		} else {
			st.Status = StepStatusSucceeded
		}

	case statestore.EventStepFailed:
		var p statestore.StepFailedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return foldErr(ev, err)
		}
		st := r.Steps[ev.StepID]
		finished := ev.Timestamp
		st.Status = StepStatusFailed
		st.Error = p.Error
		st.FinishedAt = &finished
		st.Attempts = p.Attempt
		// A gated step can fail after its success event (scorer error
		// before the gate verdict); release the gate sub-state.
		if step, ok := r.def.Step(ev.StepID); ok && step.Gate != nil && r.Status == RunWaitingOnGate {
			r.Status = RunRunning
		}

	case statestore.EventStepSkipped:
		var p statestore.StepSkippedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return foldErr(ev, err)
		}
		st := r.Steps[ev.StepID]
		finished := ev.Timestamp
		st.Status = StepStatusSkipped
		st.SkipReason = p.Reason
		st.FinishedAt = &finished

	case statestore.EventGateEvaluated:
		var p statestore.GateEvaluatedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return foldErr(ev, err)
		}
		st := r.Steps[ev.StepID]
		st.GateScores = p.Scores
		r.Status = RunRunning
		switch {
		case p.Pass:
			st.Status = StepStatusSucceeded
		case len(p.RerunSteps) > 0:
			// Bounded loopback: the rerun set goes back to the start
			// line, attempt counts stay.
			for _, id := range p.RerunSteps {
				rs := r.Steps[id]
				rs.Status = StepStatusNotReady
				rs.StartedAt = nil
				rs.FinishedAt = nil
				rs.Error = ""
				rs.SkipReason = ""
			}
		default:
			// Retry budget exhausted; RunFailed follows.
			st.Status = StepStatusFailed
			st.Error = "quality gate failed after " + strconv.Itoa(p.Attempt) + " attempts"
		}

	case statestore.EventCheckpointTaken:
		// Bookkeeping only; the snapshot itself lives in the store.

	case statestore.EventRunCompleted:
		finished := ev.Timestamp
		r.Status = RunCompleted
		r.FinishedAt = &finished

	case statestore.EventRunFailed:
		var p statestore.RunFailedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return foldErr(ev, err)
		}
		finished := ev.Timestamp
		r.Status = RunFailed
		r.FinishedAt = &finished
		r.Failure = &Diagnosis{
			Reason:           p.Reason,
			BlockingSteps:    p.BlockingSteps,
			MissingArtifacts: p.MissingArtifacts,
			LastScores:       p.LastScores,
		}

	case statestore.EventRunTimedOut:
		var p statestore.RunTimedOutPayload
		if err := ev.DecodePayload(&p); err != nil {
			return foldErr(ev, err)
		}
		finished := ev.Timestamp
		r.Status = RunTimedOut
		r.FinishedAt = &finished
		r.Failure = &Diagnosis{
			Reason:        "run timed out after " + p.Elapsed.Std().String(),
			BlockingSteps: p.InFlightSteps,
		}

	default:
		return types.NewErrorf(types.ErrStateStoreRead,
			"event %d has unknown type %q", ev.Seq, ev.Type)
	}

	r.LastSeq = ev.Seq
	return nil
}

func foldErr(ev statestore.Event, err error) error {
	return types.NewErrorf(types.ErrStateStoreRead,
		"decode event %d (%s)", ev.Seq, ev.Type).WithCause(err)
}

// Snapshot serializes the folded state for a checkpoint.
func (r *Run) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, types.NewError(types.ErrStateStoreWrite, "snapshot run state").WithCause(err)
	}
	return data, nil
}

// RestoreRun rebuilds a run from a checkpoint snapshot.
func RestoreRun(def *Definition, snapshot json.RawMessage) (*Run, error) {
	var r Run
	if err := json.Unmarshal(snapshot, &r); err != nil {
		return nil, types.NewError(types.ErrStateStoreRead, "restore run snapshot").WithCause(err)
	}
	if r.DefinitionID != def.ID {
		return nil, types.NewErrorf(types.ErrStateStoreRead,
			"snapshot is for definition %q, not %q", r.DefinitionID, def.ID)
	}
	if r.Artifacts == nil {
		r.Artifacts = make(types.ArtifactMap)
	}
	for _, s := range def.Steps {
		if r.Steps[s.ID] == nil {
			return nil, types.NewErrorf(types.ErrStateStoreRead,
				"snapshot is missing state for step %q", s.ID)
		}
	}
	r.def = def
	return &r, nil
}

// Replay folds a checkpoint (optional) plus an event suffix into a
// run. Running it twice on the same inputs produces identical state.
func Replay(def *Definition, runID string, cp *statestore.Checkpoint, events []statestore.Event) (*Run, error) {
	var run *Run
	if cp != nil {
		restored, err := RestoreRun(def, cp.State)
		if err != nil {
			return nil, err
		}
		run = restored
	} else {
		run = NewRun(def, runID)
	}
	for _, ev := range events {
		if err := run.Apply(ev); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// LoadRun reconstructs a run from the store: latest checkpoint plus
// the event suffix after it.
func LoadRun(ctx context.Context, store statestore.EventStore, def *Definition, runID string) (*Run, error) {
	cp, err := store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	var after uint64
	if cp != nil {
		after = cp.Seq
	}
	events, err := store.ReadFrom(ctx, runID, after)
	if err != nil {
		return nil, err
	}
	if cp == nil && len(events) == 0 {
		return nil, types.NewErrorf(types.ErrStateStoreRead, "run %s has no recorded history", runID)
	}
	return Replay(def, runID, cp, events)
}

// ResetInFlight returns steps that were running when the process died
// back to not-ready so a resumed scheduler re-dispatches them. The
// events that restart them carry fresh attempt numbers.
func (r *Run) ResetInFlight() []string {
	var reset []string
	for _, s := range r.def.Steps {
		st := r.Steps[s.ID]
		if st.Status == StepStatusRunning {
			st.Status = StepStatusNotReady
			st.StartedAt = nil
			reset = append(reset, s.ID)
		}
	}
	if r.Status == RunWaitingOnGate {
		r.Status = RunRunning
	}
	return reset
}

// Health is the read-only run summary served to external monitoring.
type Health struct {
	RunID            string        `json:"run_id"`
	Status           RunStatus     `json:"status"`
	CompletedSteps   int           `json:"completed_steps"`
	TotalSteps       int           `json:"total_steps"`
	Elapsed          time.Duration `json:"elapsed"`
	RunningSteps     []string      `json:"running_steps,omitempty"`
	BlockingSteps    []string      `json:"blocking_steps,omitempty"`
	MissingArtifacts []string      `json:"missing_artifacts,omitempty"`
}

// HealthAt summarizes the run at the given instant. The graph, when
// provided, contributes blocked-step diagnostics.
func (r *Run) HealthAt(now time.Time, g *Graph) Health {
	h := Health{
		RunID:          r.RunID,
		Status:         r.Status,
		CompletedSteps: r.CompletedSteps(),
		TotalSteps:     len(r.Steps),
		RunningSteps:   r.InFlight(),
	}
	if !r.StartedAt.IsZero() {
		end := now
		if r.FinishedAt != nil {
			end = *r.FinishedAt
		}
		h.Elapsed = end.Sub(r.StartedAt)
	}
	if g != nil {
		for _, b := range g.Blocked(r.Pending(), r.Artifacts) {
			h.BlockingSteps = append(h.BlockingSteps, b.StepID)
			h.MissingArtifacts = append(h.MissingArtifacts, b.MissingArtifacts...)
		}
	}
	return h
}

// SyncGraph replays the run's terminal step states and artifacts into
// a fresh graph, used when resuming from a checkpoint.
func (r *Run) SyncGraph(g *Graph) {
	for name := range r.Artifacts {
		g.ArtifactAvailable(name)
	}
	for _, s := range r.def.Steps {
		switch r.Steps[s.ID].Status {
		case StepStatusSucceeded:
			g.StepSucceeded(s.ID, nil)
		case StepStatusSkipped:
			g.StepSkipped(s.ID)
		}
	}
}
