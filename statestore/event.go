package statestore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-dev/stagehand/types"
)

// EventType identifies a workflow history event.
type EventType string

const (
	EventRunStarted      EventType = "run.started"
	EventRunCompleted    EventType = "run.completed"
	EventRunFailed       EventType = "run.failed"
	EventRunTimedOut     EventType = "run.timed_out"
	EventStepStarted     EventType = "step.started"
	EventStepSucceeded   EventType = "step.succeeded"
	EventStepFailed      EventType = "step.failed"
	EventStepSkipped     EventType = "step.skipped"
	EventGateEvaluated   EventType = "gate.evaluated"
	EventCheckpointTaken EventType = "checkpoint.taken"
)

// Event is a single immutable record in a run's history. Seq is
// assigned by the store on append and is strictly increasing per run.
type Event struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	StepID    string          `json:"step_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an event with a fresh ID and marshaled payload.
// Seq is zero until the store assigns it.
func NewEvent(runID string, typ EventType, stepID string, payload any) (*Event, error) {
	ev := &Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Type:      typ,
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		ev.Payload = data
	}
	return ev, nil
}

// DecodePayload unmarshals the event payload into dest.
func (e *Event) DecodePayload(dest any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %d (%s) has no payload", e.Seq, e.Type)
	}
	return json.Unmarshal(e.Payload, dest)
}

// RunStartedPayload accompanies EventRunStarted.
type RunStartedPayload struct {
	DefinitionID      string            `json:"definition_id"`
	DefinitionVersion string            `json:"definition_version,omitempty"`
	Inputs            types.ArtifactMap `json:"inputs,omitempty"`
}

// StepStartedPayload accompanies EventStepStarted.
type StepStartedPayload struct {
	Attempt int               `json:"attempt"`
	Inputs  types.ArtifactMap `json:"inputs,omitempty"`
}

// StepSucceededPayload accompanies EventStepSucceeded.
type StepSucceededPayload struct {
	Attempt   int               `json:"attempt"`
	Artifacts types.ArtifactMap `json:"artifacts,omitempty"`
	Duration  types.Duration    `json:"duration,omitempty"`
}

// StepFailedPayload accompanies EventStepFailed.
type StepFailedPayload struct {
	Attempt  int            `json:"attempt"`
	Error    string         `json:"error"`
	Code     string         `json:"code,omitempty"`
	Timeout  bool           `json:"timeout,omitempty"`
	Duration types.Duration `json:"duration,omitempty"`
}

// StepSkippedPayload accompanies EventStepSkipped.
type StepSkippedPayload struct {
	Reason string `json:"reason"`
}

// GateEvaluatedPayload accompanies EventGateEvaluated.
type GateEvaluatedPayload struct {
	Pass       bool              `json:"pass"`
	Scores     types.ScoreVector `json:"scores,omitempty"`
	Attempt    int               `json:"attempt"`
	Goto       string            `json:"goto,omitempty"`
	RerunSteps []string          `json:"rerun_steps,omitempty"`
}

// RunFailedPayload accompanies EventRunFailed.
type RunFailedPayload struct {
	Reason           string            `json:"reason"`
	BlockingSteps    []string          `json:"blocking_steps,omitempty"`
	MissingArtifacts []string          `json:"missing_artifacts,omitempty"`
	LastScores       types.ScoreVector `json:"last_scores,omitempty"`
}

// RunTimedOutPayload accompanies EventRunTimedOut.
type RunTimedOutPayload struct {
	Elapsed       types.Duration `json:"elapsed"`
	InFlightSteps []string       `json:"in_flight_steps,omitempty"`
}

// CheckpointTakenPayload accompanies EventCheckpointTaken.
type CheckpointTakenPayload struct {
	Seq uint64 `json:"seq"`
}
