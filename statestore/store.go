package statestore

import (
	"context"
	"encoding/json"
	"time"
)

// Checkpoint snapshots the folded run state at a sequence watermark so
// resume does not have to replay the whole log. State is the opaque
// serialized run snapshot; the workflow layer owns its schema.
type Checkpoint struct {
	RunID   string          `json:"run_id"`
	Seq     uint64          `json:"seq"`
	TakenAt time.Time       `json:"taken_at"`
	State   json.RawMessage `json:"state"`
}

// EventStore persists run history. Append has write-ahead semantics:
// it returns only after the event is durably recorded, and assigns the
// event's sequence number. There is exactly one logical writer per run
// (the scheduler), so implementations do not need cross-append
// ordering protection beyond basic safety.
type EventStore interface {
	// Append durably records ev and assigns ev.Seq. A failure here is
	// fatal for the run: the caller must stop scheduling.
	Append(ctx context.Context, ev *Event) error

	// ReadFrom returns all events of the run with Seq > afterSeq, in
	// sequence order. A record that cannot be parsed aborts the read
	// with an error naming the offending position.
	ReadFrom(ctx context.Context, runID string, afterSeq uint64) ([]Event, error)

	// SaveCheckpoint atomically replaces the run's checkpoint.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LoadCheckpoint returns the run's latest checkpoint, or nil if no
	// checkpoint has been taken yet.
	LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// ListRuns returns the run ids known to the store.
	ListRuns(ctx context.Context) ([]string, error)

	Close() error
}
