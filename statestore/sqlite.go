package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stagehand-dev/stagehand/types"
)

// eventRecord is the GORM model for one event log entry.
type eventRecord struct {
	ID        uint   `gorm:"primaryKey"`
	RunID     string `gorm:"index:idx_run_seq,unique,priority:1;size:64"`
	Seq       uint64 `gorm:"index:idx_run_seq,unique,priority:2"`
	EventID   string `gorm:"size:64"`
	Type      string `gorm:"size:32"`
	StepID    string `gorm:"size:128"`
	Payload   []byte
	Timestamp time.Time
}

func (eventRecord) TableName() string { return "events" }

// checkpointRecord is the GORM model for a run's checkpoint. One row
// per run; SaveCheckpoint upserts.
type checkpointRecord struct {
	RunID   string `gorm:"primaryKey;size:64"`
	Seq     uint64
	TakenAt time.Time
	State   []byte
}

func (checkpointRecord) TableName() string { return "checkpoints" }

// SQLiteStore is a SQLite-backed EventStore, for deployments that
// prefer one database file over per-run log directories.
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path and migrates
// the schema. Use ":memory:" for tests.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, types.NewError(types.ErrStateStoreWrite, "open sqlite store").WithCause(err)
	}
	if err := db.AutoMigrate(&eventRecord{}, &checkpointRecord{}); err != nil {
		return nil, types.NewError(types.ErrStateStoreWrite, "migrate schema").WithCause(err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With(zap.String("component", "statestore_sqlite")),
	}, nil
}

// Append durably records ev within a transaction, assigning the next
// sequence number for the run.
func (s *SQLiteStore) Append(ctx context.Context, ev *Event) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last eventRecord
		res := tx.Where("run_id = ?", ev.RunID).Order("seq DESC").First(&last)
		switch {
		case res.Error == nil:
			ev.Seq = last.Seq + 1
		case errors.Is(res.Error, gorm.ErrRecordNotFound):
			ev.Seq = 1
		default:
			return res.Error
		}

		rec := eventRecord{
			RunID:     ev.RunID,
			Seq:       ev.Seq,
			EventID:   ev.ID,
			Type:      string(ev.Type),
			StepID:    ev.StepID,
			Payload:   ev.Payload,
			Timestamp: ev.Timestamp,
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return types.NewError(types.ErrStateStoreWrite, "append event").WithCause(err)
	}
	return nil
}

// ReadFrom returns the run's events with Seq > afterSeq in order.
func (s *SQLiteStore) ReadFrom(ctx context.Context, runID string, afterSeq uint64) ([]Event, error) {
	var records []eventRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND seq > ?", runID, afterSeq).
		Order("seq ASC").
		Find(&records).Error
	if err != nil {
		return nil, types.NewError(types.ErrStateStoreRead, "query events").WithCause(err)
	}

	events := make([]Event, 0, len(records))
	for _, rec := range records {
		events = append(events, Event{
			Seq:       rec.Seq,
			ID:        rec.EventID,
			RunID:     rec.RunID,
			Type:      EventType(rec.Type),
			StepID:    rec.StepID,
			Payload:   rec.Payload,
			Timestamp: rec.Timestamp,
		})
	}
	return events, nil
}

// SaveCheckpoint upserts the run's checkpoint row.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	rec := checkpointRecord{
		RunID:   cp.RunID,
		Seq:     cp.Seq,
		TakenAt: cp.TakenAt,
		State:   cp.State,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return types.NewError(types.ErrStateStoreWrite, "save checkpoint").WithCause(err)
	}
	return nil
}

// LoadCheckpoint returns the run's checkpoint, or nil when none exists.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	var rec checkpointRecord
	res := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&rec)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if res.Error != nil {
		return nil, types.NewError(types.ErrStateStoreRead, "load checkpoint").WithCause(res.Error)
	}
	return &Checkpoint{
		RunID:   rec.RunID,
		Seq:     rec.Seq,
		TakenAt: rec.TakenAt,
		State:   rec.State,
	}, nil
}

// ListRuns returns the distinct run ids present in the event table.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]string, error) {
	var runs []string
	err := s.db.WithContext(ctx).
		Model(&eventRecord{}).
		Distinct("run_id").
		Order("run_id").
		Pluck("run_id", &runs).Error
	if err != nil {
		return nil, types.NewError(types.ErrStateStoreRead, "list runs").WithCause(err)
	}
	return runs, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
