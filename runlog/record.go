package runlog

import (
	"context"
	"fmt"
	"time"
)

// Run states recorded in the journal.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

// BeginRun registers a new training run with its configuration snapshot.
func (j *Journal) BeginRun(ctx context.Context, id string, startedAt time.Time, config string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, config, status)
		VALUES (?, ?, ?, ?)
	`, id, startedAt.UTC().Format(time.RFC3339Nano), config, StatusRunning)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// EpochRecord is one epoch's outcome within a run.
type EpochRecord struct {
	RunID        string
	Epoch        int
	TrainLoss    float64
	ValLoss      float64
	HasValLoss   bool
	LearningRate float64
	GlobalStep   int64
	Checkpoint   string
	RecordedAt   time.Time
}

// RecordEpoch appends one epoch row for a run.
// Uses ON CONFLICT DO NOTHING so a run resumed from a checkpoint does
// not trip over epoch rows it already wrote.
func (j *Journal) RecordEpoch(ctx context.Context, rec EpochRecord) error {
	var valLoss any
	if rec.HasValLoss {
		valLoss = rec.ValLoss
	}
	var checkpoint any
	if rec.Checkpoint != "" {
		checkpoint = rec.Checkpoint
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO epochs
		(run_id, epoch, train_loss, val_loss, lr, global_step, checkpoint, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, epoch) DO NOTHING
	`,
		rec.RunID,
		rec.Epoch,
		rec.TrainLoss,
		valLoss,
		rec.LearningRate,
		rec.GlobalStep,
		checkpoint,
		rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record epoch: %w", err)
	}
	return nil
}

// FinishRun marks a run as completed or interrupted.
func (j *Journal) FinishRun(ctx context.Context, id, status string, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?
	`, status, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}
