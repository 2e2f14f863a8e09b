package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run is a training run as recorded in the journal.
type Run struct {
	ID         string
	StartedAt  time.Time
	Config     string
	Status     string
	FinishedAt time.Time
	Finished   bool
}

// Runs lists all recorded runs, most recent first.
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, started_at, config, status, finished_at
		FROM runs
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &started, &r.Config, &r.Status, &finished); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("list runs: bad started_at %q: %w", started, err)
		}
		if finished.Valid {
			if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished.String); err != nil {
				return nil, fmt.Errorf("list runs: bad finished_at %q: %w", finished.String, err)
			}
			r.Finished = true
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// History returns the epoch rows for one run in epoch order.
func (j *Journal) History(ctx context.Context, runID string) ([]EpochRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, epoch, train_loss, val_loss, lr, global_step, checkpoint, recorded_at
		FROM epochs
		WHERE run_id = ?
		ORDER BY epoch
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}
	defer rows.Close()

	var records []EpochRecord
	for rows.Next() {
		var rec EpochRecord
		var valLoss sql.NullFloat64
		var checkpoint sql.NullString
		var recorded string
		err := rows.Scan(
			&rec.RunID,
			&rec.Epoch,
			&rec.TrainLoss,
			&valLoss,
			&rec.LearningRate,
			&rec.GlobalStep,
			&checkpoint,
			&recorded,
		)
		if err != nil {
			return nil, fmt.Errorf("run history: %w", err)
		}
		if valLoss.Valid {
			rec.ValLoss = valLoss.Float64
			rec.HasValLoss = true
		}
		rec.Checkpoint = checkpoint.String
		if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recorded); err != nil {
			return nil, fmt.Errorf("run history: bad recorded_at %q: %w", recorded, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}
	return records, nil
}
