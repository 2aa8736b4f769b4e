package runs

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/tsawler/go-fer/training"
)

// ErrNoEpochs is returned when summarising a run without history.
var ErrNoEpochs = errors.New("run has no recorded epochs")

// Repo reads and writes runs.
type Repo struct {
	db *sqlx.DB
}

// New creates a Repo over db.
func New(db *sqlx.DB) *Repo {
	return &Repo{
		db: db,
	}
}

// StartRun inserts a running run and returns its id.
func (r *Repo) StartRun(ctx context.Context, model, backbone string, attention bool, startedAt time.Time) (id int64, err error) {
	query := r.db.Rebind(`INSERT INTO run
				(model, backbone, attention, status, started_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id`)

	if err = r.db.QueryRowxContext(ctx, query, model, backbone, attention, StatusRunning, startedAt).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "failed to start run")
	}
	return id, nil
}

// RecordEpoch appends one epoch to a run. epoch numbering is global across
// phases.
func (r *Repo) RecordEpoch(ctx context.Context, runID int64, m training.EpochMetrics) error {
	query := r.db.Rebind(`INSERT INTO run_epoch
				(run_id, epoch, phase, phase_epoch, loss, accuracy, val_loss, val_accuracy, learning_rate, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		runID,
		m.Epoch,
		m.Phase,
		m.PhaseEpoch,
		m.Loss,
		m.Accuracy,
		m.ValLoss,
		m.ValAccuracy,
		m.LearningRate,
		m.Duration.Milliseconds(),
	)
	return errors.Wrapf(err, "failed to record epoch %d of run %d", m.Epoch, runID)
}

// FinishRun stores the outcome of a run.
func (r *Repo) FinishRun(ctx context.Context, runID int64, status, artifact string, bestValLoss, bestValAccuracy float64, finishedAt time.Time) error {
	query := r.db.Rebind(`UPDATE run
			SET status = ?, artifact = ?, best_val_loss = ?, best_val_accuracy = ?, finished_at = ?
			WHERE id = ?`)

	res, err := r.db.ExecContext(ctx, query, status, artifact, bestValLoss, bestValAccuracy, finishedAt, runID)
	if err != nil {
		return errors.Wrapf(err, "failed to finish run %d", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to finish run %d", runID)
	}
	if n == 0 {
		return errors.Errorf("run %d does not exist", runID)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (r *Repo) ListRuns(ctx context.Context, limit int) (runs []Run, err error) {
	query := `SELECT
				id,
				model,
				backbone,
				attention,
				status,
				artifact,
				best_val_loss,
				best_val_accuracy,
				started_at,
				finished_at
			FROM run
			ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	if err = r.db.SelectContext(ctx, &runs, r.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	return runs, nil
}

// Epochs returns a run's history in epoch order.
func (r *Repo) Epochs(ctx context.Context, runID int64) (epochs []Epoch, err error) {
	query := r.db.Rebind(`SELECT
				run_id,
				epoch,
				phase,
				phase_epoch,
				loss,
				accuracy,
				val_loss,
				val_accuracy,
				learning_rate,
				duration_ms
			FROM run_epoch
			WHERE run_id = ?
			ORDER BY epoch`)

	if err = r.db.SelectContext(ctx, &epochs, query, runID); err != nil {
		return nil, errors.Wrapf(err, "failed to load epochs of run %d", runID)
	}
	return epochs, nil
}

// Summarize aggregates the history of a run.
func (r *Repo) Summarize(ctx context.Context, runID int64) (*Summary, error) {
	epochs, err := r.Epochs(ctx, runID)
	if err != nil {
		return nil, err
	}
	return summarize(runID, epochs)
}

func summarize(runID int64, epochs []Epoch) (*Summary, error) {
	if len(epochs) == 0 {
		return nil, errors.Wrapf(ErrNoEpochs, "run %d", runID)
	}

	valLoss := make([]float64, len(epochs))
	valAcc := make([]float64, len(epochs))
	durations := make([]float64, len(epochs))
	for i, e := range epochs {
		valLoss[i] = e.ValLoss
		valAcc[i] = e.ValAccuracy
		durations[i] = float64(e.DurationMS)
	}

	s := &Summary{RunID: runID, Epochs: len(epochs)}
	var err error
	if s.MinValLoss, err = stats.Min(valLoss); err != nil {
		return nil, err
	}
	if s.MaxValAccuracy, err = stats.Max(valAcc); err != nil {
		return nil, err
	}
	if s.MeanValLoss, err = stats.Mean(valLoss); err != nil {
		return nil, err
	}
	if s.MedianEpochMS, err = stats.Median(durations); err != nil {
		return nil, err
	}
	if s.TotalMS, err = stats.Sum(durations); err != nil {
		return nil, err
	}
	return s, nil
}

// Recorder returns an epoch observer that writes each epoch of runID.
func (r *Repo) Recorder(ctx context.Context, runID int64) training.EpochObserver {
	return func(m training.EpochMetrics) error {
		return r.RecordEpoch(ctx, runID, m)
	}
}
