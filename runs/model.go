package runs

import (
	"database/sql"
	"time"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Run is one training invocation of one model.
type Run struct {
	ID              int64        `db:"id"`
	Model           string       `db:"model"`
	Backbone        string       `db:"backbone"`
	Attention       bool         `db:"attention"`
	Status          string       `db:"status"`
	Artifact        string       `db:"artifact"`
	BestValLoss     float64      `db:"best_val_loss"`
	BestValAccuracy float64      `db:"best_val_accuracy"`
	StartedAt       time.Time    `db:"started_at"`
	FinishedAt      sql.NullTime `db:"finished_at"`
}

// Epoch is one row of a run's history.
type Epoch struct {
	RunID        int64   `db:"run_id"`
	Epoch        int     `db:"epoch"`
	Phase        string  `db:"phase"`
	PhaseEpoch   int     `db:"phase_epoch"`
	Loss         float64 `db:"loss"`
	Accuracy     float64 `db:"accuracy"`
	ValLoss      float64 `db:"val_loss"`
	ValAccuracy  float64 `db:"val_accuracy"`
	LearningRate float64 `db:"learning_rate"`
	DurationMS   int64   `db:"duration_ms"`
}

// Summary aggregates a run's epochs.
type Summary struct {
	RunID          int64
	Epochs         int
	MinValLoss     float64
	MaxValAccuracy float64
	MeanValLoss    float64
	MedianEpochMS  float64
	TotalMS        float64
}
