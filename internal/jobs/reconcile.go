package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tally/internal/rebuild"
)

// ReconcileJob compares stored rollups of the recent past with a fresh
// recomputation from the raw log. It never writes; mismatches are logged and
// counted so an operator can run a rebuild.
type ReconcileJob struct {
	engine       *rebuild.Engine
	logger       *slog.Logger
	lookbackDays int
	now          func() time.Time
}

func NewReconcileJob(engine *rebuild.Engine, logger *slog.Logger, lookbackDays int) *ReconcileJob {
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	return &ReconcileJob{
		engine:       engine,
		logger:       logger,
		lookbackDays: lookbackDays,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets the time source, for tests.
func (j *ReconcileJob) WithClock(now func() time.Time) *ReconcileJob {
	j.now = now
	return j
}

// Window returns the days checked by the next run: the last lookbackDays
// UTC days up to and including today.
func (j *ReconcileJob) Window() (time.Time, time.Time) {
	return rebuild.Window(j.now().AddDate(0, 0, 1-j.lookbackDays), j.lookbackDays)
}

// Run performs one reconciliation pass over every site.
func (j *ReconcileJob) Run(ctx context.Context) (*rebuild.Diff, error) {
	from, to := j.Window()

	result, err := j.engine.Run(ctx, rebuild.Options{From: from, To: to, DryRun: true})
	if errors.Is(err, rebuild.ErrWindowBusy) {
		j.logger.Info("Skipping reconciliation, a rebuild of the window is running")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if result.Diff.Clean() {
		j.logger.Info("Rollups reconciled",
			slog.Int64("events", result.EventsProcessed),
			slog.String("from", from.Format(time.DateOnly)),
			slog.String("to", to.Format(time.DateOnly)))
		return result.Diff, nil
	}

	for table, summary := range result.Diff.Tables {
		if summary.Missing+summary.Unexpected+summary.Mismatched == 0 {
			continue
		}
		j.logger.Warn("Rollup drift detected",
			slog.String("table", table),
			slog.Int("missing", summary.Missing),
			slog.Int("unexpected", summary.Unexpected),
			slog.Int("mismatched", summary.Mismatched))
	}
	for _, m := range result.Diff.Samples {
		j.logger.Debug("Rollup mismatch",
			slog.String("table", m.Table),
			slog.String("key", m.Key),
			slog.String("field", m.Field),
			slog.Int64("expected", m.Expected),
			slog.Int64("stored", m.Stored))
	}
	return result.Diff, nil
}
