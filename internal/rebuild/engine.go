// Package rebuild recomputes rollups from the raw event log. It either
// replaces a window's stored rollups or compares them with the recomputed
// set without touching storage.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"tally/internal/events"
	"tally/internal/metrics"
	"tally/internal/pkg/async"
	"tally/internal/rollups"
)

var (
	ErrInvalidWindow = errors.New("rebuild window must be UTC-day aligned with from before to")
	ErrWindowBusy    = errors.New("an overlapping rebuild is already running")
)

const dateLayout = "2006-01-02"

// Options selects what to rebuild. SiteID 0 means every site.
type Options struct {
	SiteID uint
	From   time.Time
	To     time.Time
	DryRun bool
}

// Config tunes the engine.
type Config struct {
	ChunkSize   int
	SampleLimit int
	Workers     int
}

// Result summarizes a run. Diff is set in dry-run mode.
type Result struct {
	EventsProcessed  int64          `json:"events_processed"`
	BotEventsSkipped int64          `json:"bot_events_skipped"`
	RowsCreated      map[string]int `json:"rows_created,omitempty"`
	Diff             *Diff          `json:"diff,omitempty"`
}

type Engine struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	running map[int]Options
	nextID  int
}

func NewEngine(dbManager cartridge.DBManager, logger *slog.Logger, cfg Config) *Engine {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 500
	}
	if cfg.SampleLimit < 0 {
		cfg.SampleLimit = 0
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		dbManager: dbManager,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		running:   make(map[int]Options),
	}
}

// Window returns the UTC-day aligned window [from, from+days).
func Window(from time.Time, days int) (time.Time, time.Time) {
	start := from.UTC().Truncate(24 * time.Hour)
	return start, start.AddDate(0, 0, days)
}

// Run rebuilds or diffs the window described by opts.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	opts.From, opts.To = opts.From.UTC(), opts.To.UTC()
	if !dayAligned(opts.From) || !dayAligned(opts.To) || !opts.From.Before(opts.To) {
		return nil, ErrInvalidWindow
	}

	release, err := e.acquire(opts)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	defer func() { metrics.RebuildDuration.Observe(time.Since(start).Seconds()) }()

	logger := e.logger.With(
		slog.Uint64("site_id", uint64(opts.SiteID)),
		slog.String("from", opts.From.Format(dateLayout)),
		slog.String("to", opts.To.Format(dateLayout)),
		slog.Bool("dry_run", opts.DryRun))
	logger.Info("Rebuild started")

	db := e.dbManager.GetConnection()
	arenas, err := e.buildArenas(ctx, db, opts)
	if err != nil {
		logger.Error("Rebuild failed while replaying events", slog.Any("error", err))
		return nil, err
	}

	result := &Result{}
	var rows RowSet
	now := e.now()
	for _, a := range arenas {
		result.EventsProcessed += a.EventsProcessed
		result.BotEventsSkipped += a.BotEventsSkipped
		rows.Merge(a.Rows(now))
	}

	if opts.DryRun {
		diff, err := e.diff(db.WithContext(ctx), opts, rows)
		if err != nil {
			logger.Error("Rebuild diff failed", slog.Any("error", err))
			return nil, err
		}
		for table, summary := range diff.Tables {
			if n := summary.Missing + summary.Unexpected + summary.Mismatched; n > 0 {
				metrics.RebuildMismatches.WithLabelValues(table).Add(float64(n))
			}
		}
		result.Diff = diff
		logger.Info("Rebuild diff completed",
			slog.Int64("events", result.EventsProcessed),
			slog.Int("mismatches", diff.Total))
		return result, nil
	}

	if err := e.replace(db.WithContext(ctx), opts, rows); err != nil {
		logger.Error("Rebuild failed while writing rollups", slog.Any("error", err))
		return nil, err
	}
	result.RowsCreated = map[string]int{
		rollups.TableDaily:           len(rows.Daily),
		rollups.TableHourly:          len(rows.Hourly),
		rollups.TableDailyDimension:  len(rows.DailyDimension),
		rollups.TableHourlyDimension: len(rows.HourlyDimension),
		rollups.TablePresence:        len(rows.Presence),
	}
	logger.Info("Rebuild completed",
		slog.Int64("events", result.EventsProcessed),
		slog.Int64("bots_skipped", result.BotEventsSkipped))
	return result, nil
}

func dayAligned(t time.Time) bool {
	return !t.IsZero() && t.Equal(t.Truncate(24*time.Hour))
}

func overlaps(a, b Options) bool {
	sameSites := a.SiteID == 0 || b.SiteID == 0 || a.SiteID == b.SiteID
	return sameSites && a.From.Before(b.To) && b.From.Before(a.To)
}

func (e *Engine) acquire(opts Options) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, other := range e.running {
		if overlaps(opts, other) {
			return nil, ErrWindowBusy
		}
	}
	id := e.nextID
	e.nextID++
	e.running[id] = opts

	return func() {
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
	}, nil
}

// buildArenas replays each site of the window on the worker pool.
func (e *Engine) buildArenas(ctx context.Context, db *gorm.DB, opts Options) ([]*Arena, error) {
	siteIDs := []uint{opts.SiteID}
	if opts.SiteID == 0 {
		ids, err := events.SiteIDsInWindow(db.WithContext(ctx), opts.From, opts.To)
		if err != nil {
			return nil, err
		}
		siteIDs = ids
	}

	tasks := make([]async.Task[*Arena], 0, len(siteIDs))
	for _, siteID := range siteIDs {
		siteID := siteID
		tasks = append(tasks, async.Task[*Arena]{
			Name: strconv.FormatUint(uint64(siteID), 10),
			Execute: func(ctx context.Context) (*Arena, error) {
				return buildArena(ctx, db, siteID, opts.From, opts.To, e.cfg.ChunkSize)
			},
		})
	}

	results := async.NewPool[*Arena](e.cfg.Workers).Execute(ctx, tasks)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	arenas := make([]*Arena, 0, len(tasks))
	for _, task := range tasks {
		res, ok := results[task.Name]
		if !ok {
			return nil, fmt.Errorf("rebuild of site %s did not finish", task.Name)
		}
		if res.Err != nil {
			return nil, fmt.Errorf("rebuild of site %s: %w", task.Name, res.Err)
		}
		arenas = append(arenas, res.Data)
	}
	return arenas, nil
}

// windowScope restricts a rollup or presence query to the window and sites.
// Presence buckets are dates or date-prefixed hour keys, so one string range
// covers both granularities.
func windowScope(opts Options, column string) func(*gorm.DB) *gorm.DB {
	from, to := opts.From.Format(dateLayout), opts.To.Format(dateLayout)
	return func(q *gorm.DB) *gorm.DB {
		q = q.Where(column+" >= ? AND "+column+" < ?", from, to)
		if opts.SiteID != 0 {
			q = q.Where("site_id = ?", opts.SiteID)
		}
		return q
	}
}

// replace swaps the window's stored rows for rows in one transaction.
func (e *Engine) replace(db *gorm.DB, opts Options, rows RowSet) error {
	return sqlite.PerformWrite(e.logger, db, func(tx *gorm.DB) error {
		deletes := []struct {
			model  any
			column string
		}{
			{&rollups.DailyRollup{}, "date"},
			{&rollups.HourlyRollup{}, "date"},
			{&rollups.DailyDimensionRollup{}, "date"},
			{&rollups.HourlyDimensionRollup{}, "date"},
			{&rollups.VisitorPresence{}, "bucket"},
		}
		for _, d := range deletes {
			if err := tx.Scopes(windowScope(opts, d.column)).Delete(d.model).Error; err != nil {
				return fmt.Errorf("failed to clear window: %w", err)
			}
		}

		size := e.cfg.ChunkSize
		if len(rows.Daily) > 0 {
			if err := tx.CreateInBatches(rows.Daily, size).Error; err != nil {
				return fmt.Errorf("failed to insert daily rollups: %w", err)
			}
		}
		if len(rows.Hourly) > 0 {
			if err := tx.CreateInBatches(rows.Hourly, size).Error; err != nil {
				return fmt.Errorf("failed to insert hourly rollups: %w", err)
			}
		}
		if len(rows.DailyDimension) > 0 {
			if err := tx.CreateInBatches(rows.DailyDimension, size).Error; err != nil {
				return fmt.Errorf("failed to insert daily dimension rollups: %w", err)
			}
		}
		if len(rows.HourlyDimension) > 0 {
			if err := tx.CreateInBatches(rows.HourlyDimension, size).Error; err != nil {
				return fmt.Errorf("failed to insert hourly dimension rollups: %w", err)
			}
		}
		if len(rows.Presence) > 0 {
			if err := tx.CreateInBatches(rows.Presence, size).Error; err != nil {
				return fmt.Errorf("failed to insert visitor presence: %w", err)
			}
		}
		return nil
	})
}
