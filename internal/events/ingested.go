package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"tally/internal/ingest"
	"tally/internal/metrics"
	"tally/internal/rollups"
	"tally/internal/sessions"
	"tally/internal/sites"
)

// IngestInput is one authenticated, validated event.
type IngestInput struct {
	Site   *sites.Site
	Event  *ingest.Event
	Client ClientInfo
}

// IngestResult reports what happened to an accepted event.
type IngestResult struct {
	ID      string
	Deduped bool
	Bot     bool
}

// Ingestor stores events and applies their rollup contributions.
type Ingestor struct {
	dbManager  cartridge.DBManager
	logger     *slog.Logger
	normalizer *Normalizer
	now        func() time.Time
}

func NewIngestor(dbManager cartridge.DBManager, logger *slog.Logger, normalizer *Normalizer) *Ingestor {
	return &Ingestor{
		dbManager:  dbManager,
		logger:     logger,
		normalizer: normalizer,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the receipt-time source.
func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	cp := *i
	cp.now = now
	return &cp
}

// Ingest runs the whole pipeline for one event in a single write
// transaction: dedup gate, rollup deltas, visitor presence and session
// correlation. Any failure rolls everything back.
func (i *Ingestor) Ingest(ctx context.Context, in *IngestInput) (*IngestResult, error) {
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	norm := i.normalizer.Normalize(in.Event.Referrer, in.Site.Domain, in.Client)
	raw, err := NewRawEvent(in.Site, in.Event, norm, i.now())
	if err != nil {
		return nil, &StorageError{Op: "prepare", Err: err}
	}

	result := &IngestResult{ID: raw.ID, Bot: raw.Bot}
	db := i.dbManager.GetConnection().WithContext(ctx)

	err = sqlite.PerformWrite(i.logger, db, func(tx *gorm.DB) error {
		if err := StoreRawEvent(tx, raw); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				result.Deduped = true
				return nil
			}
			return err
		}
		if raw.Bot {
			return nil
		}
		return applyContribution(tx, raw)
	})
	if err != nil {
		i.logger.Error("Failed to ingest event",
			slog.Uint64("site_id", uint64(in.Site.ID)),
			slog.String("type", raw.Type),
			slog.Any("error", err))
		return nil, &StorageError{Op: "ingest", Err: err}
	}

	if result.Deduped {
		i.logger.Debug("Duplicate event ignored",
			slog.Uint64("site_id", uint64(in.Site.ID)),
			slog.String("event_id", in.Event.EventID))
		return result, nil
	}

	metrics.EventsStored.WithLabelValues(raw.Type).Inc()
	return result, nil
}

// applyContribution writes the live rollup contribution of a freshly stored
// non-bot event.
func applyContribution(tx *gorm.DB, raw *RawEvent) error {
	fact := raw.Fact()
	bucket := rollups.BucketFor(raw.Timestamp)
	dims := rollups.ExtractDimensions(fact)

	if err := rollups.ApplyEvent(tx, raw.SiteID, bucket, dims, rollups.ExtractMetrics(fact)); err != nil {
		return err
	}
	if err := rollups.ApplyPresence(tx, raw.SiteID, bucket, dims, raw.VisitorID); err != nil {
		return err
	}

	if !raw.IsSessionPageview() {
		return nil
	}

	key := sessions.Key{SiteID: raw.SiteID, SessionID: raw.SessionID, VisitorID: raw.VisitorID}
	old, err := SessionState(tx, key, raw.ID)
	if err != nil {
		return err
	}

	next := old.Observe(raw.Timestamp)
	for _, kd := range sessions.Transition(old, next) {
		if err := rollups.ApplyDelta(tx, raw.SiteID, kd); err != nil {
			return fmt.Errorf("failed to apply session delta: %w", err)
		}
	}
	return nil
}
