package events

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tally/internal/ingest"
	"tally/internal/sessions"
)

// ErrDuplicateEvent is returned by StoreRawEvent when the (site, eventId)
// pair was already recorded.
var ErrDuplicateEvent = errors.New("event already processed")

// StorageError wraps a persistence failure. The enclosing transaction has
// been rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// StoreRawEvent appends raw to the log. Events carrying an eventId go through
// an insert that ignores conflicts on (site_id, event_id); when nothing was
// inserted the event is a duplicate.
func StoreRawEvent(tx *gorm.DB, raw *RawEvent) error {
	if raw.EventID == nil {
		if err := tx.Create(raw).Error; err != nil {
			return fmt.Errorf("failed to store raw event: %w", err)
		}
		return nil
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(raw)
	if res.Error != nil {
		return fmt.Errorf("failed to store raw event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// SessionState folds the stored non-bot pageviews of one session, excluding
// the event with id excludeID, without loading every row: a count plus the
// earliest and latest timestamps through idx_raw_events_session.
func SessionState(tx *gorm.DB, key sessions.Key, excludeID string) (sessions.State, error) {
	pageviews := func() *gorm.DB {
		return tx.Model(&RawEvent{}).
			Where("site_id = ? AND session_id = ? AND visitor_id = ? AND type = ? AND bot = ? AND id <> ?",
				key.SiteID, key.SessionID, key.VisitorID, string(ingest.EventTypePageview), false, excludeID)
	}

	var count int64
	if err := pageviews().Count(&count).Error; err != nil {
		return sessions.State{}, fmt.Errorf("failed to count session pageviews: %w", err)
	}
	if count == 0 {
		return sessions.State{}, nil
	}

	var first, last []time.Time
	if err := pageviews().Order("timestamp ASC").Limit(1).Pluck("timestamp", &first).Error; err != nil {
		return sessions.State{}, fmt.Errorf("failed to load session start: %w", err)
	}
	if err := pageviews().Order("timestamp DESC").Limit(1).Pluck("timestamp", &last).Error; err != nil {
		return sessions.State{}, fmt.Errorf("failed to load session end: %w", err)
	}
	if len(first) == 0 || len(last) == 0 {
		return sessions.State{}, nil
	}

	return sessions.State{Pageviews: int(count), First: first[0].UTC(), Last: last[0].UTC()}, nil
}

// FindInWindow streams the events of a site (0 = all sites) whose timestamp
// falls in [from, to), in receipt order, batch by batch.
func FindInWindow(db *gorm.DB, siteID uint, from, to time.Time, batchSize int, fn func([]RawEvent) error) error {
	q := db.Model(&RawEvent{}).Where("timestamp >= ? AND timestamp < ?", from.UTC(), to.UTC())
	if siteID != 0 {
		q = q.Where("site_id = ?", siteID)
	}
	return scanOrdered(q, batchSize, fn)
}

// FindSessionPageviews streams every non-bot pageview of the given sessions,
// regardless of timestamp.
func FindSessionPageviews(db *gorm.DB, siteID uint, sessionIDs []string, batchSize int, fn func([]RawEvent) error) error {
	if batchSize < 1 {
		batchSize = 500
	}
	for start := 0; start < len(sessionIDs); start += batchSize {
		end := min(start+batchSize, len(sessionIDs))
		q := db.Model(&RawEvent{}).
			Where("site_id = ? AND type = ? AND bot = ? AND session_id IN ?",
				siteID, string(ingest.EventTypePageview), false, sessionIDs[start:end])
		if err := scanOrdered(q, batchSize, fn); err != nil {
			return err
		}
	}
	return nil
}

// SiteIDsInWindow lists the sites that have events in [from, to).
func SiteIDsInWindow(db *gorm.DB, from, to time.Time) ([]uint, error) {
	var ids []uint
	err := db.Model(&RawEvent{}).
		Where("timestamp >= ? AND timestamp < ?", from.UTC(), to.UTC()).
		Distinct("site_id").
		Order("site_id ASC").
		Pluck("site_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sites with events: %w", err)
	}
	return ids, nil
}

// CountEvents returns the number of raw events stored for a site.
func CountEvents(db *gorm.DB, siteID uint) (int64, error) {
	var n int64
	if err := db.Model(&RawEvent{}).Where("site_id = ?", siteID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// scanOrdered pages through q with keyset pagination on (created_at, id).
func scanOrdered(q *gorm.DB, batchSize int, fn func([]RawEvent) error) error {
	if batchSize < 1 {
		batchSize = 500
	}

	var lastCreated time.Time
	lastID := ""
	for {
		page := q.Session(&gorm.Session{})
		if lastID != "" {
			page = page.Where("(created_at > ? OR (created_at = ? AND id > ?))", lastCreated, lastCreated, lastID)
		}

		var batch []RawEvent
		if err := page.Order("created_at ASC, id ASC").Limit(batchSize).Find(&batch).Error; err != nil {
			return fmt.Errorf("failed to scan raw events: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		last := batch[len(batch)-1]
		lastCreated, lastID = last.CreatedAt, last.ID
	}
}
