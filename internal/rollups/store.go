package rollups

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var plainCounterColumns = []string{
	"visitors", "sessions", "bounced_sessions", "session_duration_ms", "pageviews",
	"goals", "revenue", "revenue_new", "revenue_renewal", "revenue_refund",
}

var dimensionCounterColumns = []string{
	"visitors", "pageviews", "goals", "revenue", "revenue_new", "revenue_renewal", "revenue_refund",
}

var (
	upsertDailySQL           = upsertAddSQL(TableDaily, []string{"site_id", "date"}, plainCounterColumns)
	upsertHourlySQL          = upsertAddSQL(TableHourly, []string{"site_id", "date", "hour"}, plainCounterColumns)
	upsertDailyDimensionSQL  = upsertAddSQL(TableDailyDimension, []string{"site_id", "date", "dimension", "value"}, dimensionCounterColumns)
	upsertHourlyDimensionSQL = upsertAddSQL(TableHourlyDimension, []string{"site_id", "date", "hour", "dimension", "value"}, dimensionCounterColumns)
)

const insertPresenceSQL = `
	INSERT INTO visitor_presence (site_id, granularity, bucket, visitor_id)
	VALUES (?, ?, ?, ?)
	ON CONFLICT DO NOTHING
`

// upsertAddSQL builds an INSERT that adds the given counters onto an existing
// row instead of overwriting it.
func upsertAddSQL(table string, keys, counters []string) string {
	columns := append(append([]string{}, keys...), counters...)
	columns = append(columns, "updated_at")
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")

	sets := make([]string, 0, len(counters)+1)
	for _, c := range counters {
		sets = append(sets, fmt.Sprintf("%s = %s.%s + excluded.%s", c, table, c, c))
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(columns, ", "), placeholders, strings.Join(keys, ", "), strings.Join(sets, ", "))
}

func plainArgs(d Delta) []any {
	return []any{
		d.Visitors, d.Sessions, d.BouncedSessions, d.SessionDurationMs, d.Pageviews,
		d.Goals, d.Revenue, d.RevenueNew, d.RevenueRenewal, d.RevenueRefund,
	}
}

func dimensionArgs(c DimensionCounters) []any {
	return []any{c.Visitors, c.Pageviews, c.Goals, c.Revenue, c.RevenueNew, c.RevenueRenewal, c.RevenueRefund}
}

// ApplyDelta adds kd to the site's daily and hourly plain buckets. Zero deltas
// are no-ops.
func ApplyDelta(tx *gorm.DB, siteID uint, kd KeyedDelta) error {
	if kd.Delta.IsZero() {
		return nil
	}
	now := time.Now().UTC()
	b := kd.Bucket

	args := append([]any{siteID, b.Date}, plainArgs(kd.Delta)...)
	if err := tx.Exec(upsertDailySQL, append(args, now)...).Error; err != nil {
		return fmt.Errorf("failed to update daily rollup: %w", err)
	}

	args = append([]any{siteID, b.Date, b.Hour}, plainArgs(kd.Delta)...)
	if err := tx.Exec(upsertHourlySQL, append(args, now)...).Error; err != nil {
		return fmt.Errorf("failed to update hourly rollup: %w", err)
	}
	return nil
}

// ApplyDimensionDelta adds c to the daily and hourly buckets of one
// (dimension, value).
func ApplyDimensionDelta(tx *gorm.DB, siteID uint, b Bucket, dim Dimension, c DimensionCounters) error {
	if c.IsZero() {
		return nil
	}
	now := time.Now().UTC()

	args := append([]any{siteID, b.Date, dim.Name, dim.Value}, dimensionArgs(c)...)
	if err := tx.Exec(upsertDailyDimensionSQL, append(args, now)...).Error; err != nil {
		return fmt.Errorf("failed to update daily %s rollup: %w", dim.Name, err)
	}

	args = append([]any{siteID, b.Date, b.Hour, dim.Name, dim.Value}, dimensionArgs(c)...)
	if err := tx.Exec(upsertHourlyDimensionSQL, append(args, now)...).Error; err != nil {
		return fmt.Errorf("failed to update hourly %s rollup: %w", dim.Name, err)
	}
	return nil
}

// ApplyEvent writes an event's delta to the plain bucket and to every
// dimension bucket it yields.
func ApplyEvent(tx *gorm.DB, siteID uint, b Bucket, dims []Dimension, d Delta) error {
	if err := ApplyDelta(tx, siteID, KeyedDelta{Bucket: b, Delta: d}); err != nil {
		return err
	}
	counters := d.Dimensional()
	for _, dim := range dims {
		if err := ApplyDimensionDelta(tx, siteID, b, dim, counters); err != nil {
			return err
		}
	}
	return nil
}

// ApplyPresence marks visitorID present in the plain bucket at both
// granularities. A first sighting adds one visitor to the plain row and to
// the rows of every dimension the sighting event yields, so the visitors of
// one dimension always sum to the plain bucket's visitors.
func ApplyPresence(tx *gorm.DB, siteID uint, b Bucket, dims []Dimension, visitorID string) error {
	if visitorID == "" {
		return nil
	}

	for _, gran := range []string{Daily, Hourly} {
		res := tx.Exec(insertPresenceSQL, siteID, gran, b.PresenceKey(gran), visitorID)
		if res.Error != nil {
			return fmt.Errorf("failed to record visitor presence: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		if err := bumpVisitors(tx, siteID, gran, b, dims); err != nil {
			return err
		}
	}
	return nil
}

func bumpVisitors(tx *gorm.DB, siteID uint, gran string, b Bucket, dims []Dimension) error {
	now := time.Now().UTC()
	plain := Delta{Visitors: 1}
	counters := plain.Dimensional()

	var err error
	if gran == Daily {
		err = tx.Exec(upsertDailySQL, append(append([]any{siteID, b.Date}, plainArgs(plain)...), now)...).Error
	} else {
		err = tx.Exec(upsertHourlySQL, append(append([]any{siteID, b.Date, b.Hour}, plainArgs(plain)...), now)...).Error
	}
	if err != nil {
		return fmt.Errorf("failed to count visitor: %w", err)
	}

	for _, dim := range dims {
		if gran == Daily {
			err = tx.Exec(upsertDailyDimensionSQL, append(append([]any{siteID, b.Date, dim.Name, dim.Value}, dimensionArgs(counters)...), now)...).Error
		} else {
			err = tx.Exec(upsertHourlyDimensionSQL, append(append([]any{siteID, b.Date, b.Hour, dim.Name, dim.Value}, dimensionArgs(counters)...), now)...).Error
		}
		if err != nil {
			return fmt.Errorf("failed to count %s visitor: %w", dim.Name, err)
		}
	}
	return nil
}
