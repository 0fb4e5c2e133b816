package rebuild

import (
	"fmt"
	"sort"

	"gorm.io/gorm"

	"tally/internal/rollups"
)

// Mismatch is one differing (row, field) pair. Missing rows have Stored 0,
// unexpected rows have Expected 0.
type Mismatch struct {
	Table    string `json:"table"`
	Key      string `json:"key"`
	Field    string `json:"field"`
	Expected int64  `json:"expected"`
	Stored   int64  `json:"stored"`
}

// TableSummary counts rows per outcome for one table.
type TableSummary struct {
	ExpectedRows int `json:"expected_rows"`
	StoredRows   int `json:"stored_rows"`
	Missing      int `json:"missing"`
	Unexpected   int `json:"unexpected"`
	Mismatched   int `json:"mismatched"`
}

// Diff is the outcome of comparing stored rollups with the raw log. Samples
// holds at most the configured number of mismatches; Total counts them all.
type Diff struct {
	Samples []Mismatch               `json:"samples"`
	Tables  map[string]*TableSummary `json:"tables"`
	Total   int                      `json:"total"`
}

// Clean reports whether stored and recomputed rollups agree.
func (d *Diff) Clean() bool {
	return d.Total == 0
}

var plainFields = []string{
	"visitors", "sessions", "bounced_sessions", "session_duration_ms", "pageviews",
	"goals", "revenue", "revenue_new", "revenue_renewal", "revenue_refund",
}

var dimensionFields = []string{
	"visitors", "pageviews", "goals", "revenue", "revenue_new", "revenue_renewal", "revenue_refund",
}

var presenceFields = []string{"present"}

func plainValues(d rollups.Delta) []int64 {
	return []int64{
		d.Visitors, d.Sessions, d.BouncedSessions, d.SessionDurationMs, d.Pageviews,
		d.Goals, d.Revenue, d.RevenueNew, d.RevenueRenewal, d.RevenueRefund,
	}
}

func dimensionValues(c rollups.DimensionCounters) []int64 {
	return []int64{c.Visitors, c.Pageviews, c.Goals, c.Revenue, c.RevenueNew, c.RevenueRenewal, c.RevenueRefund}
}

type table struct {
	name   string
	fields []string
	rows   map[string][]int64
}

func dailyKey(siteID uint, date string) string {
	return fmt.Sprintf("site=%d date=%s", siteID, date)
}

func hourlyKey(siteID uint, date string, hour int) string {
	return fmt.Sprintf("site=%d date=%s hour=%02d", siteID, date, hour)
}

func dimensionKey(base, dimension, value string) string {
	return fmt.Sprintf("%s %s=%q", base, dimension, value)
}

func presenceKey(p rollups.VisitorPresence) string {
	return fmt.Sprintf("site=%d %s=%s visitor=%q", p.SiteID, p.Granularity, p.Bucket, p.VisitorID)
}

// tables indexes a row set by comparison key. All-zero rows are left out:
// they carry no counts and the live path can leave them behind.
func (rs RowSet) tables() []table {
	daily := table{name: rollups.TableDaily, fields: plainFields, rows: map[string][]int64{}}
	for _, r := range rs.Daily {
		if !r.Delta.IsZero() {
			daily.rows[dailyKey(r.SiteID, r.Date)] = plainValues(r.Delta)
		}
	}
	hourly := table{name: rollups.TableHourly, fields: plainFields, rows: map[string][]int64{}}
	for _, r := range rs.Hourly {
		if !r.Delta.IsZero() {
			hourly.rows[hourlyKey(r.SiteID, r.Date, r.Hour)] = plainValues(r.Delta)
		}
	}
	dailyDim := table{name: rollups.TableDailyDimension, fields: dimensionFields, rows: map[string][]int64{}}
	for _, r := range rs.DailyDimension {
		if !r.DimensionCounters.IsZero() {
			dailyDim.rows[dimensionKey(dailyKey(r.SiteID, r.Date), r.Dimension, r.Value)] = dimensionValues(r.DimensionCounters)
		}
	}
	hourlyDim := table{name: rollups.TableHourlyDimension, fields: dimensionFields, rows: map[string][]int64{}}
	for _, r := range rs.HourlyDimension {
		if !r.DimensionCounters.IsZero() {
			hourlyDim.rows[dimensionKey(hourlyKey(r.SiteID, r.Date, r.Hour), r.Dimension, r.Value)] = dimensionValues(r.DimensionCounters)
		}
	}
	presence := table{name: rollups.TablePresence, fields: presenceFields, rows: map[string][]int64{}}
	for _, p := range rs.Presence {
		presence.rows[presenceKey(p)] = []int64{1}
	}
	return []table{daily, hourly, dailyDim, hourlyDim, presence}
}

// loadStored reads the window's stored rows.
func loadStored(db *gorm.DB, opts Options) (RowSet, error) {
	var rs RowSet
	if err := db.Scopes(windowScope(opts, "date")).Find(&rs.Daily).Error; err != nil {
		return rs, fmt.Errorf("failed to load daily rollups: %w", err)
	}
	if err := db.Scopes(windowScope(opts, "date")).Find(&rs.Hourly).Error; err != nil {
		return rs, fmt.Errorf("failed to load hourly rollups: %w", err)
	}
	if err := db.Scopes(windowScope(opts, "date")).Find(&rs.DailyDimension).Error; err != nil {
		return rs, fmt.Errorf("failed to load daily dimension rollups: %w", err)
	}
	if err := db.Scopes(windowScope(opts, "date")).Find(&rs.HourlyDimension).Error; err != nil {
		return rs, fmt.Errorf("failed to load hourly dimension rollups: %w", err)
	}
	if err := db.Scopes(windowScope(opts, "bucket")).Find(&rs.Presence).Error; err != nil {
		return rs, fmt.Errorf("failed to load visitor presence: %w", err)
	}
	return rs, nil
}

func (e *Engine) diff(db *gorm.DB, opts Options, expected RowSet) (*Diff, error) {
	stored, err := loadStored(db, opts)
	if err != nil {
		return nil, err
	}
	return compare(expected, stored, e.cfg.SampleLimit), nil
}

// compare reports every difference between expected and stored, sampling at
// most limit mismatches in key order.
func compare(expected, stored RowSet, limit int) *Diff {
	diff := &Diff{Tables: map[string]*TableSummary{}, Samples: []Mismatch{}}

	storedTables := stored.tables()
	for i, exp := range expected.tables() {
		got := storedTables[i]
		summary := &TableSummary{ExpectedRows: len(exp.rows), StoredRows: len(got.rows)}
		diff.Tables[exp.name] = summary

		keys := make([]string, 0, len(exp.rows)+len(got.rows))
		for k := range exp.rows {
			keys = append(keys, k)
		}
		for k := range got.rows {
			if _, ok := exp.rows[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		zero := make([]int64, len(exp.fields))
		for _, k := range keys {
			want, inExpected := exp.rows[k]
			have, inStored := got.rows[k]
			switch {
			case !inStored:
				summary.Missing++
				have = zero
			case !inExpected:
				summary.Unexpected++
				want = zero
			}

			rowDiffers := false
			for f, field := range exp.fields {
				if want[f] == have[f] {
					continue
				}
				rowDiffers = true
				diff.Total++
				if len(diff.Samples) < limit {
					diff.Samples = append(diff.Samples, Mismatch{
						Table: exp.name, Key: k, Field: field, Expected: want[f], Stored: have[f],
					})
				}
			}
			if rowDiffers && inExpected && inStored {
				summary.Mismatched++
			}
		}
	}
	return diff
}
