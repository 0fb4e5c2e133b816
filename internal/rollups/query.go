package rollups

import (
	"fmt"

	"gorm.io/gorm"
)

// DimensionTotal is one value of a dimension summed over a date range.
// Visitors is the sum of per-day distinct counts, not a distinct count over
// the whole range.
type DimensionTotal struct {
	Value string `json:"value"`
	DimensionCounters
}

// QueryDaily returns the site's daily buckets for dates in [from, to), ordered by date.
func QueryDaily(db *gorm.DB, siteID uint, from, to string) ([]DailyRollup, error) {
	var rows []DailyRollup
	err := db.Where("site_id = ? AND date >= ? AND date < ?", siteID, from, to).
		Order("date").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query daily rollups: %w", err)
	}
	return rows, nil
}

// QueryHourly returns the site's hourly buckets for dates in [from, to).
func QueryHourly(db *gorm.DB, siteID uint, from, to string) ([]HourlyRollup, error) {
	var rows []HourlyRollup
	err := db.Where("site_id = ? AND date >= ? AND date < ?", siteID, from, to).
		Order("date, hour").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly rollups: %w", err)
	}
	return rows, nil
}

// QueryDimension sums a dimension's daily buckets per value for dates in
// [from, to), busiest values first.
func QueryDimension(db *gorm.DB, siteID uint, dimension, from, to string, limit int) ([]DimensionTotal, error) {
	var rows []DimensionTotal
	q := db.Table(TableDailyDimension).
		Select(`value,
			SUM(visitors) AS visitors,
			SUM(pageviews) AS pageviews,
			SUM(goals) AS goals,
			SUM(revenue) AS revenue,
			SUM(revenue_new) AS revenue_new,
			SUM(revenue_renewal) AS revenue_renewal,
			SUM(revenue_refund) AS revenue_refund`).
		Where("site_id = ? AND dimension = ? AND date >= ? AND date < ?", siteID, dimension, from, to).
		Group("value").
		Order("pageviews DESC, goals DESC, value")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query %s rollups: %w", dimension, err)
	}
	return rows, nil
}

// Totals sums the daily buckets for dates in [from, to).
func Totals(db *gorm.DB, siteID uint, from, to string) (Delta, error) {
	var total Delta
	err := db.Table(TableDaily).
		Select(`COALESCE(SUM(visitors), 0) AS visitors,
			COALESCE(SUM(sessions), 0) AS sessions,
			COALESCE(SUM(bounced_sessions), 0) AS bounced_sessions,
			COALESCE(SUM(session_duration_ms), 0) AS session_duration_ms,
			COALESCE(SUM(pageviews), 0) AS pageviews,
			COALESCE(SUM(goals), 0) AS goals,
			COALESCE(SUM(revenue), 0) AS revenue,
			COALESCE(SUM(revenue_new), 0) AS revenue_new,
			COALESCE(SUM(revenue_renewal), 0) AS revenue_renewal,
			COALESCE(SUM(revenue_refund), 0) AS revenue_refund`).
		Where("site_id = ? AND date >= ? AND date < ?", siteID, from, to).
		Scan(&total).Error
	if err != nil {
		return Delta{}, fmt.Errorf("failed to total rollups: %w", err)
	}
	return total, nil
}
