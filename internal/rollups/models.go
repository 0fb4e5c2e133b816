package rollups

import "time"

// DailyRollup is the plain per-day bucket of a site.
type DailyRollup struct {
	SiteID    uint   `gorm:"primaryKey;autoIncrement:false" json:"site_id"`
	Date      string `gorm:"primaryKey;size:10" json:"date"`
	Delta     `gorm:"embedded"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HourlyRollup is the plain per-hour bucket of a site.
type HourlyRollup struct {
	SiteID    uint   `gorm:"primaryKey;autoIncrement:false" json:"site_id"`
	Date      string `gorm:"primaryKey;size:10" json:"date"`
	Hour      int    `gorm:"primaryKey;autoIncrement:false" json:"hour"`
	Delta     `gorm:"embedded"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DailyDimensionRollup is the per-day bucket of one (dimension, value).
type DailyDimensionRollup struct {
	SiteID            uint   `gorm:"primaryKey;autoIncrement:false" json:"site_id"`
	Date              string `gorm:"primaryKey;size:10" json:"date"`
	Dimension         string `gorm:"primaryKey;size:32" json:"dimension"`
	Value             string `gorm:"primaryKey" json:"value"`
	DimensionCounters `gorm:"embedded"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// HourlyDimensionRollup is the per-hour bucket of one (dimension, value).
type HourlyDimensionRollup struct {
	SiteID            uint   `gorm:"primaryKey;autoIncrement:false" json:"site_id"`
	Date              string `gorm:"primaryKey;size:10" json:"date"`
	Hour              int    `gorm:"primaryKey;autoIncrement:false" json:"hour"`
	Dimension         string `gorm:"primaryKey;size:32" json:"dimension"`
	Value             string `gorm:"primaryKey" json:"value"`
	DimensionCounters `gorm:"embedded"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// VisitorPresence records that a visitor has been counted in a plain
// bucket. Bucket is Bucket.PresenceKey(Granularity).
type VisitorPresence struct {
	SiteID      uint   `gorm:"primaryKey;autoIncrement:false"`
	Granularity string `gorm:"primaryKey;size:4"`
	Bucket      string `gorm:"primaryKey;size:13"`
	VisitorID   string `gorm:"primaryKey;size:128"`
}

func (VisitorPresence) TableName() string {
	return "visitor_presence"
}

// Table names, used by raw SQL and the rebuild engine.
const (
	TableDaily           = "daily_rollups"
	TableHourly          = "hourly_rollups"
	TableDailyDimension  = "daily_dimension_rollups"
	TableHourlyDimension = "hourly_dimension_rollups"
	TablePresence        = "visitor_presence"
)

// Models returns the rollup models for migration.
func Models() []any {
	return []any{
		&DailyRollup{},
		&HourlyRollup{},
		&DailyDimensionRollup{},
		&HourlyDimensionRollup{},
		&VisitorPresence{},
	}
}
