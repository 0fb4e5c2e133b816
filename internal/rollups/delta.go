// Package rollups holds the pre-aggregated counter tables and the pure
// functions that turn one event into counter deltas.
package rollups

import (
	"fmt"
	"time"
)

// Placeholders for absent dimension values.
const (
	NotSet  = "not set"
	Unknown = "unknown"
)

// Dimension names.
const (
	DimPage           = "page"
	DimReferrerDomain = "referrer_domain"
	DimUTMSource      = "utm_source"
	DimUTMCampaign    = "utm_campaign"
	DimCountry        = "country"
	DimRegion         = "region"
	DimCity           = "city"
	DimDevice         = "device"
	DimBrowser        = "browser"
	DimGoal           = "goal"
)

// Dimensions lists every dimension in a stable order.
var Dimensions = []string{
	DimPage, DimReferrerDomain, DimUTMSource, DimUTMCampaign,
	DimCountry, DimRegion, DimCity, DimDevice, DimBrowser, DimGoal,
}

// Granularities
const (
	Daily  = "day"
	Hourly = "hour"
)

// Delta is a signed change to a bucket's counters. SessionDurationMs is a sum;
// average duration is SessionDurationMs / Sessions.
type Delta struct {
	Visitors          int64 `gorm:"not null;default:0" json:"visitors"`
	Sessions          int64 `gorm:"not null;default:0" json:"sessions"`
	BouncedSessions   int64 `gorm:"not null;default:0" json:"bounced_sessions"`
	SessionDurationMs int64 `gorm:"not null;default:0" json:"session_duration_ms"`
	Pageviews         int64 `gorm:"not null;default:0" json:"pageviews"`
	Goals             int64 `gorm:"not null;default:0" json:"goals"`
	Revenue           int64 `gorm:"not null;default:0" json:"revenue"`
	RevenueNew        int64 `gorm:"not null;default:0" json:"revenue_new"`
	RevenueRenewal    int64 `gorm:"not null;default:0" json:"revenue_renewal"`
	RevenueRefund     int64 `gorm:"not null;default:0" json:"revenue_refund"`
}

// IsZero reports whether applying d would change nothing.
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// Add returns d + o.
func (d Delta) Add(o Delta) Delta {
	return Delta{
		Visitors:          d.Visitors + o.Visitors,
		Sessions:          d.Sessions + o.Sessions,
		BouncedSessions:   d.BouncedSessions + o.BouncedSessions,
		SessionDurationMs: d.SessionDurationMs + o.SessionDurationMs,
		Pageviews:         d.Pageviews + o.Pageviews,
		Goals:             d.Goals + o.Goals,
		Revenue:           d.Revenue + o.Revenue,
		RevenueNew:        d.RevenueNew + o.RevenueNew,
		RevenueRenewal:    d.RevenueRenewal + o.RevenueRenewal,
		RevenueRefund:     d.RevenueRefund + o.RevenueRefund,
	}
}

// Neg returns -d.
func (d Delta) Neg() Delta {
	return Delta{
		Visitors:          -d.Visitors,
		Sessions:          -d.Sessions,
		BouncedSessions:   -d.BouncedSessions,
		SessionDurationMs: -d.SessionDurationMs,
		Pageviews:         -d.Pageviews,
		Goals:             -d.Goals,
		Revenue:           -d.Revenue,
		RevenueNew:        -d.RevenueNew,
		RevenueRenewal:    -d.RevenueRenewal,
		RevenueRefund:     -d.RevenueRefund,
	}
}

// Dimensional drops the session counters, which dimension tables do not carry.
func (d Delta) Dimensional() DimensionCounters {
	return DimensionCounters{
		Visitors:       d.Visitors,
		Pageviews:      d.Pageviews,
		Goals:          d.Goals,
		Revenue:        d.Revenue,
		RevenueNew:     d.RevenueNew,
		RevenueRenewal: d.RevenueRenewal,
		RevenueRefund:  d.RevenueRefund,
	}
}

// DimensionCounters are the counters kept per (dimension, value).
type DimensionCounters struct {
	Visitors       int64 `gorm:"not null;default:0" json:"visitors"`
	Pageviews      int64 `gorm:"not null;default:0" json:"pageviews"`
	Goals          int64 `gorm:"not null;default:0" json:"goals"`
	Revenue        int64 `gorm:"not null;default:0" json:"revenue"`
	RevenueNew     int64 `gorm:"not null;default:0" json:"revenue_new"`
	RevenueRenewal int64 `gorm:"not null;default:0" json:"revenue_renewal"`
	RevenueRefund  int64 `gorm:"not null;default:0" json:"revenue_refund"`
}

// IsZero reports whether applying c would change nothing.
func (c DimensionCounters) IsZero() bool {
	return c == DimensionCounters{}
}

// Add returns c + o.
func (c DimensionCounters) Add(o DimensionCounters) DimensionCounters {
	return DimensionCounters{
		Visitors:       c.Visitors + o.Visitors,
		Pageviews:      c.Pageviews + o.Pageviews,
		Goals:          c.Goals + o.Goals,
		Revenue:        c.Revenue + o.Revenue,
		RevenueNew:     c.RevenueNew + o.RevenueNew,
		RevenueRenewal: c.RevenueRenewal + o.RevenueRenewal,
		RevenueRefund:  c.RevenueRefund + o.RevenueRefund,
	}
}

// Bucket is the UTC hour an event falls into. The daily bucket is Date.
type Bucket struct {
	Date string
	Hour int
}

const dateLayout = "2006-01-02"

// BucketFor returns the bucket holding ts, in UTC.
func BucketFor(ts time.Time) Bucket {
	u := ts.UTC()
	return Bucket{Date: u.Format(dateLayout), Hour: u.Hour()}
}

// Start returns the first instant of the hourly bucket.
func (b Bucket) Start() time.Time {
	d, err := time.Parse(dateLayout, b.Date)
	if err != nil {
		return time.Time{}
	}
	return d.Add(time.Duration(b.Hour) * time.Hour)
}

// HourKey identifies the hourly bucket as a single string.
func (b Bucket) HourKey() string {
	return fmt.Sprintf("%sT%02d", b.Date, b.Hour)
}

// PresenceKey is the visitor presence bucket at granularity gran.
func (b Bucket) PresenceKey(gran string) string {
	if gran == Hourly {
		return b.HourKey()
	}
	return b.Date
}

// KeyedDelta is a delta addressed to a bucket. Applying one writes it to both
// the daily and the hourly table.
type KeyedDelta struct {
	Bucket Bucket
	Delta  Delta
}

// Dimension is a (name, value) pair an event is counted under.
type Dimension struct {
	Name  string
	Value string
}
