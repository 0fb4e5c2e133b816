package rebuild

import (
	"context"
	"time"

	"gorm.io/gorm"

	"tally/internal/events"
	"tally/internal/rollups"
	"tally/internal/sessions"
)

type dimKey struct {
	Date      string
	Hour      int
	Dimension string
	Value     string
}

// Arena accumulates the recomputed rollups of one site over one window. It
// lives for a single rebuild invocation and is never shared.
type Arena struct {
	SiteID uint

	from, to time.Time

	daily     map[string]rollups.Delta
	hourly    map[rollups.Bucket]rollups.Delta
	dailyDim  map[dimKey]rollups.DimensionCounters
	hourlyDim map[dimKey]rollups.DimensionCounters
	presence  map[rollups.VisitorPresence]struct{}
	sessions  map[string]struct{}

	EventsProcessed  int64
	BotEventsSkipped int64
}

func NewArena(siteID uint, from, to time.Time) *Arena {
	return &Arena{
		SiteID:    siteID,
		from:      from,
		to:        to,
		daily:     make(map[string]rollups.Delta),
		hourly:    make(map[rollups.Bucket]rollups.Delta),
		dailyDim:  make(map[dimKey]rollups.DimensionCounters),
		hourlyDim: make(map[dimKey]rollups.DimensionCounters),
		presence:  make(map[rollups.VisitorPresence]struct{}),
		sessions:  make(map[string]struct{}),
	}
}

// Observe replays one in-window event through the extractors. Session
// counters are added later by CompleteSessions.
func (a *Arena) Observe(raw *events.RawEvent) {
	if raw.Bot {
		a.BotEventsSkipped++
		return
	}
	a.EventsProcessed++

	fact := raw.Fact()
	bucket := rollups.BucketFor(raw.Timestamp)
	dims := rollups.ExtractDimensions(fact)

	delta := rollups.ExtractMetrics(fact)
	a.addDelta(rollups.KeyedDelta{Bucket: bucket, Delta: delta})
	counters := delta.Dimensional()
	for _, dim := range dims {
		a.addDimension(bucket, dim, counters)
	}
	a.markPresent(bucket, dims, raw.VisitorID)

	if raw.IsSessionPageview() {
		a.sessions[raw.SessionID] = struct{}{}
	}
}

// SessionIDs returns the sessions with at least one pageview in the window.
func (a *Arena) SessionIDs() []string {
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CompleteSessions folds every pageview of the given sessions, including
// those outside the window, and credits the sessions whose first pageview
// falls inside the window.
func (a *Arena) CompleteSessions(pageviews []events.RawEvent) {
	times := make(map[sessions.Key][]time.Time)
	for i := range pageviews {
		pv := &pageviews[i]
		if !pv.IsSessionPageview() {
			continue
		}
		key := sessions.Key{SiteID: pv.SiteID, SessionID: pv.SessionID, VisitorID: pv.VisitorID}
		times[key] = append(times[key], pv.Timestamp)
	}

	for _, ts := range times {
		state := sessions.Replay(ts)
		if state.First.Before(a.from) || !state.First.Before(a.to) {
			continue
		}
		a.addDelta(sessions.Contribution(state))
	}
}

func (a *Arena) addDelta(kd rollups.KeyedDelta) {
	if kd.Delta.IsZero() {
		return
	}
	a.daily[kd.Bucket.Date] = a.daily[kd.Bucket.Date].Add(kd.Delta)
	a.hourly[kd.Bucket] = a.hourly[kd.Bucket].Add(kd.Delta)
}

func (a *Arena) addDimension(b rollups.Bucket, dim rollups.Dimension, c rollups.DimensionCounters) {
	if c.IsZero() {
		return
	}
	dk := dimKey{Date: b.Date, Dimension: dim.Name, Value: dim.Value}
	a.dailyDim[dk] = a.dailyDim[dk].Add(c)
	hk := dimKey{Date: b.Date, Hour: b.Hour, Dimension: dim.Name, Value: dim.Value}
	a.hourlyDim[hk] = a.hourlyDim[hk].Add(c)
}

// markPresent mirrors rollups.ApplyPresence: the event that first brings a
// visitor into a bucket credits the plain row and each of its dimensions.
func (a *Arena) markPresent(b rollups.Bucket, dims []rollups.Dimension, visitorID string) {
	if visitorID == "" {
		return
	}
	visitor := rollups.Delta{Visitors: 1}
	counters := visitor.Dimensional()

	for _, gran := range []string{rollups.Daily, rollups.Hourly} {
		key := rollups.VisitorPresence{
			SiteID:      a.SiteID,
			Granularity: gran,
			Bucket:      b.PresenceKey(gran),
			VisitorID:   visitorID,
		}
		if _, seen := a.presence[key]; seen {
			continue
		}
		a.presence[key] = struct{}{}

		if gran == rollups.Daily {
			a.daily[b.Date] = a.daily[b.Date].Add(visitor)
		} else {
			a.hourly[b] = a.hourly[b].Add(visitor)
		}
		for _, dim := range dims {
			k := dimKey{Date: b.Date, Dimension: dim.Name, Value: dim.Value}
			if gran == rollups.Daily {
				a.dailyDim[k] = a.dailyDim[k].Add(counters)
			} else {
				k.Hour = b.Hour
				a.hourlyDim[k] = a.hourlyDim[k].Add(counters)
			}
		}
	}
}

// RowSet is the complete replacement content of a window.
type RowSet struct {
	Daily           []rollups.DailyRollup
	Hourly          []rollups.HourlyRollup
	DailyDimension  []rollups.DailyDimensionRollup
	HourlyDimension []rollups.HourlyDimensionRollup
	Presence        []rollups.VisitorPresence
}

// Rows materializes the arena. now stamps updated_at.
func (a *Arena) Rows(now time.Time) RowSet {
	var rs RowSet
	for date, d := range a.daily {
		rs.Daily = append(rs.Daily, rollups.DailyRollup{SiteID: a.SiteID, Date: date, Delta: d, UpdatedAt: now})
	}
	for b, d := range a.hourly {
		rs.Hourly = append(rs.Hourly, rollups.HourlyRollup{SiteID: a.SiteID, Date: b.Date, Hour: b.Hour, Delta: d, UpdatedAt: now})
	}
	for k, c := range a.dailyDim {
		rs.DailyDimension = append(rs.DailyDimension, rollups.DailyDimensionRollup{
			SiteID: a.SiteID, Date: k.Date, Dimension: k.Dimension, Value: k.Value,
			DimensionCounters: c, UpdatedAt: now,
		})
	}
	for k, c := range a.hourlyDim {
		rs.HourlyDimension = append(rs.HourlyDimension, rollups.HourlyDimensionRollup{
			SiteID: a.SiteID, Date: k.Date, Hour: k.Hour, Dimension: k.Dimension, Value: k.Value,
			DimensionCounters: c, UpdatedAt: now,
		})
	}
	for p := range a.presence {
		rs.Presence = append(rs.Presence, p)
	}
	return rs
}

// Merge appends o to rs.
func (rs *RowSet) Merge(o RowSet) {
	rs.Daily = append(rs.Daily, o.Daily...)
	rs.Hourly = append(rs.Hourly, o.Hourly...)
	rs.DailyDimension = append(rs.DailyDimension, o.DailyDimension...)
	rs.HourlyDimension = append(rs.HourlyDimension, o.HourlyDimension...)
	rs.Presence = append(rs.Presence, o.Presence...)
}

// buildArena replays a site's window from the raw log.
func buildArena(ctx context.Context, db *gorm.DB, siteID uint, from, to time.Time, batchSize int) (*Arena, error) {
	arena := NewArena(siteID, from, to)
	db = db.WithContext(ctx)

	err := events.FindInWindow(db, siteID, from, to, batchSize, func(batch []events.RawEvent) error {
		for i := range batch {
			arena.Observe(&batch[i])
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	var pageviews []events.RawEvent
	err = events.FindSessionPageviews(db, siteID, arena.SessionIDs(), batchSize, func(batch []events.RawEvent) error {
		pageviews = append(pageviews, batch...)
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	arena.CompleteSessions(pageviews)
	return arena, nil
}
