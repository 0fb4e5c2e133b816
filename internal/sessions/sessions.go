// Package sessions derives bounce and duration counters from the pageviews
// of a session. A session is credited to the bucket holding its first
// pageview; when an earlier pageview arrives late, the whole contribution
// moves.
package sessions

import (
	"time"

	"tally/internal/rollups"
)

// Key identifies a session.
type Key struct {
	SiteID    uint
	SessionID string
	VisitorID string
}

// State is the folded view of a session's pageviews. The zero value is the
// absent state.
type State struct {
	Pageviews int
	First     time.Time
	Last      time.Time
}

// Open reports whether at least one pageview has been seen.
func (s State) Open() bool {
	return s.Pageviews > 0
}

// Observe folds one more pageview into s.
func (s State) Observe(ts time.Time) State {
	ts = ts.UTC()
	if !s.Open() {
		return State{Pageviews: 1, First: ts, Last: ts}
	}
	next := s
	next.Pageviews++
	if ts.Before(next.First) {
		next.First = ts
	}
	if ts.After(next.Last) {
		next.Last = ts
	}
	return next
}

// Replay folds pageview timestamps in any order into a state.
func Replay(timestamps []time.Time) State {
	var s State
	for _, ts := range timestamps {
		s = s.Observe(ts)
	}
	return s
}

// Duration is last - first.
func (s State) Duration() time.Duration {
	if !s.Open() {
		return 0
	}
	return s.Last.Sub(s.First)
}

// Bounced reports whether the session has a single pageview.
func (s State) Bounced() bool {
	return s.Pageviews == 1
}

// Contribution is everything an open session adds to its bucket.
func Contribution(s State) rollups.KeyedDelta {
	if !s.Open() {
		return rollups.KeyedDelta{}
	}
	d := rollups.Delta{
		Sessions:          1,
		SessionDurationMs: s.Duration().Milliseconds(),
	}
	if s.Bounced() {
		d.BouncedSessions = 1
	}
	return rollups.KeyedDelta{Bucket: rollups.BucketFor(s.First), Delta: d}
}

// Transition returns the deltas that move the stored contribution of old to
// that of next. Within one bucket it is a single difference; when the first
// pageview changes bucket, old is retracted in full and next applied in full.
// The deltas must be applied together.
func Transition(old, next State) []rollups.KeyedDelta {
	if !next.Open() {
		if !old.Open() {
			return nil
		}
		prev := Contribution(old)
		return []rollups.KeyedDelta{{Bucket: prev.Bucket, Delta: prev.Delta.Neg()}}
	}

	cur := Contribution(next)
	if !old.Open() {
		return []rollups.KeyedDelta{cur}
	}

	prev := Contribution(old)
	if prev.Bucket == cur.Bucket {
		diff := cur.Delta.Add(prev.Delta.Neg())
		if diff.IsZero() {
			return nil
		}
		return []rollups.KeyedDelta{{Bucket: cur.Bucket, Delta: diff}}
	}

	return []rollups.KeyedDelta{
		{Bucket: prev.Bucket, Delta: prev.Delta.Neg()},
		cur,
	}
}
