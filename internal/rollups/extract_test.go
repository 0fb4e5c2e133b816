package rollups

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tally/internal/ingest"
)

func TestExtractMetrics(t *testing.T) {
	tests := []struct {
		name string
		fact Fact
		want Delta
	}{
		{"pageview", Fact{Type: ingest.EventTypePageview}, Delta{Pageviews: 1}},
		{"goal", Fact{Type: ingest.EventTypeGoal, Name: "signup"}, Delta{Goals: 1}},
		{"identify", Fact{Type: ingest.EventTypeIdentify, Metadata: map[string]any{"user_id": "u1"}}, Delta{}},
		{
			"payment defaults to new",
			Fact{Type: ingest.EventTypePayment, Metadata: map[string]any{"amount": json.Number("4900")}},
			Delta{Revenue: 4900, RevenueNew: 4900},
		},
		{
			"renewal",
			Fact{Type: ingest.EventTypePayment, Metadata: map[string]any{"amount": "1200", "event_type": "renewal"}},
			Delta{Revenue: 1200, RevenueRenewal: 1200},
		},
		{
			"refund adds to gross revenue",
			Fact{Type: ingest.EventTypePayment, Metadata: map[string]any{"amount": 300.0, "event_type": "Refund"}},
			Delta{Revenue: 300, RevenueRefund: 300},
		},
		{
			"unknown type counts toward revenue only",
			Fact{Type: ingest.EventTypePayment, Metadata: map[string]any{"amount": 50, "event_type": "chargeback"}},
			Delta{Revenue: 50},
		},
		{
			"negative amount",
			Fact{Type: ingest.EventTypePayment, Metadata: map[string]any{"amount": json.Number("-5")}},
			Delta{},
		},
		{
			"fractional amount",
			Fact{Type: ingest.EventTypePayment, Metadata: map[string]any{"amount": "9.99"}},
			Delta{},
		},
		{
			"missing amount",
			Fact{Type: ingest.EventTypePayment, Metadata: map[string]any{}},
			Delta{},
		},
		{
			"non numeric amount",
			Fact{Type: ingest.EventTypePayment, Metadata: map[string]any{"amount": "lots"}},
			Delta{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMetrics(tt.fact))
		})
	}
}

func TestExtractDimensionsPlaceholders(t *testing.T) {
	dims := ExtractDimensions(Fact{Type: ingest.EventTypePageview})

	assert.Len(t, dims, 9)
	want := map[string]string{
		DimPage:           NotSet,
		DimReferrerDomain: NotSet,
		DimUTMSource:      NotSet,
		DimUTMCampaign:    NotSet,
		DimCountry:        Unknown,
		DimRegion:         Unknown,
		DimCity:           Unknown,
		DimDevice:         Unknown,
		DimBrowser:        Unknown,
	}
	for _, d := range dims {
		assert.Equal(t, want[d.Name], d.Value, d.Name)
	}
}

func TestExtractDimensionsGoalOnlyForGoals(t *testing.T) {
	fact := Fact{
		Type:           ingest.EventTypeGoal,
		Name:           "signup",
		Path:           "/pricing",
		ReferrerDomain: "news.ycombinator.com",
		UTMSource:      "hn",
		Country:        "US",
		Device:         "desktop",
		Browser:        "firefox",
	}

	dims := ExtractDimensions(fact)
	assert.Len(t, dims, 10)
	assert.Contains(t, dims, Dimension{DimGoal, "signup"})
	assert.Contains(t, dims, Dimension{DimPage, "/pricing"})
	assert.Contains(t, dims, Dimension{DimCountry, "US"})

	fact.Type = ingest.EventTypePayment
	for _, d := range ExtractDimensions(fact) {
		assert.NotEqual(t, DimGoal, d.Name)
	}
}

func TestDeltaArithmetic(t *testing.T) {
	d := Delta{Sessions: 1, BouncedSessions: 1, SessionDurationMs: 250, Revenue: 10}

	assert.True(t, d.Add(d.Neg()).IsZero())
	assert.Equal(t, Delta{Sessions: 2, BouncedSessions: 2, SessionDurationMs: 500, Revenue: 20}, d.Add(d))
	assert.Equal(t, DimensionCounters{Revenue: 10}, d.Dimensional())
}

func TestBucketFor(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	b := BucketFor(time.Date(2024, 3, 1, 1, 30, 0, 0, loc))

	assert.Equal(t, Bucket{Date: "2024-02-29", Hour: 23}, b)
	assert.Equal(t, "2024-02-29T23", b.HourKey())
	assert.Equal(t, time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC), b.Start())
}

func TestUpsertAddSQL(t *testing.T) {
	sql := upsertAddSQL("t", []string{"a", "b"}, []string{"x"})
	assert.Equal(t,
		"INSERT INTO t (a, b, x, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (a, b) DO UPDATE SET x = t.x + excluded.x, updated_at = excluded.updated_at",
		sql)
}
