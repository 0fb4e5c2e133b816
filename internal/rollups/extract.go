package rollups

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"tally/internal/ingest"
)

// Payment event types carried in metadata.event_type.
const (
	PaymentNew     = "new"
	PaymentRenewal = "renewal"
	PaymentRefund  = "refund"
)

// Fact is the normalized view of a stored event the extractors work on.
type Fact struct {
	Type           ingest.EventType
	Name           string
	Path           string
	ReferrerDomain string
	UTMSource      string
	UTMCampaign    string
	Country        string
	Region         string
	City           string
	Device         string
	Browser        string
	Metadata       map[string]any
}

// ExtractMetrics returns the plain counter delta of one event. Visitors and
// sessions are not counted here.
func ExtractMetrics(f Fact) Delta {
	switch f.Type {
	case ingest.EventTypePageview:
		return Delta{Pageviews: 1}
	case ingest.EventTypeGoal:
		return Delta{Goals: 1}
	case ingest.EventTypePayment:
		amount := PaymentAmount(f.Metadata)
		d := Delta{Revenue: amount}
		switch PaymentType(f.Metadata) {
		case PaymentNew:
			d.RevenueNew = amount
		case PaymentRenewal:
			d.RevenueRenewal = amount
		case PaymentRefund:
			d.RevenueRefund = amount
		}
		return d
	default:
		return Delta{}
	}
}

// ExtractDimensions returns the (dimension, value) pairs an event is counted
// under. Every event yields the nine non-goal dimensions; goal events add one
// goal pair.
func ExtractDimensions(f Fact) []Dimension {
	dims := []Dimension{
		{DimPage, orPlaceholder(f.Path, NotSet)},
		{DimReferrerDomain, orPlaceholder(f.ReferrerDomain, NotSet)},
		{DimUTMSource, orPlaceholder(f.UTMSource, NotSet)},
		{DimUTMCampaign, orPlaceholder(f.UTMCampaign, NotSet)},
		{DimCountry, orPlaceholder(f.Country, Unknown)},
		{DimRegion, orPlaceholder(f.Region, Unknown)},
		{DimCity, orPlaceholder(f.City, Unknown)},
		{DimDevice, orPlaceholder(f.Device, Unknown)},
		{DimBrowser, orPlaceholder(f.Browser, Unknown)},
	}
	if f.Type == ingest.EventTypeGoal {
		dims = append(dims, Dimension{DimGoal, orPlaceholder(f.Name, NotSet)})
	}
	return dims
}

// PaymentAmount reads metadata.amount as a non-negative integer in minor
// units. Anything else counts as zero.
func PaymentAmount(metadata map[string]any) int64 {
	raw, ok := metadata["amount"]
	if !ok || raw == nil {
		return 0
	}

	var s string
	switch v := raw.(type) {
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	case float64:
		return integralAmount(v)
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	default:
		return 0
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return integralAmount(f)
}

func integralAmount(f float64) int64 {
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt64 {
		return 0
	}
	return int64(f)
}

// PaymentType reads metadata.event_type, defaulting to "new".
func PaymentType(metadata map[string]any) string {
	raw, ok := metadata["event_type"]
	if !ok || raw == nil {
		return PaymentNew
	}
	s, ok := raw.(string)
	if !ok {
		return ""
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PaymentNew
	}
	return s
}

func orPlaceholder(value, placeholder string) string {
	if strings.TrimSpace(value) == "" {
		return placeholder
	}
	return value
}
