package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"tally/internal/ingest"
	"tally/internal/rollups"
	"tally/internal/sites"
)

// RawEvent is one accepted event in the append-only log. Rows are never
// updated; rollups are derived from them and can be rebuilt at any time.
type RawEvent struct {
	ID             string    `gorm:"primaryKey;size:26"`
	SiteID         uint      `gorm:"not null;uniqueIndex:idx_raw_events_site_event,priority:1;index:idx_raw_events_site_ts,priority:1;index:idx_raw_events_session,priority:1"`
	EventID        *string   `gorm:"size:128;uniqueIndex:idx_raw_events_site_event,priority:2"`
	Type           string    `gorm:"size:16;not null"`
	Name           string    `gorm:"size:64"`
	VisitorID      string    `gorm:"size:128;not null;index:idx_raw_events_session,priority:3"`
	SessionID      string    `gorm:"size:128;index:idx_raw_events_session,priority:2"`
	Timestamp      time.Time `gorm:"not null;index:idx_raw_events_site_ts,priority:2"`
	CreatedAt      time.Time `gorm:"not null;index"`
	Domain         string    `gorm:"size:253;not null"`
	Path           string    `gorm:"size:2048;not null"`
	Referrer       string    `gorm:"size:2048"`
	ReferrerDomain string
	UTMSource      string
	UTMMedium      string
	UTMCampaign    string
	UTMTerm        string
	UTMContent     string
	Metadata       string `gorm:"type:text"`
	Country        string `gorm:"size:2"`
	Region         string
	City           string
	Device         string `gorm:"size:16"`
	Browser        string
	OS             string
	Bot            bool `gorm:"not null;default:false"`
	SchemaVersion  int  `gorm:"not null;default:1"`
}

// NewRawEvent builds the row for a validated event. receivedAt becomes the
// receipt time and seeds the ULID, so ids sort in receipt order.
func NewRawEvent(site *sites.Site, ev *ingest.Event, n Normalized, receivedAt time.Time) (*RawEvent, error) {
	receivedAt = receivedAt.UTC()

	id, err := ulid.New(ulid.Timestamp(receivedAt), ulid.DefaultEntropy())
	if err != nil {
		return nil, fmt.Errorf("failed to generate event id: %w", err)
	}

	metadata := ""
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = string(b)
	}

	raw := &RawEvent{
		ID:             id.String(),
		SiteID:         site.ID,
		Type:           string(ev.Type),
		Name:           ev.Name,
		VisitorID:      ev.VisitorID,
		SessionID:      ev.SessionID,
		Timestamp:      ev.Timestamp.UTC(),
		CreatedAt:      receivedAt,
		Domain:         ev.Domain,
		Path:           ev.Path,
		Referrer:       ev.Referrer,
		ReferrerDomain: n.ReferrerDomain,
		UTMSource:      ev.UTM.Source,
		UTMMedium:      ev.UTM.Medium,
		UTMCampaign:    ev.UTM.Campaign,
		UTMTerm:        ev.UTM.Term,
		UTMContent:     ev.UTM.Content,
		Metadata:       metadata,
		Country:        n.Country,
		Region:         n.Region,
		City:           n.City,
		Device:         n.Device,
		Browser:        n.Browser,
		OS:             n.OS,
		Bot:            n.Bot,
		SchemaVersion:  ev.SchemaVersion,
	}
	if ev.EventID != "" {
		eventID := ev.EventID
		raw.EventID = &eventID
	}
	return raw, nil
}

// Fact returns the view of the event the extractors consume. Undecodable
// metadata degrades to an empty map.
func (e *RawEvent) Fact() rollups.Fact {
	return rollups.Fact{
		Type:           ingest.EventType(e.Type),
		Name:           e.Name,
		Path:           e.Path,
		ReferrerDomain: e.ReferrerDomain,
		UTMSource:      e.UTMSource,
		UTMCampaign:    e.UTMCampaign,
		Country:        e.Country,
		Region:         e.Region,
		City:           e.City,
		Device:         e.Device,
		Browser:        e.Browser,
		Metadata:       decodeMetadata(e.Metadata),
	}
}

// IsSessionPageview reports whether the event takes part in session
// correlation.
func (e *RawEvent) IsSessionPageview() bool {
	return !e.Bot && e.Type == string(ingest.EventTypePageview) && e.SessionID != ""
}

func decodeMetadata(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
