// Package ingest normalizes and validates raw tracking payloads against the
// allow-listed v1 event schema. Everything here is pure: no storage, no
// clocks other than the injected one.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// EventType is the kind of usage event.
type EventType string

const (
	EventTypePageview EventType = "pageview"
	EventTypeGoal     EventType = "goal"
	EventTypeIdentify EventType = "identify"
	EventTypePayment  EventType = "payment"
)

// CurrentSchemaVersion is assumed when the payload omits "v".
const CurrentSchemaVersion = 1

var supportedVersions = map[int]bool{1: true}

var eventTypes = map[EventType]bool{
	EventTypePageview: true,
	EventTypeGoal:     true,
	EventTypeIdentify: true,
	EventTypePayment:  true,
}

// Field bounds.
const (
	maxNameLen          = 64
	maxWebsiteIDLen     = 64
	maxDomainLen        = 253
	maxPathLen          = 2048
	maxReferrerLen      = 2048
	maxIdentifierLen    = 128
	maxAttributionLen   = 256
	maxMetadataKeys     = 32
	maxMetadataKeyLen   = 64
	maxMetadataValueLen = 512
)

var allowedKeys = []string{
	"v", "type", "name", "websiteId", "domain", "path", "referrer",
	"ts", "timestamp", "visitorId", "session_id", "sessionId", "eventId",
	"metadata", "utm_source", "utm_medium", "utm_campaign", "utm_term",
	"utm_content", "source", "via", "ref",
}

var allowedKeySet = func() map[string]bool {
	m := make(map[string]bool, len(allowedKeys))
	for _, k := range allowedKeys {
		m[k] = true
	}
	return m
}()

// AllowedKeys returns a copy of the accepted top-level payload keys.
func AllowedKeys() []string {
	out := make([]string, len(allowedKeys))
	copy(out, allowedKeys)
	return out
}

// UTM holds campaign attribution parameters.
type UTM struct {
	Source   string
	Medium   string
	Campaign string
	Term     string
	Content  string
}

// Event is a canonical, validated event ready for the dedup gate.
type Event struct {
	SchemaVersion int
	Type          EventType
	Name          string
	WebsiteID     string
	Domain        string
	Path          string
	Referrer      string
	Timestamp     time.Time
	VisitorID     string
	SessionID     string
	EventID       string
	Metadata      map[string]any
	UTM           UTM
}

// Validator checks payloads. The zero value is not usable; use NewValidator.
type Validator struct {
	maxBytes        int
	futureTolerance time.Duration
	now             func() time.Time
}

// NewValidator creates a validator with a body ceiling and a tolerance for
// client clocks running ahead of the server.
func NewValidator(maxBytes int, futureTolerance time.Duration) *Validator {
	return &Validator{
		maxBytes:        maxBytes,
		futureTolerance: futureTolerance,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy of the validator using now as its time source.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	cp := *v
	cp.now = now
	return &cp
}

// MaxBytes returns the configured body ceiling.
func (v *Validator) MaxBytes() int {
	return v.maxBytes
}

// CheckSize rejects bodies above the ceiling before any parsing happens.
func (v *Validator) CheckSize(size int) error {
	if size > v.maxBytes {
		return &PayloadTooLargeError{Size: size, Limit: v.maxBytes}
	}
	return nil
}

// Validate parses body and returns the canonical event or a
// *ValidationError listing every violation.
func (v *Validator) Validate(body []byte) (*Event, error) {
	if err := v.CheckSize(len(body)); err != nil {
		return nil, err
	}

	verr := &ValidationError{}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		verr.add("body must be a JSON object")
		return nil, verr
	}

	unknown := make([]string, 0)
	for key := range raw {
		if !allowedKeySet[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		verr.add("unknown field", key)
	}

	ev := &Event{SchemaVersion: CurrentSchemaVersion}

	if msg, ok := raw["v"]; ok {
		version, err := decodeInt(msg)
		switch {
		case err != nil:
			verr.add("must be an integer", "v")
		case !supportedVersions[version]:
			verr.add(fmt.Sprintf("unsupported schema version %d", version), "v")
		default:
			ev.SchemaVersion = version
		}
	}

	typ := readString(raw, "type", verr, true, 32)
	if typ != "" {
		if !eventTypes[EventType(typ)] {
			verr.add("must be one of pageview, goal, identify, payment", "type")
		} else {
			ev.Type = EventType(typ)
		}
	}

	ev.Name = readString(raw, "name", verr, false, maxNameLen)
	ev.WebsiteID = readString(raw, "websiteId", verr, true, maxWebsiteIDLen)
	ev.Domain = strings.ToLower(readString(raw, "domain", verr, true, maxDomainLen))
	ev.Path = readString(raw, "path", verr, true, maxPathLen)
	if ev.Path != "" && !strings.HasPrefix(ev.Path, "/") {
		verr.add("must start with /", "path")
	}
	ev.Referrer = readString(raw, "referrer", verr, false, maxReferrerLen)
	ev.VisitorID = readString(raw, "visitorId", verr, true, maxIdentifierLen)
	ev.EventID = readString(raw, "eventId", verr, false, maxIdentifierLen)

	ev.SessionID = readString(raw, "session_id", verr, false, maxIdentifierLen)
	if alt := readString(raw, "sessionId", verr, false, maxIdentifierLen); ev.SessionID == "" {
		ev.SessionID = alt
	}

	ev.UTM = UTM{
		Source:   readString(raw, "utm_source", verr, false, maxAttributionLen),
		Medium:   readString(raw, "utm_medium", verr, false, maxAttributionLen),
		Campaign: readString(raw, "utm_campaign", verr, false, maxAttributionLen),
		Term:     readString(raw, "utm_term", verr, false, maxAttributionLen),
		Content:  readString(raw, "utm_content", verr, false, maxAttributionLen),
	}
	// Shorthand attribution parameters stand in for utm_source.
	for _, alias := range []string{"source", "ref", "via"} {
		value := readString(raw, alias, verr, false, maxAttributionLen)
		if ev.UTM.Source == "" {
			ev.UTM.Source = value
		}
	}

	ev.Timestamp = v.readTimestamp(raw, verr)
	ev.Metadata = readMetadata(raw, verr)

	switch ev.Type {
	case EventTypeGoal:
		if ev.Name == "" && !verr.has("name") {
			verr.add("required for goal events", "name")
		}
	case EventTypeIdentify:
		userID, _ := ev.Metadata["user_id"].(string)
		if strings.TrimSpace(userID) == "" {
			verr.add("required for identify events", "metadata", "user_id")
		}
	}

	if !verr.empty() {
		return nil, verr
	}
	return ev, nil
}

func (v *Validator) readTimestamp(raw map[string]json.RawMessage, verr *ValidationError) time.Time {
	now := v.now()
	field := "ts"
	msg, ok := raw["ts"]
	if !ok {
		field = "timestamp"
		msg, ok = raw["timestamp"]
	}
	if !ok || isNull(msg) {
		return now
	}

	ts, err := decodeTimestamp(msg)
	if err != nil {
		verr.add(err.Error(), field)
		return now
	}
	if ts.After(now.Add(v.futureTolerance)) {
		verr.add(fmt.Sprintf("must not be more than %s in the future", v.futureTolerance), field)
		return now
	}
	return ts.UTC()
}

func decodeTimestamp(msg json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("must be RFC3339 or epoch milliseconds")
		}
		return ts, nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return time.Time{}, fmt.Errorf("must be RFC3339 or epoch milliseconds")
	}
	ms, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return time.Time{}, fmt.Errorf("must be RFC3339 or epoch milliseconds")
		}
		ms = int64(f)
	}
	if ms <= 0 {
		return time.Time{}, fmt.Errorf("must be a positive epoch milliseconds value")
	}
	return time.UnixMilli(ms), nil
}

func readString(raw map[string]json.RawMessage, key string, verr *ValidationError, required bool, maxLen int) string {
	msg, ok := raw[key]
	if !ok || isNull(msg) {
		if required {
			verr.add("required", key)
		}
		return ""
	}
	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		verr.add("must be a string", key)
		return ""
	}
	s = strings.TrimSpace(s)
	if required && s == "" {
		verr.add("must not be empty", key)
		return ""
	}
	if utf8.RuneCountInString(s) > maxLen {
		verr.add(fmt.Sprintf("must be at most %d characters", maxLen), key)
		return ""
	}
	return s
}

func readMetadata(raw map[string]json.RawMessage, verr *ValidationError) map[string]any {
	msg, ok := raw["metadata"]
	if !ok || isNull(msg) {
		return map[string]any{}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil || fields == nil {
		verr.add("must be an object", "metadata")
		return map[string]any{}
	}
	if len(fields) > maxMetadataKeys {
		verr.add(fmt.Sprintf("must have at most %d keys", maxMetadataKeys), "metadata")
		return map[string]any{}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(fields))
	for _, key := range keys {
		if key == "" || utf8.RuneCountInString(key) > maxMetadataKeyLen {
			verr.add(fmt.Sprintf("key must be 1..%d characters", maxMetadataKeyLen), "metadata", key)
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(fields[key]))
		dec.UseNumber()
		var value any
		if err := dec.Decode(&value); err != nil {
			verr.add("invalid value", "metadata", key)
			continue
		}

		switch val := value.(type) {
		case nil, bool, json.Number:
			out[key] = val
		case string:
			if utf8.RuneCountInString(val) > maxMetadataValueLen {
				verr.add(fmt.Sprintf("must be at most %d characters", maxMetadataValueLen), "metadata", key)
				continue
			}
			out[key] = val
		default:
			verr.add("must be a string, number, boolean or null", "metadata", key)
		}
	}
	return out
}

// decodeInt accepts a bare JSON integer. Decoding straight into json.Number
// would also take a quoted "1".
func decodeInt(msg json.RawMessage) (int, error) {
	var value any
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return 0, err
	}
	n, ok := value.(json.Number)
	if !ok {
		return 0, fmt.Errorf("not a number: %s", msg)
	}
	i, err := n.Int64()
	return int(i), err
}

func isNull(msg json.RawMessage) bool {
	return string(bytes.TrimSpace(msg)) == "null"
}
