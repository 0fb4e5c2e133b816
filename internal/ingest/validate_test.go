package ingest

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator() *Validator {
	return NewValidator(16*1024, 24*time.Hour).WithClock(func() time.Time { return fixedNow })
}

func payload(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"type":      "pageview",
		"websiteId": "site_abc",
		"domain":    "Example.com",
		"path":      "/pricing",
		"visitorId": "v1",
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return data
}

func violationPaths(err error) []string {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return nil
	}
	paths := make([]string, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		paths = append(paths, strings.Join(v.Path, "."))
	}
	return paths
}

func TestValidateMinimalPageview(t *testing.T) {
	ev, err := newTestValidator().Validate(payload(t, nil))
	require.NoError(t, err)

	assert.Equal(t, EventTypePageview, ev.Type)
	assert.Equal(t, 1, ev.SchemaVersion)
	assert.Equal(t, "example.com", ev.Domain)
	assert.Equal(t, "/pricing", ev.Path)
	assert.Equal(t, fixedNow, ev.Timestamp, "missing timestamp defaults to receipt time")
	assert.Empty(t, ev.Metadata)
}

func TestValidateTimestampForms(t *testing.T) {
	ms := time.Date(2024, 4, 30, 8, 15, 0, 0, time.UTC)

	t.Run("epoch milliseconds", func(t *testing.T) {
		ev, err := newTestValidator().Validate(payload(t, map[string]any{"ts": ms.UnixMilli()}))
		require.NoError(t, err)
		assert.True(t, ms.Equal(ev.Timestamp))
		assert.Equal(t, time.UTC, ev.Timestamp.Location())
	})

	t.Run("rfc3339 with offset is converted to UTC", func(t *testing.T) {
		ev, err := newTestValidator().Validate(payload(t, map[string]any{"timestamp": "2024-04-30T10:15:00+02:00"}))
		require.NoError(t, err)
		assert.Equal(t, ms, ev.Timestamp)
	})

	t.Run("ts wins over timestamp", func(t *testing.T) {
		ev, err := newTestValidator().Validate(payload(t, map[string]any{
			"ts":        ms.UnixMilli(),
			"timestamp": "2020-01-01T00:00:00Z",
		}))
		require.NoError(t, err)
		assert.True(t, ms.Equal(ev.Timestamp))
	})

	t.Run("too far in the future", func(t *testing.T) {
		_, err := newTestValidator().Validate(payload(t, map[string]any{"ts": fixedNow.Add(25 * time.Hour).UnixMilli()}))
		assert.Equal(t, []string{"ts"}, violationPaths(err))
	})

	t.Run("slightly ahead is tolerated", func(t *testing.T) {
		_, err := newTestValidator().Validate(payload(t, map[string]any{"ts": fixedNow.Add(time.Hour).UnixMilli()}))
		assert.NoError(t, err)
	})

	t.Run("garbage string", func(t *testing.T) {
		_, err := newTestValidator().Validate(payload(t, map[string]any{"timestamp": "yesterday"}))
		assert.Equal(t, []string{"timestamp"}, violationPaths(err))
	})
}

func TestValidateCollectsAllViolations(t *testing.T) {
	_, err := newTestValidator().Validate(payload(t, map[string]any{
		"type":      "click",
		"path":      "pricing",
		"visitorId": nil,
		"color":     "blue",
		"extra":     1,
	}))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ElementsMatch(t, []string{"color", "extra", "type", "path", "visitorId"}, violationPaths(err))
	assert.Contains(t, verr.Allowlist(), "websiteId")
	assert.Contains(t, verr.Allowlist(), "session_id")
}

func TestValidateIdentifyRequiresUserID(t *testing.T) {
	_, err := newTestValidator().Validate(payload(t, map[string]any{
		"type":     "identify",
		"metadata": map[string]any{"plan": "pro"},
	}))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, []string{"metadata", "user_id"}, verr.Violations[0].Path)

	ev, err := newTestValidator().Validate(payload(t, map[string]any{
		"type":     "identify",
		"metadata": map[string]any{"user_id": "u_42"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "u_42", ev.Metadata["user_id"])
}

func TestValidateGoalRequiresName(t *testing.T) {
	_, err := newTestValidator().Validate(payload(t, map[string]any{"type": "goal"}))
	assert.Equal(t, []string{"name"}, violationPaths(err))

	_, err = newTestValidator().Validate(payload(t, map[string]any{"type": "goal", "name": ""}))
	assert.Equal(t, []string{"name"}, violationPaths(err))

	_, err = newTestValidator().Validate(payload(t, map[string]any{"type": "goal", "name": strings.Repeat("n", 65)}))
	assert.Equal(t, []string{"name"}, violationPaths(err), "overlong name is reported once")

	ev, err := newTestValidator().Validate(payload(t, map[string]any{"type": "goal", "name": "signup"}))
	require.NoError(t, err)
	assert.Equal(t, "signup", ev.Name)
}

func TestValidateMetadataBounds(t *testing.T) {
	tests := []struct {
		name     string
		metadata any
		paths    []string
	}{
		{"scalars accepted", map[string]any{"a": "x", "b": 1.5, "c": true, "d": nil}, nil},
		{"not an object", []any{1, 2}, []string{"metadata"}},
		{"nested object", map[string]any{"obj": map[string]any{"x": 1}}, []string{"metadata.obj"}},
		{"array value", map[string]any{"list": []any{1}}, []string{"metadata.list"}},
		{"long value", map[string]any{"note": strings.Repeat("a", 513)}, []string{"metadata.note"}},
		{"long key", map[string]any{strings.Repeat("k", 65): "x"}, []string{"metadata." + strings.Repeat("k", 65)}},
		{"too many keys", func() map[string]any {
			m := map[string]any{}
			for i := 0; i < 33; i++ {
				m[strings.Repeat("k", i+1)] = i
			}
			return m
		}(), []string{"metadata"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestValidator().Validate(payload(t, map[string]any{"metadata": tt.metadata}))
			if tt.paths == nil {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.paths, violationPaths(err))
		})
	}
}

func TestValidateKeepsNumericMetadataExact(t *testing.T) {
	ev, err := newTestValidator().Validate([]byte(`{"type":"payment","websiteId":"s","domain":"d.com","path":"/","visitorId":"v","metadata":{"amount":9007199254740993}}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), ev.Metadata["amount"])
}

func TestValidateSessionAndAttributionAliases(t *testing.T) {
	t.Run("session_id wins", func(t *testing.T) {
		ev, err := newTestValidator().Validate(payload(t, map[string]any{"session_id": "a", "sessionId": "b"}))
		require.NoError(t, err)
		assert.Equal(t, "a", ev.SessionID)
	})

	t.Run("sessionId fallback", func(t *testing.T) {
		ev, err := newTestValidator().Validate(payload(t, map[string]any{"sessionId": "b"}))
		require.NoError(t, err)
		assert.Equal(t, "b", ev.SessionID)
	})

	t.Run("utm_source beats aliases", func(t *testing.T) {
		ev, err := newTestValidator().Validate(payload(t, map[string]any{"utm_source": "newsletter", "source": "x", "ref": "y"}))
		require.NoError(t, err)
		assert.Equal(t, "newsletter", ev.UTM.Source)
	})

	t.Run("source then ref then via", func(t *testing.T) {
		ev, err := newTestValidator().Validate(payload(t, map[string]any{"ref": "producthunt", "via": "friend"}))
		require.NoError(t, err)
		assert.Equal(t, "producthunt", ev.UTM.Source)

		ev, err = newTestValidator().Validate(payload(t, map[string]any{"via": "friend"}))
		require.NoError(t, err)
		assert.Equal(t, "friend", ev.UTM.Source)
	})
}

func TestValidateSchemaVersion(t *testing.T) {
	_, err := newTestValidator().Validate(payload(t, map[string]any{"v": 1}))
	assert.NoError(t, err)

	_, err = newTestValidator().Validate(payload(t, map[string]any{"v": 2}))
	assert.Equal(t, []string{"v"}, violationPaths(err))

	for _, v := range []any{"1", 1.5, true, []int{1}} {
		_, err = newTestValidator().Validate(payload(t, map[string]any{"v": v}))
		assert.Equal(t, []string{"v"}, violationPaths(err), "v=%v", v)
	}
}

func TestDecodeIntRejectsQuotedNumbers(t *testing.T) {
	n, err := decodeInt(json.RawMessage(`1`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = decodeInt(json.RawMessage(`"1"`))
	assert.Error(t, err)
}

func TestValidateRejectsNonObjectBodies(t *testing.T) {
	for _, body := range []string{``, `null`, `[]`, `"str"`, `{"type":`} {
		_, err := newTestValidator().Validate([]byte(body))
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, "body %q", body)
	}
}

func TestValidateSizeCeiling(t *testing.T) {
	v := NewValidator(64, 24*time.Hour)

	_, err := v.Validate(payload(t, map[string]any{"referrer": strings.Repeat("r", 100)}))
	var tooLarge *PayloadTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 64, tooLarge.Limit)

	assert.NoError(t, v.CheckSize(64))
	assert.Error(t, v.CheckSize(65))
}
