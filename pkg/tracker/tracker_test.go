package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	payloads []map[string]any
	headers  []http.Header
}

func (r *recorder) record(t *testing.T, req *http.Request) map[string]any {
	var body map[string]any
	require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, body)
	r.headers = append(r.headers, req.Header.Clone())
	return body
}

func fastClient(url string, opts ...Option) *Client {
	opts = append([]Option{WithBackOff(time.Millisecond, 5*time.Millisecond)}, opts...)
	return New(url, "tk_secret", "site-a", "example.com", opts...)
}

func TestSendEncodesEvent(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	ev := &Event{
		Type:      TypePayment,
		Path:      "/checkout",
		VisitorID: "v1",
		SessionID: "s1",
		Timestamp: at,
		Metadata:  map[string]any{"amount": 900},
		UTMSource: "newsletter",
		UserAgent: "Mozilla/5.0 Firefox/121.0",
		ClientIP:  "198.51.100.20",
	}

	resp, err := fastClient(srv.URL).Send(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.False(t, resp.Deduped)
	require.NotEmpty(t, ev.EventID)

	require.Len(t, rec.payloads, 1)
	body := rec.payloads[0]
	assert.Equal(t, "payment", body["type"])
	assert.Equal(t, "site-a", body["websiteId"])
	assert.Equal(t, "example.com", body["domain"])
	assert.Equal(t, ev.EventID, body["eventId"])
	assert.Equal(t, float64(at.UnixMilli()), body["ts"])
	assert.Equal(t, "newsletter", body["utm_source"])
	assert.Equal(t, map[string]any{"amount": float64(900)}, body["metadata"])
	assert.NotContains(t, body, "name")

	h := rec.headers[0]
	assert.Equal(t, "Bearer tk_secret", h.Get("Authorization"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "Mozilla/5.0 Firefox/121.0", h.Get("X-Forwarded-User-Agent"))
	assert.Equal(t, "198.51.100.20", h.Get("X-Forwarded-For"))
}

func TestSendRetriesWithStableEventID(t *testing.T) {
	rec := &recorder{}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true,"deduped":true}`))
	}))
	defer srv.Close()

	resp, err := fastClient(srv.URL).Send(context.Background(), &Event{Type: TypePageview, Path: "/", VisitorID: "v1"})
	require.NoError(t, err)
	assert.True(t, resp.Deduped)

	require.Len(t, rec.payloads, 3)
	id := rec.payloads[0]["eventId"]
	assert.NotEmpty(t, id)
	for _, p := range rec.payloads {
		assert.Equal(t, id, p["eventId"])
		assert.Equal(t, rec.payloads[0]["ts"], p["ts"])
	}
}

func TestSendHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	var first time.Time
	var waited time.Duration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			first = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Rate limit exceeded","retry_after":1}`))
			return
		}
		waited = time.Since(first)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).Send(context.Background(), &Event{Type: TypePageview, Path: "/", VisitorID: "v1"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.GreaterOrEqual(t, waited, time.Second)
}

func TestSendDoesNotRetryRejections(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestEntityTooLarge} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			_, err := fastClient(srv.URL).Send(context.Background(), &Event{Type: TypePageview, Path: "/", VisitorID: "v1"})
			var serr *StatusError
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, status, serr.StatusCode)
			assert.Equal(t, "nope", serr.Message)
			assert.False(t, serr.Temporary())
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL, WithRetries(2)).Send(context.Background(), &Event{Type: TypePageview, Path: "/", VisitorID: "v1"})
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusInternalServerError, serr.StatusCode)
	assert.True(t, serr.Temporary())
	assert.EqualValues(t, 3, calls.Load())
}

func TestSendStopsOnCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := fastClient(srv.URL).Send(ctx, &Event{Type: TypePageview, Path: "/", VisitorID: "v1"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSendBatch(t *testing.T) {
	rec := &recorder{}
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		body := rec.record(t, r)
		time.Sleep(5 * time.Millisecond)
		if body["path"] == "/broken" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	events := make([]*Event, 0, 10)
	for i := 0; i < 9; i++ {
		events = append(events, &Event{Type: TypePageview, Path: "/", VisitorID: "v1"})
	}
	events = append(events, &Event{Type: TypePageview, Path: "/broken", VisitorID: "v1"})

	responses, err := fastClient(srv.URL, WithConcurrency(3)).SendBatch(context.Background(), events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), events[9].EventID)
	assert.Len(t, rec.payloads, 10)
	assert.LessOrEqual(t, peak.Load(), int32(3))

	for i := 0; i < 9; i++ {
		require.NotNil(t, responses[i])
		assert.True(t, responses[i].OK)
	}
	assert.Nil(t, responses[9])

	ids := map[string]bool{}
	for _, ev := range events {
		ids[ev.EventID] = true
	}
	assert.Len(t, ids, 10)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("-1"))
	assert.Zero(t, parseRetryAfter("soon"))
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), 50*time.Minute)
}
