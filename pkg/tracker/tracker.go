// Package tracker is a Go producer for the tally ingestion endpoint.
//
// Events are sent with a stable eventId: a retried submission carries the
// same id, so the server counts it once no matter how many attempts reach it.
// Rate limited (429), server errors (5xx) and network failures are retried
// with bounded exponential backoff, waiting at least as long as the server's
// Retry-After header asks. Other rejections are returned immediately.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Event types accepted by the endpoint.
const (
	TypePageview = "pageview"
	TypeGoal     = "goal"
	TypePayment  = "payment"
	TypeIdentify = "identify"
)

// Event is one submission. EventID is generated on first send when empty
// and then kept for every retry.
type Event struct {
	Type      string
	Name      string
	Path      string
	Referrer  string
	VisitorID string
	SessionID string
	EventID   string
	Timestamp time.Time
	Metadata  map[string]any

	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	UTMTerm     string
	UTMContent  string

	// UserAgent and ClientIP describe the end user when the producer runs
	// server side. They travel as X-Forwarded-User-Agent and X-Forwarded-For,
	// which the server only believes when the producer's address is listed
	// in TALLY_TRUSTED_PROXIES.
	UserAgent string
	ClientIP  string
}

// Response is the endpoint's acceptance.
type Response struct {
	OK      bool `json:"ok"`
	Deduped bool `json:"deduped,omitempty"`
}

// StatusError is a rejection the client did not, or could no longer, retry.
type StatusError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tracker: ingest returned %d", e.StatusCode)
	}
	return fmt.Sprintf("tracker: ingest returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the server may accept the event later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	endpoint  string
	apiKey    string
	websiteID string
	domain    string

	http        *http.Client
	userAgent   string
	maxRetries  uint64
	initial     time.Duration
	maxInterval time.Duration
	concurrency int
	now         func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetries bounds the number of retries after the first attempt.
func WithRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackOff sets the first and the largest wait between attempts.
func WithBackOff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initial = initial
		c.maxInterval = max
	}
}

// WithConcurrency limits in-flight requests of SendBatch.
func WithConcurrency(n int) Option {
	return func(c *Client) { c.concurrency = n }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New returns a client posting to endpoint (the full /ingest URL) for one site.
func New(endpoint, apiKey, websiteID, domain string, opts ...Option) *Client {
	c := &Client{
		endpoint:    endpoint,
		apiKey:      apiKey,
		websiteID:   websiteID,
		domain:      domain,
		http:        &http.Client{Timeout: 10 * time.Second},
		userAgent:   "tally-tracker/1",
		maxRetries:  5,
		initial:     500 * time.Millisecond,
		maxInterval: 30 * time.Second,
		concurrency: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	return c
}

type payload struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	WebsiteID   string         `json:"websiteId"`
	Domain      string         `json:"domain"`
	Path        string         `json:"path"`
	Referrer    string         `json:"referrer,omitempty"`
	Timestamp   int64          `json:"ts"`
	VisitorID   string         `json:"visitorId"`
	SessionID   string         `json:"sessionId,omitempty"`
	EventID     string         `json:"eventId"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	UTMSource   string         `json:"utm_source,omitempty"`
	UTMMedium   string         `json:"utm_medium,omitempty"`
	UTMCampaign string         `json:"utm_campaign,omitempty"`
	UTMTerm     string         `json:"utm_term,omitempty"`
	UTMContent  string         `json:"utm_content,omitempty"`
}

// Send delivers ev, retrying transient failures. The returned error is a
// *StatusError when the server answered, or the last transport error.
func (c *Client) Send(ctx context.Context, ev *Event) (*Response, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}

	body, err := json.Marshal(payload{
		Type:        ev.Type,
		Name:        ev.Name,
		WebsiteID:   c.websiteID,
		Domain:      c.domain,
		Path:        ev.Path,
		Referrer:    ev.Referrer,
		Timestamp:   ev.Timestamp.UnixMilli(),
		VisitorID:   ev.VisitorID,
		SessionID:   ev.SessionID,
		EventID:     ev.EventID,
		Metadata:    ev.Metadata,
		UTMSource:   ev.UTMSource,
		UTMMedium:   ev.UTMMedium,
		UTMCampaign: ev.UTMCampaign,
		UTMTerm:     ev.UTMTerm,
		UTMContent:  ev.UTMContent,
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: encode event: %w", err)
	}

	policy := &retryAfterBackOff{BackOff: c.newBackOff()}
	var resp *Response
	err = backoff.Retry(func() error {
		var opErr error
		resp, opErr = c.post(ctx, ev, body)
		if opErr == nil {
			return nil
		}
		var serr *StatusError
		if errors.As(opErr, &serr) {
			if !serr.Temporary() {
				return backoff.Permanent(opErr)
			}
			policy.hint = serr.RetryAfter
		}
		if ctx.Err() != nil {
			return backoff.Permanent(opErr)
		}
		return opErr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SendBatch sends events concurrently. Every event is attempted; the first
// error is returned along with the responses of the ones that succeeded.
func (c *Client) SendBatch(ctx context.Context, events []*Event) ([]*Response, error) {
	responses := make([]*Response, len(events))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, ev := range events {
		g.Go(func() error {
			resp, err := c.Send(ctx, ev)
			if err != nil {
				return fmt.Errorf("event %s: %w", ev.EventID, err)
			}
			responses[i] = resp
			return nil
		})
	}
	return responses, g.Wait()
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.maxInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, c.maxRetries)
}

func (c *Client) post(ctx context.Context, ev *Event, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	if ev.UserAgent != "" {
		req.Header.Set("X-Forwarded-User-Agent", ev.UserAgent)
	}
	if ev.ClientIP != "" {
		req.Header.Set("X-Forwarded-For", ev.ClientIP)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		serr := &StatusError{StatusCode: res.StatusCode, RetryAfter: parseRetryAfter(res.Header.Get("Retry-After"))}
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &msg) == nil {
			serr.Message = msg.Error
		}
		return nil, serr
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}
	return &out, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// retryAfterBackOff never waits less than the last Retry-After hint.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

func (b *retryAfterBackOff) Reset() {
	b.BackOff.Reset()
	b.hint = 0
}
