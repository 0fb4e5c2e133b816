// Package seeder generates realistic traffic for a site and feeds it through
// the regular validation and ingestion path.
package seeder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"tally/internal/events"
	"tally/internal/ingest"
	"tally/internal/sites"
)

// Stats summarizes a seeding run.
type Stats struct {
	Sessions int
	Accepted int
	Deduped  int
	Bots     int
	Rejected int
}

// Seeder handles the data seeding process
type Seeder struct {
	validator *ingest.Validator
	ingestor  *events.Ingestor
	logger    *slog.Logger
	rng       *rand.Rand
	now       time.Time

	// Sessions is the number of visits to generate.
	Sessions int
	// Days spreads visits over the trailing window.
	Days int
}

// NewSeeder creates a seeder. seed makes runs reproducible.
func NewSeeder(validator *ingest.Validator, ingestor *events.Ingestor, logger *slog.Logger, sessions int, seed uint64) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		validator: validator,
		ingestor:  ingestor,
		logger:    logger,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:       time.Now().UTC(),
		Sessions:  sessions,
		Days:      30,
	}
}

// WithNow anchors generated timestamps, for tests.
func (s *Seeder) WithNow(now time.Time) *Seeder {
	s.now = now.UTC()
	return s
}

// journeyTemplates are the page sequences visits follow.
var journeyTemplates = [][]string{
	{"/", "/about", "/contact"},
	{"/", "/features", "/pricing", "/signup"},
	{"/", "/blog", "/blog/article-1", "/signup"},
	{"/pricing", "/features", "/signup"},
	{"/", "/products", "/products/widget-a", "/products/gadget-b", "/pricing"},
	{"/", "/docs", "/docs/getting-started", "/docs/api-reference"},
	{"/", "/signup"},
	{"/blog/article-1"},
	{"/pricing"},
}

var goalNames = []string{
	"newsletter_signup", "demo_requested", "account_created", "download_started", "free_trial_started",
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_1_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Mobile/15E148 Safari/605.1",
	"Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (iPad; CPU OS 16_1_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Mobile/15E148 Safari/605.1",
	"Googlebot/2.1 (+http://www.google.com/bot.html)",
}

var referrers = []string{
	"",
	"https://google.com/search",
	"https://www.bing.com/",
	"https://duckduckgo.com/",
	"https://news.ycombinator.com/item",
	"https://github.com/trending",
}

var campaigns = []struct{ source, medium, campaign string }{
	{"newsletter", "email", "spring_sale"},
	{"twitter", "social", "product_launch"},
	{"google", "cpc", "q4_promo"},
}

// Seed generates s.Sessions visits to site. Roughly one in five visits
// converts to a goal and one in ten pays; a few submissions are resent with
// the same eventId to exercise deduplication.
func (s *Seeder) Seed(ctx context.Context, site *sites.Site) (*Stats, error) {
	start := time.Now()
	stats := &Stats{}
	ipPool := s.ipPool(100)
	window := time.Duration(s.Days) * 24 * time.Hour

	for i := 0; i < s.Sessions; i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Sessions++

		visitorID := uuid.NewString()
		sessionID := uuid.NewString()
		client := events.ClientInfo{
			IP:        ipPool[s.rng.IntN(len(ipPool))],
			UserAgent: userAgents[s.rng.IntN(len(userAgents))],
		}
		journey := journeyTemplates[s.rng.IntN(len(journeyTemplates))]
		at := s.now.Add(-time.Duration(s.rng.Int64N(int64(window))))

		for idx, path := range journey {
			payload := s.basePayload(site, "pageview", path, visitorID, sessionID, at)
			if idx == 0 {
				payload["referrer"] = referrers[s.rng.IntN(len(referrers))]
				if s.rng.IntN(10) < 2 {
					c := campaigns[s.rng.IntN(len(campaigns))]
					payload["utm_source"], payload["utm_medium"], payload["utm_campaign"] = c.source, c.medium, c.campaign
				}
			}
			if err := s.submit(ctx, site, client, payload, stats); err != nil {
				return stats, err
			}
			at = at.Add(time.Duration(s.rng.IntN(110)+10) * time.Second)
		}

		last := journey[len(journey)-1]
		if s.rng.Float64() < 0.2 {
			payload := s.basePayload(site, "goal", last, visitorID, sessionID, at)
			payload["name"] = goalNames[s.rng.IntN(len(goalNames))]
			if err := s.submit(ctx, site, client, payload, stats); err != nil {
				return stats, err
			}
		}
		if s.rng.Float64() < 0.1 {
			payload := s.basePayload(site, "payment", last, visitorID, sessionID, at)
			payload["metadata"] = map[string]any{
				"amount":     []int{900, 2900, 9900}[s.rng.IntN(3)],
				"event_type": []string{"new", "renewal", "refund"}[s.rng.IntN(3)],
			}
			if err := s.submit(ctx, site, client, payload, stats); err != nil {
				return stats, err
			}
		}
	}

	s.logger.Info("Seeded site",
		slog.String("site", site.PublicID),
		slog.Int("sessions", stats.Sessions),
		slog.Int("accepted", stats.Accepted),
		slog.Int("deduped", stats.Deduped),
		slog.Int("bots", stats.Bots),
		slog.Duration("elapsed", time.Since(start)))
	return stats, nil
}

func (s *Seeder) basePayload(site *sites.Site, typ, path, visitorID, sessionID string, at time.Time) map[string]any {
	return map[string]any{
		"type":      typ,
		"websiteId": site.PublicID,
		"domain":    site.Domain,
		"path":      path,
		"visitorId": visitorID,
		"sessionId": sessionID,
		"eventId":   uuid.NewString(),
		"ts":        at.UnixMilli(),
	}
}

// submit validates and ingests one payload, occasionally sending it twice.
func (s *Seeder) submit(ctx context.Context, site *sites.Site, client events.ClientInfo, payload map[string]any, stats *Stats) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	attempts := 1
	if s.rng.IntN(50) == 0 {
		attempts = 2
	}
	for n := 0; n < attempts; n++ {
		event, err := s.validator.Validate(body)
		if err != nil {
			s.logger.Warn("Generated payload rejected", slog.Any("error", err))
			stats.Rejected++
			return nil
		}

		res, err := s.ingestor.Ingest(ctx, &events.IngestInput{Site: site, Event: event, Client: client})
		if err != nil {
			return err
		}
		switch {
		case res.Deduped:
			stats.Deduped++
		case res.Bot:
			stats.Bots++
		default:
			stats.Accepted++
		}
	}
	return nil
}

// ipPool creates a pool of unique public IPv4 addresses
func (s *Seeder) ipPool(count int) []string {
	seen := make(map[string]bool, count)
	ips := make([]string, 0, count)
	for len(ips) < count {
		ip := fmt.Sprintf("%d.%d.%d.%d", s.rng.IntN(200)+11, s.rng.IntN(256), s.rng.IntN(256), s.rng.IntN(254)+1)
		if !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	return ips
}
