package middleware

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"tally/internal/metrics"
	"tally/internal/ratelimit"
)

// RateLimit throttles requests per (client IP, site, scope). It runs after
// ResolveClient and SiteAuth; requests without a resolved site share the
// site-0 bucket.
func RateLimit(limiter *ratelimit.Limiter, scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var siteID uint
		if site := SiteFromContext(c); site != nil {
			siteID = site.ID
		}

		err := limiter.Allow(ratelimit.Key(ClientFromContext(c).IP, siteID, scope))
		if err == nil {
			return c.Next()
		}

		var limitErr *ratelimit.LimitError
		if !errors.As(err, &limitErr) {
			return err
		}
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(limitErr.RetryAfterSeconds()))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":       "Too many requests",
			"retry_after": limitErr.RetryAfterSeconds(),
		})
	}
}
