package middleware

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"tally/internal/metrics"
	"tally/internal/sites"
)

const siteLocalsKey = "tally.site"

// SiteFromContext returns the site resolved by SiteAuth.
func SiteFromContext(c *fiber.Ctx) *sites.Site {
	site, _ := c.Locals(siteLocalsKey).(*sites.Site)
	return site
}

// APIKey extracts the credential from "Authorization: Bearer <key>" or the
// api_key query parameter. The header wins when both are present.
func APIKey(c *fiber.Ctx) string {
	if header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization)); header != "" {
		scheme, key, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(key)
		}
		return ""
	}
	return strings.TrimSpace(c.Query("api_key"))
}

// SiteAuth resolves the request's API key to a site and stores it in the
// request locals. Failures answer 401 with a generic message.
func SiteAuth(auth *sites.Authenticator, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		site, err := auth.Authenticate(APIKey(c))
		if err != nil {
			var authErr *sites.AuthError
			if errors.As(err, &authErr) {
				metrics.IngestRequests.WithLabelValues(metrics.OutcomeUnauthorized).Inc()
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid or missing API key",
				})
			}
			logger.Error("Credential lookup failed", slog.Any("error", err))
			metrics.IngestRequests.WithLabelValues(metrics.OutcomeError).Inc()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Internal server error",
			})
		}

		c.Locals(siteLocalsKey, site)
		return c.Next()
	}
}

// BodyLimit rejects bodies above maxBytes with 413, checking the declared
// Content-Length before the received body.
func BodyLimit(maxBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		declared := c.Request().Header.ContentLength()
		if declared > maxBytes || len(c.Body()) > maxBytes {
			metrics.IngestRequests.WithLabelValues(metrics.OutcomeTooLarge).Inc()
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": "Payload too large",
				"limit": maxBytes,
			})
		}
		return c.Next()
	}
}
