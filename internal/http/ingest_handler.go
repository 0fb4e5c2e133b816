package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"tally/internal/events"
	"tally/internal/http/middleware"
	"tally/internal/ingest"
	"tally/internal/metrics"
	"tally/internal/sites"
)

// IngestHandler serves POST /ingest. Size, credential and rate checks run as
// route middleware before it; it validates, authorizes and ingests.
type IngestHandler struct {
	validator *ingest.Validator
	ingestor  *events.Ingestor
}

func NewIngestHandler(validator *ingest.Validator, ingestor *events.Ingestor) *IngestHandler {
	return &IngestHandler{validator: validator, ingestor: ingestor}
}

// CreateAction accepts one event.
func (h *IngestHandler) CreateAction(ctx *cartridge.Context) error {
	site := middleware.SiteFromContext(ctx.Ctx)
	if site == nil {
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeUnauthorized).Inc()
		return ctx.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or missing API key"})
	}

	event, err := h.validator.Validate(ctx.Body())
	if err != nil {
		return h.rejectInvalid(ctx, err)
	}

	if err := sites.Authorize(site, event.WebsiteID); err != nil {
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeForbidden).Inc()
		ctx.Logger.Debug("Event rejected for foreign website",
			slog.Uint64("site_id", uint64(site.ID)),
			slog.String("website_id", event.WebsiteID))
		return ctx.Status(http.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	client := middleware.ClientFromContext(ctx.Ctx)
	result, err := h.ingestor.Ingest(ctx.UserContext(), &events.IngestInput{
		Site:   site,
		Event:  event,
		Client: events.ClientInfo{IP: client.IP, UserAgent: client.UserAgent},
	})
	if err != nil {
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeError).Inc()
		return ctx.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to store event"})
	}

	switch {
	case result.Deduped:
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeDeduped).Inc()
		return ctx.Status(http.StatusOK).JSON(fiber.Map{"ok": true, "deduped": true})
	case result.Bot:
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeBot).Inc()
	default:
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeAccepted).Inc()
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"ok": true})
}

func (h *IngestHandler) rejectInvalid(ctx *cartridge.Context, err error) error {
	var tooLarge *ingest.PayloadTooLargeError
	if errors.As(err, &tooLarge) {
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeTooLarge).Inc()
		return ctx.Status(http.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "Payload too large",
			"limit": tooLarge.Limit,
		})
	}

	metrics.IngestRequests.WithLabelValues(metrics.OutcomeInvalid).Inc()
	var invalid *ingest.ValidationError
	if !errors.As(err, &invalid) {
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	}
	ctx.Logger.Debug("Event failed validation", slog.Any("error", err))
	return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
		"error":     "Invalid event",
		"details":   invalid.Violations,
		"allowlist": invalid.Allowlist(),
	})
}

// PreflightAction answers CORS preflight requests.
func PreflightAction(ctx *cartridge.Context) error {
	return ctx.SendStatus(fiber.StatusNoContent)
}
