package internal

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"

	"tally/internal/config"
	"tally/internal/events"
	"tally/internal/http"
	"tally/internal/http/middleware"
	"tally/internal/ingest"
	"tally/internal/pkg/geoip"
	"tally/internal/ratelimit"
	"tally/internal/sites"
)

// publicCORSConfig is shared by every endpoint producers call cross-origin.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, Referrer, User-Agent",
}

const (
	credentialCacheTTL = 5 * time.Minute
	limiterIdleTTL     = 10 * time.Minute
)

// RouteOptions holds the collaborators behind the ingest endpoint.
type RouteOptions struct {
	Validator     *ingest.Validator
	Ingestor      *events.Ingestor
	Authenticator *sites.Authenticator
	Limiter       *ratelimit.Limiter
	Proxies       *middleware.TrustedProxies
}

// NewRouteOptions builds the ingest collaborators from configuration.
func NewRouteOptions(cfg *config.Config, dbManager cartridge.DBManager, logger *slog.Logger, geo geoip.Resolver) (*RouteOptions, error) {
	proxies, err := middleware.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	auth, err := sites.NewAuthenticator(dbManager.GetConnection(), logger, credentialCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	limiter, err := ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitBurst, limiterIdleTTL)
	if err != nil {
		auth.Close()
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	tolerance := time.Duration(cfg.IngestFutureToleranceH) * time.Hour
	return &RouteOptions{
		Validator:     ingest.NewValidator(cfg.IngestMaxBodyBytes, tolerance),
		Ingestor:      events.NewIngestor(dbManager, logger, events.NewNormalizer(geo, logger)),
		Authenticator: auth,
		Limiter:       limiter,
		Proxies:       proxies,
	}, nil
}

// Close releases the caches held by the options.
func (o *RouteOptions) Close() {
	o.Authenticator.Close()
	o.Limiter.Close()
}

// MountAppRoutes mounts every route with collaborators built from the global
// configuration.
func MountAppRoutes(srv *cartridge.Server) {
	cfg := config.GetConfig()
	logger := srv.GetLogger()

	opts, err := NewRouteOptions(cfg, srv.GetDBManager(), logger, geoip.Open(cfg.GeoDBPath, logger))
	if err != nil {
		logger.Error("Failed to build ingest routes", slog.Any("error", err))
		panic(err)
	}
	MountRoutes(srv, opts)
}

// MountRoutes mounts every route using opts.
func MountRoutes(srv *cartridge.Server, opts *RouteOptions) {
	logger := srv.GetLogger()

	// Checks run in this order: body size, credential, rate, then payload
	// validation and websiteId authorization inside the handler. Producers
	// include servers, so Sec-Fetch-Site is not required.
	ingestConfig := &cartridge.RouteConfig{
		EnableCORS:         true,
		WriteConcurrency:   false,
		EnableSecFetchSite: cartridge.Bool(false),
		CORSConfig:         publicCORSConfig,
		CustomMiddleware: []fiber.Handler{
			middleware.ResolveClient(opts.Proxies),
			middleware.BodyLimit(opts.Validator.MaxBytes()),
			middleware.SiteAuth(opts.Authenticator, logger),
			middleware.RateLimit(opts.Limiter, ratelimit.ScopeIngest),
		},
	}

	// Preflight carries no credentials.
	preflightConfig := &cartridge.RouteConfig{
		EnableCORS:         true,
		EnableSecFetchSite: cartridge.Bool(false),
		CORSConfig:         publicCORSConfig,
	}

	ingestHandler := http.NewIngestHandler(opts.Validator, opts.Ingestor)
	srv.Post("/ingest", ingestHandler.CreateAction, ingestConfig)
	srv.Options("/ingest", http.PreflightAction, preflightConfig)

	srv.Get("/_health", http.HealthIndexAction)
	srv.Head("/_health", http.HealthIndexAction)
	srv.Get("/metrics", http.MetricsAction)
}
