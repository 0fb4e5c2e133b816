// Package internal contains core application functionality
package internal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/karloscodes/cartridge"

	"tally/internal/config"
	"tally/internal/database"
	"tally/internal/jobs"
	"tally/internal/pkg/geoip"
	"tally/internal/rebuild"
)

// Application wraps cartridge.Application with tally-specific components
type Application struct {
	*cartridge.Application
	DBManager *database.DBManager
	Routes    *RouteOptions
	Scheduler *jobs.Scheduler

	geo *geoip.MaxMindResolver
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	return NewAppWithConfig(config.GetConfig())
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logger := cartridge.NewLogger(cfg, nil)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	geo := geoip.Open(cfg.GeoDBPath, logger)

	routes, err := NewRouteOptions(cfg, dbManager, logger, geo)
	if err != nil {
		geo.Close()
		return nil, err
	}

	scheduler := jobs.NewScheduler(cfg, NewRebuildEngine(cfg, dbManager, logger), geo, logger)

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:    cfg,
		Logger:    logger,
		DBManager: dbManager,
		RouteMountFunc: func(srv *cartridge.Server) {
			MountRoutes(srv, routes)
		},
		BackgroundWorkers: []cartridge.BackgroundWorker{scheduler},
	})
	if err != nil {
		routes.Close()
		geo.Close()
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Routes:      routes,
		Scheduler:   scheduler,
		geo:         geo,
	}, nil
}

// NewRebuildEngine creates a rebuild engine tuned by cfg.
func NewRebuildEngine(cfg *config.Config, dbManager cartridge.DBManager, logger *slog.Logger) *rebuild.Engine {
	return rebuild.NewEngine(dbManager, logger, rebuild.Config{
		ChunkSize:   cfg.RebuildChunkSize,
		SampleLimit: cfg.RebuildSampleLimit,
		Workers:     cfg.RebuildWorkers,
	})
}

// Shutdown stops the server and workers, then releases caches and the geo
// database.
func (a *Application) Shutdown(ctx context.Context) error {
	err := a.Application.Shutdown(ctx)
	a.Routes.Close()
	if cerr := a.geo.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
