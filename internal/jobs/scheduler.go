package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/karloscodes/cartridge"

	"tally/internal/config"
	"tally/internal/rebuild"
)

// Scheduler is responsible for running background jobs
type Scheduler struct {
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	isRunning bool
	cfg       *config.Config

	// Mutex to prevent concurrent job executions
	processingMutex sync.Mutex
	isProcessing    bool

	reconcileJob *ReconcileJob
	geoLiteJob   *GeoLiteUpdaterJob

	reconcileTicker *time.Ticker
	geoLiteTicker   *time.Ticker
}

var _ cartridge.BackgroundWorker = (*Scheduler)(nil)

// NewScheduler wires the reconciliation job to engine. geo may be nil when no
// resolver needs reloading after a GeoLite download.
func NewScheduler(cfg *config.Config, engine *rebuild.Engine, geo Reloader, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		enabled:      true,
		cfg:          cfg,
		reconcileJob: NewReconcileJob(engine, logger, cfg.ReconcileLookbackDays),
		geoLiteJob:   NewGeoLiteUpdaterJob(cfg, geo, logger),
	}
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func() error) {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()
	}()

	if err := jobFunc(); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins all background jobs
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}
	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...")
	s.isRunning = true

	if s.cfg.ReconcileJobEnabled {
		s.startReconcileJob()
	}
	if s.geoLiteJob.Configured() {
		s.startGeoLiteJob()
	}
	return nil
}

func (s *Scheduler) startReconcileJob() {
	interval := time.Duration(s.cfg.JobIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	s.logger.Info("Starting reconciliation job", slog.Duration("interval", interval))
	s.reconcileTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-s.reconcileTicker.C:
				s.executeJobSafely("reconcile", s.RunReconcile)
			case <-s.ctx.Done():
				s.logger.Info("Reconciliation job stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) startGeoLiteJob() {
	interval := 24 * time.Hour
	s.logger.Info("Starting GeoLite update job", slog.Duration("interval", interval))
	s.geoLiteTicker = time.NewTicker(interval)

	go func() {
		s.executeJobSafely("geolite_updater", func() error { return s.geoLiteJob.Run(s.ctx) })

		for {
			select {
			case <-s.geoLiteTicker.C:
				s.executeJobSafely("geolite_updater", func() error { return s.geoLiteJob.Run(s.ctx) })
			case <-s.ctx.Done():
				s.logger.Info("GeoLite update job stopped")
				return
			}
		}
	}()
}

// RunReconcile runs one reconciliation pass immediately.
func (s *Scheduler) RunReconcile() error {
	_, err := s.reconcileJob.Run(s.ctx)
	return err
}

// Stop halts all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.enabled = false

	if s.reconcileTicker != nil {
		s.reconcileTicker.Stop()
	}
	if s.geoLiteTicker != nil {
		s.geoLiteTicker.Stop()
	}

	s.cancel()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}
