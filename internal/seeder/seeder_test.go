package seeder_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/events"
	"tally/internal/ingest"
	"tally/internal/rebuild"
	"tally/internal/seeder"
	"tally/internal/testsupport"
)

func TestSeedProducesReconcilableRollups(t *testing.T) {
	dbManager, logger, site, _ := testsupport.SetupTestDBManagerWithSite(t, "site-a", "example.com")
	db := dbManager.GetConnection()

	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	validator := ingest.NewValidator(16*1024, 24*time.Hour).WithClock(func() time.Time { return now })
	ingestor := testsupport.NewTestIngestor(dbManager, nil)

	s := seeder.NewSeeder(validator, ingestor, logger, 60, 42).WithNow(now)
	s.Days = 5

	stats, err := s.Seed(context.Background(), site)
	require.NoError(t, err)
	assert.Equal(t, 60, stats.Sessions)
	assert.Zero(t, stats.Rejected)
	assert.Positive(t, stats.Accepted)

	stored, err := events.CountEvents(db, site.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(stats.Accepted+stats.Bots), stored)

	engine := rebuild.NewEngine(dbManager, logger, rebuild.Config{SampleLimit: 10})
	from, to := rebuild.Window(now.AddDate(0, 0, -6), 7)
	result, err := engine.Run(context.Background(), rebuild.Options{SiteID: site.ID, From: from, To: to, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, int64(stats.Accepted), result.EventsProcessed)
	assert.True(t, result.Diff.Clean(), "samples: %+v", result.Diff.Samples)
}

func TestSeedIsReproducible(t *testing.T) {
	run := func(t *testing.T) *seeder.Stats {
		dbManager, logger, site, _ := testsupport.SetupTestDBManagerWithSite(t, "site-a", "example.com")
		now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
		validator := ingest.NewValidator(16*1024, 24*time.Hour).WithClock(func() time.Time { return now })

		stats, err := seeder.NewSeeder(validator, testsupport.NewTestIngestor(dbManager, nil), logger, 20, 7).
			WithNow(now).
			Seed(context.Background(), site)
		require.NoError(t, err)
		return stats
	}

	var first, second *seeder.Stats
	t.Run("first", func(t *testing.T) { first = run(t) })
	t.Run("second", func(t *testing.T) { second = run(t) })
	assert.Equal(t, first, second)
}
