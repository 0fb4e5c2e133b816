package testsupport

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tally/internal"
	"tally/internal/config"
	"tally/internal/database"
	"tally/internal/events"
	"tally/internal/ingest"
	"tally/internal/pkg/geoip"
	"tally/internal/sites"
)

func init() {
	if os.Getenv("TALLY_ENV") == "" {
		os.Setenv("TALLY_ENV", config.Test)
	}
}

// testDBCache caches test databases by test name to allow multiple calls
// within the same test to share the same database
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager with tally's interface
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

var _ cartridge.DBManager = (*TestDBManager)(nil)

// SetupTestDB creates a migrated in-memory database. Multiple calls within
// the same root test return the same database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	rootName := t.Name()
	if idx := strings.Index(rootName, "/"); idx > 0 {
		rootName = rootName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	sanitizedName := strings.ReplaceAll(rootName, "/", "_")
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", sanitizedName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	// One connection: writers never race on the shared-cache database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("testsupport: failed to access sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		sqlDB.Close()
	})

	return db
}

// SetupTestDBManager creates a test DB manager using cartridge's testsupport
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	t.Helper()

	cfg := config.GetConfig()
	if cfg.Environment != config.Test {
		t.Fatalf("CRITICAL: Tests must run in test environment! Current: %s. Set TALLY_ENV=test", cfg.Environment)
	}

	db := SetupTestDB(t)
	return NewTestDBManager(db), GetLogger()
}

// CreateTestSite creates a site and returns it with its plaintext API key.
func CreateTestSite(t *testing.T, db *gorm.DB, publicID, domain string) (*sites.Site, string) {
	t.Helper()

	site, key, err := sites.CreateSite(db, GetLogger(), publicID, domain)
	require.NoError(t, err)
	return site, key
}

// SetupTestDBManagerWithSite creates a test database manager with one site.
func SetupTestDBManagerWithSite(t *testing.T, publicID, domain string) (*TestDBManager, *slog.Logger, *sites.Site, string) {
	t.Helper()

	dbManager, logger := SetupTestDBManager(t)
	site, key := CreateTestSite(t, dbManager.GetConnection(), publicID, domain)
	return dbManager, logger, site, key
}

// NewTestIngestor returns an ingestor whose geo lookups are served from
// locations, keyed by IP.
func NewTestIngestor(dbManager cartridge.DBManager, locations geoip.StaticResolver) *events.Ingestor {
	logger := GetLogger()
	return events.NewIngestor(dbManager, logger, events.NewNormalizer(locations, logger))
}

// Pageview returns a valid pageview event. Callers override fields as needed.
func Pageview(site *sites.Site, visitorID, sessionID, path string, ts time.Time) *ingest.Event {
	return &ingest.Event{
		SchemaVersion: ingest.CurrentSchemaVersion,
		Type:          ingest.EventTypePageview,
		WebsiteID:     site.PublicID,
		Domain:        site.Domain,
		Path:          path,
		Timestamp:     ts.UTC(),
		VisitorID:     visitorID,
		SessionID:     sessionID,
		Metadata:      map[string]any{},
	}
}

// CleanTables deletes every row from the given tables.
func CleanTables(db *gorm.DB, tables []string) {
	db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tables {
			tx.Exec("DELETE FROM " + table)
			tx.Exec("DELETE FROM sqlite_sequence WHERE name=?", table)
		}
		return nil
	})
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// NewTestRouteOptions builds ingest collaborators from a copy of the test
// configuration. tweak may adjust the copy, e.g. to lower the rate limit.
func NewTestRouteOptions(t *testing.T, dbManager cartridge.DBManager, geo geoip.Resolver, tweak func(*config.Config)) *internal.RouteOptions {
	t.Helper()

	cfg := *config.GetConfig()
	// app.Test connections come from 0.0.0.0; treat it as the local proxy.
	cfg.TrustedProxies = []string{"0.0.0.0/32"}
	if tweak != nil {
		tweak(&cfg)
	}
	if geo == nil {
		geo = geoip.NoopResolver{}
	}

	opts, err := internal.NewRouteOptions(&cfg, dbManager, GetLogger(), geo)
	require.NoError(t, err)
	t.Cleanup(opts.Close)
	return opts
}

// CreateTestApp creates a test Fiber app serving every route through opts.
func CreateTestApp(t *testing.T, db *gorm.DB, opts *internal.RouteOptions) *fiber.App {
	t.Helper()

	srv := newTestServer(t, NewTestDBManager(db))
	internal.MountRoutes(srv, opts)
	return srv.App()
}

// CreateMinimalTestApp creates a test Fiber app with all routes
func CreateMinimalTestApp(t *testing.T, db *gorm.DB) *fiber.App {
	t.Helper()

	dbManager := NewTestDBManager(db)
	return CreateTestApp(t, db, NewTestRouteOptions(t, dbManager, nil, nil))
}

func newTestServer(t *testing.T, dbManager cartridge.DBManager) *cartridge.Server {
	t.Helper()

	appConfig := config.GetConfig()
	appConfig.Environment = config.Test

	cfg := cartridge.DefaultServerConfig()
	cfg.Config = appConfig
	cfg.Logger = GetLogger()
	cfg.DBManager = dbManager
	cfg.EnableSecFetchSite = false

	srv, err := cartridge.NewServer(cfg)
	require.NoError(t, err)
	return srv
}
