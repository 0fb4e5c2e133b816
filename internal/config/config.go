// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase = "sqlite"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	PrivateKey  string   `mapstructure:"privatekey"`

	// File paths
	DatabasePath          string `mapstructure:"storagepath"`
	DatabaseName          string `mapstructure:"-"` // Derived from other settings
	GeoDBPath             string `mapstructure:"geodbpath"`
	GeoLiteLicenseKey     string `mapstructure:"geolitelicensekey"`
	PublicDirectory       string `mapstructure:"publicdir"`
	PublicAssetsUrlPrefix string `mapstructure:"publicassetsurlprefix"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Ingestion settings
	IngestMaxBodyBytes     int `mapstructure:"ingestmaxbodybytes"`
	IngestFutureToleranceH int `mapstructure:"ingestfuturetoleranceh"`
	RateLimitPerMinute     int `mapstructure:"ratelimitperminute"`
	RateLimitBurst         int `mapstructure:"ratelimitburst"`

	// Peers whose X-Forwarded-For and X-Forwarded-User-Agent are believed,
	// as CIDR ranges or addresses.
	TrustedProxies []string `mapstructure:"trustedproxies"`

	// Rebuild settings
	RebuildChunkSize   int `mapstructure:"rebuildchunksize"`
	RebuildSampleLimit int `mapstructure:"rebuildsamplelimit"`
	RebuildWorkers     int `mapstructure:"rebuildworkers"`

	// Job scheduling settings
	JobIntervalSeconds    int  `mapstructure:"jobintervalseconds"`
	ReconcileLookbackDays int  `mapstructure:"reconcilelookbackdays"`
	ReconcileJobEnabled   bool `mapstructure:"reconcilejobenabled"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		// A missing .env file is the normal case outside development.
		_ = godotenv.Load()

		v := viper.New()

		v.SetDefault("appname", "tally")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", "88888888888888888888888888888888")
		v.SetDefault("storagepath", "storage")
		v.SetDefault("geodbpath", "storage/GeoLite2-City.mmdb")
		v.SetDefault("geolitelicensekey", "")
		v.SetDefault("publicdir", "public")
		v.SetDefault("publicassetsurlprefix", "/")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("ingestmaxbodybytes", 16*1024)
		v.SetDefault("ingestfuturetoleranceh", 24)
		v.SetDefault("ratelimitperminute", 600)
		v.SetDefault("ratelimitburst", 60)
		v.SetDefault("trustedproxies", []string{"127.0.0.1/32", "::1/128"})
		v.SetDefault("rebuildchunksize", 500)
		v.SetDefault("rebuildsamplelimit", 50)
		v.SetDefault("rebuildworkers", 4)
		v.SetDefault("jobintervalseconds", 3600)
		v.SetDefault("reconcilelookbackdays", 2)
		v.SetDefault("reconcilejobenabled", true)

		v.BindEnv("appname", "TALLY_APP_NAME")
		v.BindEnv("appport", "TALLY_APP_PORT")
		v.BindEnv("environment", "TALLY_ENV")
		v.BindEnv("loglevel", "TALLY_LOG_LEVEL")
		v.BindEnv("privatekey", "TALLY_PRIVATE_KEY")
		v.BindEnv("storagepath", "TALLY_STORAGE_PATH")
		v.BindEnv("geodbpath", "TALLY_GEO_DB_PATH")
		v.BindEnv("geolitelicensekey", "TALLY_GEOLITE_LICENSE_KEY")
		v.BindEnv("publicdir", "TALLY_PUBLIC_DIR")
		v.BindEnv("publicassetsurlprefix", "TALLY_PUBLIC_ASSETS_URL_PREFIX")
		v.BindEnv("logsdir", "TALLY_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "TALLY_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "TALLY_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "TALLY_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "TALLY_DB_TYPE")
		v.BindEnv("dbmaxopenconns", "TALLY_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "TALLY_DB_MAX_IDLE_CONNS")
		v.BindEnv("ingestmaxbodybytes", "TALLY_INGEST_MAX_BODY_BYTES")
		v.BindEnv("ingestfuturetoleranceh", "TALLY_INGEST_FUTURE_TOLERANCE_HOURS")
		v.BindEnv("ratelimitperminute", "TALLY_RATE_LIMIT_PER_MINUTE")
		v.BindEnv("ratelimitburst", "TALLY_RATE_LIMIT_BURST")
		v.BindEnv("trustedproxies", "TALLY_TRUSTED_PROXIES")
		v.BindEnv("rebuildchunksize", "TALLY_REBUILD_CHUNK_SIZE")
		v.BindEnv("rebuildsamplelimit", "TALLY_REBUILD_SAMPLE_LIMIT")
		v.BindEnv("rebuildworkers", "TALLY_REBUILD_WORKERS")
		v.BindEnv("jobintervalseconds", "TALLY_JOB_INTERVAL_SECONDS")
		v.BindEnv("reconcilelookbackdays", "TALLY_RECONCILE_LOOKBACK_DAYS")
		v.BindEnv("reconcilejobenabled", "TALLY_RECONCILE_JOB_ENABLED")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		cfg.DatabaseName = cfg.GetDatabasePath()

		defaultKey := "88888888888888888888888888888888"
		if cfg.PrivateKey == "" {
			log.Fatal("Private key is required")
		}
		if cfg.IsProduction() && cfg.PrivateKey == defaultKey {
			log.Fatal("Production requires a unique TALLY_PRIVATE_KEY (cannot use default)")
		}
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}

	if c.IngestMaxBodyBytes <= 0 {
		return fmt.Errorf("ingest body limit must be positive: %d", c.IngestMaxBodyBytes)
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be positive: %d/min burst %d", c.RateLimitPerMinute, c.RateLimitBurst)
	}
	if c.RebuildChunkSize <= 0 {
		return fmt.Errorf("rebuild chunk size must be positive: %d", c.RebuildChunkSize)
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
func (c *Config) GetPublicDirectory() string {
	return c.PublicDirectory
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return c.PublicAssetsUrlPrefix
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns the session encryption key (implements cartridge.FactoryConfig interface).
func (c *Config) GetSessionSecret() string {
	return c.PrivateKey
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1 (required for test stability)
// - Development/Production: 10 (concurrent readers; writers serialize in SQLite anyway)
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
