package geoip

import (
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// Location is what an IP resolves to. Empty fields mean unknown.
type Location struct {
	CountryCode string
	Region      string
	City        string
}

// Resolver maps client IPs to locations.
type Resolver interface {
	Lookup(ip net.IP) Location
}

// NoopResolver resolves everything to an empty Location.
type NoopResolver struct{}

func (NoopResolver) Lookup(net.IP) Location { return Location{} }

// StaticResolver serves fixed answers, keyed by IP string. Used in tests and
// for local development without a GeoLite2 file.
type StaticResolver map[string]Location

func (s StaticResolver) Lookup(ip net.IP) Location {
	if ip == nil {
		return Location{}
	}
	return s[ip.String()]
}

// MaxMindResolver reads a GeoLite2-City (or GeoIP2-City) database.
type MaxMindResolver struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
	path   string
	logger *slog.Logger
}

// Open opens the database at path. A missing file is not an error: geo
// resolution is optional and the resolver falls back to unknown values.
func Open(path string, logger *slog.Logger) *MaxMindResolver {
	r := &MaxMindResolver{path: path, logger: logger}
	r.reader = r.open()
	return r
}

func (r *MaxMindResolver) open() *geoip2.Reader {
	if r.path == "" {
		r.logger.Debug("GeoIP database path not configured - geo lookups disabled")
		return nil
	}

	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		r.logger.Info("GeoLite2 database not found - geo lookups disabled",
			slog.String("path", r.path),
			slog.String("hint", "Download from https://www.maxmind.com/en/geolite2/signup"))
		return nil
	} else if err != nil {
		r.logger.Warn("Error checking GeoLite2 database file",
			slog.String("path", r.path),
			slog.Any("error", err))
		return nil
	}

	db, err := geoip2.Open(r.path)
	if err != nil {
		r.logger.Error("Failed to open GeoLite2 database",
			slog.String("path", r.path),
			slog.Any("error", err))
		return nil
	}

	r.logger.Info("GeoLite2 database initialized", slog.String("path", r.path))
	return db
}

// Available reports whether a database is loaded.
func (r *MaxMindResolver) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reader != nil
}

// Lookup resolves ip. Lookup failures degrade to an empty Location.
func (r *MaxMindResolver) Lookup(ip net.IP) Location {
	if ip == nil {
		return Location{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return Location{}
	}

	record, err := r.reader.City(ip)
	if err != nil {
		r.logger.Debug("GeoIP lookup failed", slog.String("ip", ip.String()), slog.Any("error", err))
		return Location{}
	}

	loc := Location{
		CountryCode: record.Country.IsoCode,
		City:        record.City.Names["en"],
	}
	if loc.CountryCode == "--" {
		loc.CountryCode = ""
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
	}
	return loc
}

// Reload reopens the database from disk, after a download replaced it.
func (r *MaxMindResolver) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reader != nil {
		r.reader.Close()
	}
	r.reader = r.open()
	if r.reader != nil {
		r.logger.Info("GeoLite2 database reloaded")
	}
}

// Close releases the database.
func (r *MaxMindResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}
