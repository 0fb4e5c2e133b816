package geoip

import (
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMissingDatabaseDegradesToUnknown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := Open(filepath.Join(t.TempDir(), "missing.mmdb"), logger)
	defer r.Close()

	assert.False(t, r.Available())
	assert.Equal(t, Location{}, r.Lookup(net.ParseIP("8.8.8.8")))
	assert.Equal(t, Location{}, r.Lookup(nil))
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{
		"203.0.113.9": {CountryCode: "DE", Region: "Berlin", City: "Berlin"},
	}

	assert.Equal(t, "DE", r.Lookup(net.ParseIP("203.0.113.9")).CountryCode)
	assert.Equal(t, Location{}, r.Lookup(net.ParseIP("198.51.100.1")))
	assert.Equal(t, Location{}, NoopResolver{}.Lookup(net.ParseIP("203.0.113.9")))
}
