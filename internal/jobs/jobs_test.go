package jobs_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/config"
	"tally/internal/events"
	"tally/internal/jobs"
	"tally/internal/rebuild"
	"tally/internal/testsupport"
)

type countingReloader struct{ n atomic.Int32 }

func (r *countingReloader) Reload() { r.n.Add(1) }

func geoLiteArchive(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "GeoLite2-City_20250301/README.txt", Mode: 0644, Size: 2}))
	_, err := tw.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "GeoLite2-City_20250301/GeoLite2-City.mmdb", Mode: 0644, Size: int64(len(payload))}))
	_, err = tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func newGeoLiteJob(t *testing.T, serverURL string, reloader jobs.Reloader) (*jobs.GeoLiteUpdaterJob, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geo", "GeoLite2-City.mmdb")
	cfg := &config.Config{GeoDBPath: path, GeoLiteLicenseKey: "test-key"}
	job := jobs.NewGeoLiteUpdaterJob(cfg, reloader, testsupport.GetLogger()).WithDownloadURL(serverURL)
	return job, path
}

func TestGeoLiteUpdaterJob(t *testing.T) {
	t.Run("downloads, installs and reloads", func(t *testing.T) {
		archive := geoLiteArchive(t, []byte("mmdb-bytes"))
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The first attempt fails transiently.
			if requests.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write(archive)
		}))
		defer srv.Close()

		reloader := &countingReloader{}
		job, path := newGeoLiteJob(t, srv.URL, reloader)

		require.NoError(t, job.Run(context.Background()))

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "mmdb-bytes", string(got))
		assert.Equal(t, int32(2), requests.Load())
		assert.Equal(t, int32(1), reloader.n.Load())

		// A fresh database is left alone.
		require.NoError(t, job.Run(context.Background()))
		assert.Equal(t, int32(2), requests.Load())
	})

	t.Run("does not retry rejected license keys", func(t *testing.T) {
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		reloader := &countingReloader{}
		job, path := newGeoLiteJob(t, srv.URL, reloader)

		require.Error(t, job.Run(context.Background()))
		assert.Equal(t, int32(1), requests.Load())
		assert.Zero(t, reloader.n.Load())
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("archive without database fails", func(t *testing.T) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gz)
		require.NoError(t, tw.Close())
		require.NoError(t, gz.Close())
		archive := buf.Bytes()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(archive)
		}))
		defer srv.Close()

		reloader := &countingReloader{}
		job, path := newGeoLiteJob(t, srv.URL, reloader)
		require.Error(t, job.Run(context.Background()))
		assert.Zero(t, reloader.n.Load())
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("unconfigured job is a no-op", func(t *testing.T) {
		job := jobs.NewGeoLiteUpdaterJob(&config.Config{}, nil, testsupport.GetLogger())
		assert.False(t, job.Configured())
		assert.NoError(t, job.Run(context.Background()))
	})
}

func TestReconcileJob(t *testing.T) {
	dbManager, logger, site, _ := testsupport.SetupTestDBManagerWithSite(t, "site-a", "example.com")
	db := dbManager.GetConnection()
	ingestor := testsupport.NewTestIngestor(dbManager, nil)

	now := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	for i, ts := range []time.Time{now.Add(-50 * time.Hour), now.Add(-2 * time.Hour), now.Add(-time.Hour)} {
		ev := testsupport.Pageview(site, "v-1", "s-"+string(rune('a'+i)), "/", ts)
		_, err := ingestor.Ingest(context.Background(), &events.IngestInput{
			Site:   site,
			Event:  ev,
			Client: events.ClientInfo{IP: "203.0.113.9", UserAgent: chromeUA},
		})
		require.NoError(t, err)
	}

	engine := rebuild.NewEngine(dbManager, logger, rebuild.Config{SampleLimit: 5})
	job := jobs.NewReconcileJob(engine, logger, 2).WithClock(func() time.Time { return now })

	from, to := job.Window()
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), to)

	diff, err := job.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, diff)
	assert.True(t, diff.Clean())

	require.NoError(t, db.Exec("UPDATE daily_rollups SET pageviews = pageviews + 5 WHERE date = ?", "2025-03-03").Error)

	diff, err = job.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, diff.Clean())
	assert.Equal(t, 1, diff.Tables["daily_rollups"].Mismatched)
}
