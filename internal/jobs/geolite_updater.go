package jobs

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tally/internal/config"
)

const (
	// GeoLite database is updated weekly by MaxMind
	GeoLiteUpdateInterval = 7 * 24 * time.Hour
	// MaxMind download URL template
	MaxMindDownloadURL = "https://download.maxmind.com/app/geoip_download?edition_id=GeoLite2-City&license_key=%s&suffix=tar.gz"

	geoLiteDownloadAttempts = 3
)

// Reloader is implemented by geo resolvers that can reopen their database.
type Reloader interface {
	Reload()
}

// GeoLiteUpdaterJob keeps the GeoLite2-City database used for country,
// region and city normalization fresh. The database file's modification time
// records the last update.
type GeoLiteUpdaterJob struct {
	logger      *slog.Logger
	path        string
	licenseKey  string
	downloadURL string
	client      *http.Client
	geo         Reloader
	now         func() time.Time
}

// NewGeoLiteUpdaterJob creates a new GeoLite updater job
func NewGeoLiteUpdaterJob(cfg *config.Config, geo Reloader, logger *slog.Logger) *GeoLiteUpdaterJob {
	path := cfg.GeoDBPath
	if path == "" {
		path = filepath.Join("storage", "GeoLite2-City.mmdb")
	}
	return &GeoLiteUpdaterJob{
		logger:      logger,
		path:        path,
		licenseKey:  cfg.GeoLiteLicenseKey,
		downloadURL: fmt.Sprintf(MaxMindDownloadURL, url.QueryEscape(cfg.GeoLiteLicenseKey)),
		client:      &http.Client{Timeout: 5 * time.Minute},
		geo:         geo,
		now:         time.Now,
	}
}

// WithDownloadURL points the job at another archive location, e.g. a mirror.
func (j *GeoLiteUpdaterJob) WithDownloadURL(u string) *GeoLiteUpdaterJob {
	j.downloadURL = u
	return j
}

// Configured reports whether a license key is set.
func (j *GeoLiteUpdaterJob) Configured() bool {
	return j.licenseKey != ""
}

// Run downloads a fresh database when the current one is missing or older
// than GeoLiteUpdateInterval.
func (j *GeoLiteUpdaterJob) Run(ctx context.Context) error {
	if !j.Configured() {
		j.logger.Debug("GeoLite license key not configured, skipping update")
		return nil
	}

	lastUpdate := j.lastUpdateTime()
	if age := j.now().Sub(lastUpdate); age < GeoLiteUpdateInterval {
		j.logger.Debug("GeoLite database is up to date",
			slog.Time("last_update", lastUpdate),
			slog.Duration("age", age))
		return nil
	}

	j.logger.Info("Starting GeoLite database update", slog.Time("last_update", lastUpdate))

	if err := j.downloadAndUpdate(ctx); err != nil {
		j.logger.Error("Failed to update GeoLite database", slog.Any("error", err))
		return err
	}

	if j.geo != nil {
		j.geo.Reload()
	}

	j.logger.Info("GeoLite database updated successfully")
	return nil
}

// lastUpdateTime returns the zero time when no database exists.
func (j *GeoLiteUpdaterJob) lastUpdateTime() time.Time {
	info, err := os.Stat(j.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// downloadAndUpdate downloads the archive with retries and swaps the
// extracted database into place.
func (j *GeoLiteUpdaterJob) downloadAndUpdate(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile, err := os.CreateTemp("", "geolite-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tempFile.Name())
	defer tempFile.Close()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), geoLiteDownloadAttempts-1), ctx)
	err = backoff.Retry(func() error {
		if err := tempFile.Truncate(0); err != nil {
			return backoff.Permanent(err)
		}
		if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		return j.download(ctx, tempFile)
	}, policy)
	if err != nil {
		return err
	}

	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}

	staged := j.path + ".download"
	if err := extractMMDB(tempFile, staged); err != nil {
		os.Remove(staged)
		return fmt.Errorf("failed to extract database: %w", err)
	}
	if err := os.Rename(staged, j.path); err != nil {
		os.Remove(staged)
		return fmt.Errorf("failed to install database: %w", err)
	}
	return nil
}

func (j *GeoLiteUpdaterJob) download(ctx context.Context, dst io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.downloadURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build download request: %w", err))
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download GeoLite database: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download failed with status: %d", resp.StatusCode)
		// Bad license keys and missing editions will not fix themselves.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("failed to save download: %w", err)
	}
	return nil
}

// extractMMDB extracts the .mmdb file from the tar.gz archive
func extractMMDB(archive io.Reader, destPath string) error {
	gzr, err := gzip.NewReader(archive)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		if !strings.HasSuffix(header.Name, ".mmdb") {
			continue
		}

		outFile, err := os.Create(destPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		if _, err := io.Copy(outFile, tr); err != nil {
			outFile.Close()
			return fmt.Errorf("failed to extract file: %w", err)
		}
		return outFile.Close()
	}

	return fmt.Errorf("no .mmdb file found in archive")
}
