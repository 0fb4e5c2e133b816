package sites

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"github.com/karloscodes/cartridge/cache"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AuthError is returned for missing, invalid or mismatched credentials.
// Messages stay generic so responses do not leak which part failed.
type AuthError struct {
	Forbidden bool
	Reason    string
}

func (e *AuthError) Error() string {
	if e.Forbidden {
		return "forbidden: " + e.Reason
	}
	return "unauthorized: " + e.Reason
}

var (
	ErrMissingCredential = &AuthError{Reason: "missing credential"}
	ErrInvalidCredential = &AuthError{Reason: "invalid credential"}
	ErrSiteMismatch      = &AuthError{Forbidden: true, Reason: "credential does not match websiteId"}
)

// Authenticator resolves plaintext API keys to sites.
type Authenticator struct {
	logger   *slog.Logger
	prefixes *cache.Cache[string, *Site]
	verified *ristretto.Cache
	ttl      time.Duration
}

// NewAuthenticator creates an authenticator. Site rows are cached by key
// prefix and successful bcrypt verifications are cached for ttl.
func NewAuthenticator(db *gorm.DB, logger *slog.Logger, ttl time.Duration) (*Authenticator, error) {
	verified, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create credential cache: %w", err)
	}

	fetchFunc := func(prefix string) (*Site, error) {
		return GetSiteByPrefix(db, prefix)
	}

	return &Authenticator{
		logger:   logger,
		prefixes: cache.NewCache[string, *Site](logger, ttl, fetchFunc),
		verified: verified,
		ttl:      ttl,
	}, nil
}

// Authenticate returns the site owning key or an *AuthError.
func (a *Authenticator) Authenticate(key string) (*Site, error) {
	if key == "" {
		return nil, ErrMissingCredential
	}

	hash := xxhash.Sum64String(key)
	if v, ok := a.verified.Get(hash); ok {
		return v.(*Site), nil
	}

	prefix, ok := ParseKeyPrefix(key)
	if !ok {
		return nil, ErrInvalidCredential
	}

	site, err := a.prefixes.Get(prefix)
	if err != nil {
		var notFound *SiteNotFoundError
		if !errors.As(err, &notFound) {
			a.logger.Error("Failed to load site for credential", slog.Any("error", err))
			return nil, fmt.Errorf("failed to load site: %w", err)
		}
		return nil, ErrInvalidCredential
	}
	if site == nil {
		return nil, ErrInvalidCredential
	}

	if err := bcrypt.CompareHashAndPassword([]byte(site.APIKeyHash), []byte(key)); err != nil {
		a.logger.Debug("API key rejected", slog.String("prefix", prefix))
		return nil, ErrInvalidCredential
	}

	a.verified.SetWithTTL(hash, site, 1, a.ttl)
	a.verified.Wait()
	return site, nil
}

// Authorize checks that the payload's websiteId belongs to site.
func Authorize(site *Site, websiteID string) error {
	if site == nil || site.PublicID != websiteID {
		return ErrSiteMismatch
	}
	return nil
}

// Reset drops every cached credential and site row.
func (a *Authenticator) Reset() {
	a.verified.Clear()
	a.prefixes.Clear()
}

// Close releases cache resources.
func (a *Authenticator) Close() {
	a.verified.Close()
}
