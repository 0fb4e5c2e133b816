package sites

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/karloscodes/cartridge/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	keyScheme    = "tk"
	prefixBytes  = 6
	secretBytes  = 24
	publicIDSize = 64
)

// SiteNotFoundError represents an error when a site lookup fails
type SiteNotFoundError struct {
	Ref string
}

func (e *SiteNotFoundError) Error() string {
	return fmt.Sprintf("site not found: %s", e.Ref)
}

// Site is a tracked property. PublicID is the websiteId clients send.
type Site struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	PublicID     string    `gorm:"uniqueIndex;size:64;not null" json:"public_id"`
	Domain       string    `gorm:"not null" json:"domain"`
	APIKeyPrefix string    `gorm:"uniqueIndex;size:32;not null" json:"-"`
	APIKeyHash   string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// GenerateAPIKey returns a new plaintext key and its lookup prefix. The
// plaintext is shown once; only the prefix and a bcrypt hash are stored.
func GenerateAPIKey() (key string, prefix string, err error) {
	p := make([]byte, prefixBytes)
	if _, err := rand.Read(p); err != nil {
		return "", "", fmt.Errorf("failed to generate key prefix: %w", err)
	}
	s := make([]byte, secretBytes)
	if _, err := rand.Read(s); err != nil {
		return "", "", fmt.Errorf("failed to generate key secret: %w", err)
	}
	prefix = hex.EncodeToString(p)
	return fmt.Sprintf("%s_%s_%s", keyScheme, prefix, hex.EncodeToString(s)), prefix, nil
}

// ParseKeyPrefix extracts the lookup prefix from a plaintext key.
func ParseKeyPrefix(key string) (string, bool) {
	parts := strings.Split(key, "_")
	if len(parts) != 3 || parts[0] != keyScheme || len(parts[1]) != prefixBytes*2 || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}

// CreateSite registers a site and returns it with its one-time plaintext key.
func CreateSite(db *gorm.DB, logger *slog.Logger, publicID, domain string) (*Site, string, error) {
	publicID = strings.TrimSpace(publicID)
	domain = strings.ToLower(strings.TrimSpace(domain))
	if publicID == "" || len(publicID) > publicIDSize {
		return nil, "", fmt.Errorf("public id must be 1..%d characters", publicIDSize)
	}
	if domain == "" {
		return nil, "", fmt.Errorf("domain is required")
	}

	key, prefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash api key: %w", err)
	}

	site := &Site{
		PublicID:     publicID,
		Domain:       domain,
		APIKeyPrefix: prefix,
		APIKeyHash:   string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	err = sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		return tx.Create(site).Error
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create site: %w", err)
	}
	return site, key, nil
}

// GetSiteByPrefix looks a site up by its API key prefix.
func GetSiteByPrefix(db *gorm.DB, prefix string) (*Site, error) {
	var site Site
	if err := db.Where("api_key_prefix = ?", prefix).First(&site).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &SiteNotFoundError{Ref: prefix}
		}
		return nil, fmt.Errorf("unexpected error querying site: %w", err)
	}
	return &site, nil
}

// GetSiteByPublicID looks a site up by the websiteId clients send.
func GetSiteByPublicID(db *gorm.DB, publicID string) (*Site, error) {
	var site Site
	if err := db.Where("public_id = ?", publicID).First(&site).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &SiteNotFoundError{Ref: publicID}
		}
		return nil, fmt.Errorf("unexpected error querying site: %w", err)
	}
	return &site, nil
}

// GetAllSites retrieves all sites ordered by id
func GetAllSites(db *gorm.DB) ([]Site, error) {
	var sites []Site
	if err := db.Order("id").Find(&sites).Error; err != nil {
		return nil, fmt.Errorf("failed to get sites: %w", err)
	}
	return sites, nil
}
