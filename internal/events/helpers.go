package events

import (
	"log/slog"
	"net"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pariz/gountries"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"tally/internal/pkg/geoip"
	"tally/internal/pkg/referrers"
	ua "tally/internal/pkg/user_agent"
)

// Device values stored on raw events.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// ClientInfo is what the transport knows about the sender.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Normalized holds the server-derived attributes of an event. Empty strings
// mean unknown; the extractors substitute placeholders.
type Normalized struct {
	ReferrerDomain string
	Country        string
	Region         string
	City           string
	Device         string
	Browser        string
	OS             string
	Bot            bool
}

// Normalizer derives location, device and referrer attributes.
type Normalizer struct {
	geo       geoip.Resolver
	countries *gountries.Query
	upper     cases.Caser
	logger    *slog.Logger
}

func NewNormalizer(geo geoip.Resolver, logger *slog.Logger) *Normalizer {
	if geo == nil {
		geo = geoip.NoopResolver{}
	}
	return &Normalizer{
		geo:       geo,
		countries: gountries.New(),
		upper:     cases.Upper(language.AmericanEnglish),
		logger:    logger,
	}
}

// Normalize resolves the client and referrer attributes of one event sent to
// a site with the given domain.
func (n *Normalizer) Normalize(referrer, siteDomain string, client ClientInfo) Normalized {
	parsed := ua.ParseUserAgent(client.UserAgent)
	out := Normalized{
		ReferrerDomain: referrers.Domain(referrer, siteDomain),
		Bot:            parsed.Bot,
	}
	if parsed.Bot {
		return out
	}

	out.Device = deviceFromParsedUA(parsed)
	out.Browser = browserFromParsedUA(parsed)
	out.OS = NormalizeOperatingSystem(parsed.OS)

	ip := net.ParseIP(strings.TrimSpace(client.IP))
	if ip == nil {
		if client.IP != "" {
			n.logger.Debug("Unparseable client IP", slog.String("ip", client.IP))
		}
		return out
	}

	loc := n.geo.Lookup(ip)
	out.Country = n.countryCode(loc.CountryCode)
	if out.Country != "" {
		out.Region = strings.TrimSpace(loc.Region)
		out.City = strings.TrimSpace(loc.City)
	}
	return out
}

// countryCode canonicalizes an ISO alpha-2 or alpha-3 code to upper-case
// alpha-2. Codes gountries does not know resolve to unknown.
func (n *Normalizer) countryCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	country, err := n.countries.FindCountryByAlpha(code)
	if err != nil {
		n.logger.Debug("Unknown country code", slog.String("code", code))
		return ""
	}
	return n.upper.String(country.Codes.Alpha2)
}

func deviceFromParsedUA(parsed ua.UserAgent) string {
	switch {
	case parsed.Mobile:
		return DeviceMobile
	case parsed.Tablet:
		return DeviceTablet
	case parsed.Desktop:
		return DeviceDesktop
	}
	return ""
}

func browserFromParsedUA(parsed ua.UserAgent) string {
	if parsed.Browser == "" || parsed.Browser == "Unknown" {
		return ""
	}

	name := strings.ToLower(parsed.Browser)
	switch name {
	case "internet explorer":
		return "ie"
	case "mobile safari":
		return "safari"
	case "chrome mobile", "chrome mobile webview":
		return "chrome"
	case "firefox mobile":
		return "firefox"
	case "opera mini", "opera mobile":
		return "opera"
	case "microsoft edge", "edge mobile":
		return "edge"
	}
	return name
}

// NormalizeOperatingSystem folds OS name variants into one spelling.
func NormalizeOperatingSystem(os string) string {
	if os == "" || os == "Unknown" {
		return ""
	}

	lower := strings.ToLower(os)
	switch {
	case strings.Contains(lower, "ipados"):
		return "iPadOS"
	case strings.Contains(lower, "mac") || strings.Contains(lower, "darwin"):
		return "MacOS"
	case strings.Contains(lower, "android"):
		return "Android"
	case strings.Contains(lower, "linux"):
		return "Linux"
	case strings.Contains(lower, "ios") || strings.Contains(lower, "iphone os"):
		return "iOS"
	case strings.Contains(lower, "windows"):
		return "Windows"
	}
	first, size := utf8.DecodeRuneInString(os)
	return string(unicode.ToUpper(first)) + strings.ToLower(os[size:])
}
