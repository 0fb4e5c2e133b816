// Package referrers reduces referrer URLs to the host used by the
// referrer_domain dimension.
package referrers

import (
	"net/url"
	"strings"
)

// aliases folds link wrappers, shorteners and mobile hosts into the network
// they belong to, so one source does not split across several rows.
var aliases = map[string]string{
	"t.co":               "twitter.com",
	"x.com":              "twitter.com",
	"mobile.twitter.com": "twitter.com",
	"l.facebook.com":     "facebook.com",
	"lm.facebook.com":    "facebook.com",
	"m.facebook.com":     "facebook.com",
	"fb.com":             "facebook.com",
	"l.instagram.com":    "instagram.com",
	"lnkd.in":            "linkedin.com",
	"old.reddit.com":     "reddit.com",
	"out.reddit.com":     "reddit.com",
	"m.youtube.com":      "youtube.com",
	"youtu.be":           "youtube.com",
	"discordapp.com":     "discord.com",
	"t.me":               "telegram.org",
	"hn.algolia.com":     "news.ycombinator.com",
	"m.baidu.com":        "baidu.com",

	// Android apps report their package name.
	"com.google.android.gm": "mail.google.com",
	"com.slack":             "slack.com",
}

// searchCountryHosts lists search engines whose country sites are folded
// into the .com host (google.co.uk becomes google.com).
var searchCountryHosts = []string{"google", "bing", "yahoo", "yandex"}

// Domain extracts the referring hostname from a referrer URL, lowercased and
// without "www.". Self-referrals (the site's own domain or its www variant)
// and unparseable values yield "".
func Domain(referrer, siteDomain string) string {
	referrer = strings.TrimSpace(referrer)
	if referrer == "" {
		return ""
	}
	if !strings.Contains(referrer, "://") {
		referrer = "https://" + referrer
	}

	u, err := url.Parse(referrer)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.TrimPrefix(strings.ToLower(u.Hostname()), "www."), ".")
	if host == "" {
		return ""
	}

	if host == strings.TrimPrefix(strings.ToLower(siteDomain), "www.") {
		return ""
	}
	return Canonical(host)
}

// Canonical maps a bare host to the name stored in rollups.
func Canonical(host string) string {
	if alias, ok := aliases[host]; ok {
		return alias
	}
	for _, engine := range searchCountryHosts {
		if rest, ok := strings.CutPrefix(host, engine+"."); ok && isCountrySuffix(rest) {
			return engine + ".com"
		}
	}
	return host
}

// isCountrySuffix matches "de", "co.uk", "com.au" style public suffixes.
func isCountrySuffix(s string) bool {
	switch parts := strings.Split(s, "."); len(parts) {
	case 1:
		return len(parts[0]) == 2
	case 2:
		return (parts[0] == "co" || parts[0] == "com") && len(parts[1]) == 2
	default:
		return false
	}
}
