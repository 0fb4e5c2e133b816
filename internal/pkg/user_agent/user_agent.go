package user_agent

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

// Device kinds
const (
	KindDesktop    = "desktop"
	KindSmartphone = "smartphone"
	KindTablet     = "tablet"
	KindBot        = "bot"
)

type UserAgent struct {
	UserAgent string
	OS        string
	Browser   string
	Device    string
	Kind      string
	Mobile    bool
	Tablet    bool
	Desktop   bool
	Bot       bool
	BotName   string
}

//go:embed database/bots.yml
//go:embed database/oss.yml
//go:embed database/client/browsers.yml
//go:embed database/device/devices.yml
var databaseFiles embed.FS

// Browser and OS entries share a shape.
type ClientEntry struct {
	Regex   string `yaml:"regex"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type DeviceEntry struct {
	Regex  string `yaml:"regex"`
	Brand  string `yaml:"brand"`
	Device string `yaml:"device"`
	Model  string `yaml:"model"`
}

type BotEntry struct {
	Regex    string `yaml:"regex"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Producer struct {
		Name string `yaml:"name"`
		URL  string `yaml:"url"`
	} `yaml:"producer"`
}

// Compiled regex cache
type RegexCache struct {
	compiled map[string]*pcre.Regexp
	mutex    sync.RWMutex
}

func newRegexCache() *RegexCache {
	return &RegexCache{
		compiled: make(map[string]*pcre.Regexp),
	}
}

func (rc *RegexCache) get(pattern string) (*pcre.Regexp, error) {
	rc.mutex.RLock()
	if regex, exists := rc.compiled[pattern]; exists {
		rc.mutex.RUnlock()
		return regex, nil
	}
	rc.mutex.RUnlock()

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	if regex, exists := rc.compiled[pattern]; exists {
		return regex, nil
	}

	regex, err := pcre.Compile(pattern)
	if err != nil {
		return nil, err
	}
	rc.compiled[pattern] = regex
	return regex, nil
}

var (
	parser *DeviceDetectorParser
	once   sync.Once
)

type DeviceDetectorParser struct {
	browsers   []ClientEntry
	oss        []ClientEntry
	devices    []DeviceEntry
	bots       []BotEntry
	regexCache *RegexCache
	loadErrs   []error
}

func getParser() *DeviceDetectorParser {
	once.Do(func() {
		parser = &DeviceDetectorParser{regexCache: newRegexCache()}
		parser.load("database/client/browsers.yml", &parser.browsers)
		parser.load("database/oss.yml", &parser.oss)
		parser.load("database/bots.yml", &parser.bots)
		parser.load("database/device/devices.yml", &parser.devices)
	})
	return parser
}

func (p *DeviceDetectorParser) load(file string, out any) {
	data, err := databaseFiles.ReadFile(file)
	if err != nil {
		p.loadErrs = append(p.loadErrs, fmt.Errorf("reading %s: %w", file, err))
		return
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		p.loadErrs = append(p.loadErrs, fmt.Errorf("parsing %s: %w", file, err))
	}
}

// LoadErrors returns problems found while loading the embedded database.
func LoadErrors() []error {
	return getParser().loadErrs
}

func (p *DeviceDetectorParser) parseBot(userAgent string) *BotEntry {
	for i := range p.bots {
		if regex, err := p.regexCache.get(p.bots[i].Regex); err == nil {
			if regex.MatchString(userAgent) {
				return &p.bots[i]
			}
		}
	}
	return nil
}

func (p *DeviceDetectorParser) parseClient(entries []ClientEntry, userAgent string) (string, string) {
	for _, entry := range entries {
		if regex, err := p.regexCache.get(entry.Regex); err == nil {
			if matches := regex.FindStringSubmatch(userAgent); len(matches) > 0 {
				return entry.Name, expand(entry.Version, matches)
			}
		}
	}
	return "Unknown", ""
}

func (p *DeviceDetectorParser) parseDevice(userAgent string) (brand, model, kind string) {
	for _, entry := range p.devices {
		if regex, err := p.regexCache.get(entry.Regex); err == nil {
			if matches := regex.FindStringSubmatch(userAgent); len(matches) > 0 {
				model = strings.TrimSpace(expand(entry.Model, matches))
				if model == "" {
					model = entry.Brand
				}
				return entry.Brand, model, entry.Device
			}
		}
	}
	return "Desktop", "Desktop Device", KindDesktop
}

// expand replaces $1, $2, ... with capture groups.
func expand(template string, matches []string) string {
	if template == "" || len(matches) < 2 {
		return strings.NewReplacer("$1", "", "$2", "", "$3", "").Replace(template)
	}
	out := template
	for i, match := range matches[1:] {
		out = strings.ReplaceAll(out, fmt.Sprintf("$%d", i+1), match)
	}
	return out
}

func ParseUserAgent(userAgent string) UserAgent {
	parser := getParser()

	if strings.TrimSpace(userAgent) == "" {
		return UserAgent{OS: "Unknown", Browser: "Unknown", Device: "Unknown", Kind: ""}
	}

	if bot := parser.parseBot(userAgent); bot != nil {
		return UserAgent{
			UserAgent: userAgent,
			OS:        "Unknown",
			Browser:   bot.Name,
			Device:    "Bot",
			Kind:      KindBot,
			Bot:       true,
			BotName:   bot.Name,
		}
	}

	browser, _ := parser.parseClient(parser.browsers, userAgent)
	os, _ := parser.parseClient(parser.oss, userAgent)
	brand, _, kind := parser.parseDevice(userAgent)

	mobile := kind == KindSmartphone || kind == "feature phone" || kind == "phablet" || kind == "portable media player"
	tablet := kind == KindTablet
	desktop := kind == KindDesktop

	return UserAgent{
		UserAgent: userAgent,
		OS:        os,
		Browser:   browser,
		Device:    brand,
		Kind:      kind,
		Mobile:    mobile,
		Tablet:    tablet,
		Desktop:   desktop,
	}
}
