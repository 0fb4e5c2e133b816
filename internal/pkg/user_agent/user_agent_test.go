package user_agent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/pkg/user_agent"
)

func TestEmbeddedDatabaseLoads(t *testing.T) {
	require.Empty(t, user_agent.LoadErrors())
}

func TestParseUserAgent(t *testing.T) {
	testCases := []struct {
		name            string
		userAgent       string
		expectedBrowser string
		expectedOS      string
		expectedKind    string
		expectedMobile  bool
		expectedTablet  bool
		expectedDesktop bool
	}{
		{
			name:            "Chrome on Windows",
			userAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			expectedBrowser: "Chrome",
			expectedOS:      "Windows",
			expectedKind:    user_agent.KindDesktop,
			expectedDesktop: true,
		},
		{
			name:            "Safari on iPhone",
			userAgent:       "Mozilla/5.0 (iPhone; CPU iPhone OS 14_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Mobile/15E148 Safari/604.1",
			expectedBrowser: "Mobile Safari",
			expectedOS:      "iOS",
			expectedKind:    user_agent.KindSmartphone,
			expectedMobile:  true,
		},
		{
			name:            "Chrome on Android",
			userAgent:       "Mozilla/5.0 (Linux; Android 11; SM-G998B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.120 Mobile Safari/537.36",
			expectedBrowser: "Chrome Mobile",
			expectedOS:      "Android",
			expectedKind:    user_agent.KindSmartphone,
			expectedMobile:  true,
		},
		{
			name:            "Safari on iPad",
			userAgent:       "Mozilla/5.0 (iPad; CPU OS 14_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Mobile/15E148 Safari/604.1",
			expectedBrowser: "Mobile Safari",
			expectedOS:      "iPadOS",
			expectedKind:    user_agent.KindTablet,
			expectedTablet:  true,
		},
		{
			name:            "Firefox on Linux",
			userAgent:       "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/119.0",
			expectedBrowser: "Firefox",
			expectedOS:      "GNU/Linux",
			expectedKind:    user_agent.KindDesktop,
			expectedDesktop: true,
		},
		{
			name:            "Edge on macOS",
			userAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.61",
			expectedBrowser: "Microsoft Edge",
			expectedOS:      "Mac",
			expectedKind:    user_agent.KindDesktop,
			expectedDesktop: true,
		},
		{
			name:            "Safari on macOS",
			userAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			expectedBrowser: "Safari",
			expectedOS:      "Mac",
			expectedKind:    user_agent.KindDesktop,
			expectedDesktop: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := user_agent.ParseUserAgent(tc.userAgent)

			assert.False(t, result.Bot)
			assert.Equal(t, tc.expectedBrowser, result.Browser)
			assert.Equal(t, tc.expectedOS, result.OS)
			assert.Equal(t, tc.expectedKind, result.Kind)
			assert.Equal(t, tc.expectedMobile, result.Mobile, "mobile")
			assert.Equal(t, tc.expectedTablet, result.Tablet, "tablet")
			assert.Equal(t, tc.expectedDesktop, result.Desktop, "desktop")
		})
	}
}

func TestParseUserAgentBots(t *testing.T) {
	bots := map[string]string{
		"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)":                          "Googlebot",
		"Mozilla/5.0 AppleWebKit/537.36 (KHTML, like Gecko; compatible; bingbot/2.0; +http://www.bing.com)": "BingBot",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 HeadlessChrome/120.0.0.0 Safari/537.36": "Headless Browser",
		"curl/8.4.0":                  "HTTP Library",
		"python-requests/2.31.0":      "HTTP Library",
		"Go-http-client/1.1":          "HTTP Library",
		"facebookexternalhit/1.1":     "Facebook External Hit",
		"Mozilla/5.0 (compatible; GPTBot/1.0; +https://openai.com/gptbot)": "AI Crawler",
		"SomeNewCrawler/0.3":          "Generic Bot",
	}

	for ua, name := range bots {
		t.Run(name, func(t *testing.T) {
			result := user_agent.ParseUserAgent(ua)
			assert.True(t, result.Bot, ua)
			assert.Equal(t, name, result.BotName, ua)
			assert.Equal(t, user_agent.KindBot, result.Kind)
		})
	}
}

func TestParseEmptyUserAgent(t *testing.T) {
	result := user_agent.ParseUserAgent("")
	assert.False(t, result.Bot)
	assert.Equal(t, "Unknown", result.Browser)
	assert.Empty(t, result.Kind)
}
