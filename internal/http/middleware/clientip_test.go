package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// app.Test connections originate from 0.0.0.0.
func resolvedClient(t *testing.T, proxies []string, headers map[string]string) Client {
	t.Helper()
	trusted, err := NewTrustedProxies(proxies)
	require.NoError(t, err)

	var got Client
	app := fiber.New()
	app.Get("/", ResolveClient(trusted), func(c *fiber.Ctx) error {
		got = ClientFromContext(c)
		return c.SendStatus(fiber.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	return got
}

func TestResolveClient(t *testing.T) {
	const firefox = "Mozilla/5.0 Firefox/121.0"
	const bot = "Googlebot/2.1 (+http://www.google.com/bot.html)"

	tests := []struct {
		name    string
		proxies []string
		headers map[string]string
		want    Client
	}{
		{
			name:    "untrusted peer keeps its own address",
			proxies: []string{"127.0.0.1/32"},
			headers: map[string]string{"User-Agent": bot, "X-Forwarded-For": "198.51.100.7", "X-Forwarded-User-Agent": firefox},
			want:    Client{IP: "0.0.0.0", UserAgent: bot},
		},
		{
			name:    "trusted peer forwards address and user agent",
			proxies: []string{"0.0.0.0"},
			headers: map[string]string{"User-Agent": bot, "X-Forwarded-For": "198.51.100.7", "X-Forwarded-User-Agent": firefox},
			want:    Client{IP: "198.51.100.7", UserAgent: firefox},
		},
		{
			name:    "client written hops are ignored",
			proxies: []string{"0.0.0.0/32", "203.0.113.0/24"},
			headers: map[string]string{"X-Forwarded-For": "192.0.2.1, 198.51.100.7, 10.1.1.1, 203.0.113.5"},
			want:    Client{IP: "198.51.100.7"},
		},
		{
			name:    "real ip header when forwarded for is private",
			proxies: []string{"0.0.0.0/32"},
			headers: map[string]string{"X-Forwarded-For": "10.0.0.3", "X-Real-IP": "198.51.100.8"},
			want:    Client{IP: "198.51.100.8"},
		},
		{
			name:    "forwarded header",
			proxies: []string{"0.0.0.0/32"},
			headers: map[string]string{"Forwarded": `for="[2001:db8::1]:443";proto=https`},
			want:    Client{IP: "2001:db8::1"},
		},
		{
			name:    "no proxies configured",
			headers: map[string]string{"X-Real-IP": "198.51.100.8"},
			want:    Client{IP: "0.0.0.0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolvedClient(t, tt.proxies, tt.headers)
			assert.Equal(t, tt.want.IP, got.IP)
			if tt.want.UserAgent != "" {
				assert.Equal(t, tt.want.UserAgent, got.UserAgent)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	p, err := NewTrustedProxies([]string{" 10.0.0.0/8 ", "192.0.2.10", "::ffff:198.51.100.1", ""})
	require.NoError(t, err)

	assert.True(t, p.Trusts(netip.MustParseAddr("10.20.30.40")))
	assert.True(t, p.Trusts(netip.MustParseAddr("192.0.2.10")))
	assert.False(t, p.Trusts(netip.MustParseAddr("192.0.2.11")))
	assert.True(t, p.Trusts(netip.MustParseAddr("198.51.100.1")))

	_, err = NewTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)

	var none *TrustedProxies
	assert.False(t, none.Trusts(netip.MustParseAddr("127.0.0.1")))
}
