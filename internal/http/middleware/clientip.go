package middleware

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const clientLocalsKey = "tally.client"

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("::1/128"),
}

// proxyHeaders are consulted in order after X-Forwarded-For.
var proxyHeaders = []string{"X-Real-IP", "CF-Connecting-IP", "True-Client-IP", "X-Client-IP"}

// Client describes the end user behind a request.
type Client struct {
	IP        string
	UserAgent string
}

// TrustedProxies lists the peers allowed to report the end user's address
// and user agent through forwarding headers.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDR ranges or bare addresses.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	p := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			p.prefixes = append(p.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		addr = addr.Unmap()
		p.prefixes = append(p.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return p, nil
}

// Trusts reports whether addr belongs to a trusted proxy.
func (p *TrustedProxies) Trusts(addr netip.Addr) bool {
	if p == nil {
		return false
	}
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve returns the connection's address and User-Agent, replaced by the
// forwarded values when the connection comes from a trusted proxy.
func (p *TrustedProxies) Resolve(c *fiber.Ctx) Client {
	client := Client{IP: c.IP(), UserAgent: c.Get(fiber.HeaderUserAgent)}
	peer, ok := parseAddr(c.Context().RemoteAddr().String())
	if !ok {
		return client
	}
	client.IP = peer.String()
	if !p.Trusts(peer) {
		return client
	}

	if ip := p.forwardedIP(c); ip != "" {
		client.IP = ip
	}
	if ua := c.Get("X-Forwarded-User-Agent"); ua != "" {
		client.UserAgent = ua
	}
	return client
}

// ResolveClient stores the request's Client in the locals for RateLimit and
// the handlers after it.
func ResolveClient(proxies *TrustedProxies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals(clientLocalsKey, proxies.Resolve(c))
		return c.Next()
	}
}

// ClientFromContext returns the client stored by ResolveClient, or the
// connection's own address and User-Agent when it did not run.
func ClientFromContext(c *fiber.Ctx) Client {
	if client, ok := c.Locals(clientLocalsKey).(Client); ok {
		return client
	}
	var untrusted *TrustedProxies
	return untrusted.Resolve(c)
}

// forwardedIP walks X-Forwarded-For from the nearest hop outwards and returns
// the first public address that is not itself a trusted proxy. Entries to the
// left of it were written by the client and are ignored.
func (p *TrustedProxies) forwardedIP(c *fiber.Ctx) string {
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr, ok := parseAddr(hops[i])
			if !ok || p.Trusts(addr) || isPrivate(addr) {
				continue
			}
			return addr.String()
		}
	}
	for _, header := range proxyHeaders {
		if value := c.Get(header); value != "" {
			if ip := preferredIP([]string{value}); ip != "" {
				return ip
			}
		}
	}
	if forwarded := c.Get("Forwarded"); forwarded != "" {
		if ip := preferredIP(forwardedFor(forwarded)); ip != "" {
			return ip
		}
	}
	return ""
}

func isPrivate(addr netip.Addr) bool {
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// preferredIP picks the first public IPv4 address, falling back to the first
// public IPv6 one.
func preferredIP(values []string) string {
	var v6 string
	for _, raw := range values {
		addr, ok := parseAddr(raw)
		if !ok || isPrivate(addr) {
			continue
		}
		if addr.Is4() {
			return addr.String()
		}
		if v6 == "" {
			v6 = addr.String()
		}
	}
	return v6
}

// parseAddr accepts bare addresses, addr:port, [v6]:port and zoned addresses.
func parseAddr(raw string) (netip.Addr, bool) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"")
	if clean == "" {
		return netip.Addr{}, false
	}
	if i := strings.Index(clean, "%"); i != -1 {
		clean = clean[:i]
	}

	if ap, err := netip.ParseAddrPort(clean); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(clean, "["), "]")); err == nil {
		return addr.Unmap(), true
	}
	if host, _, err := net.SplitHostPort(clean); err == nil {
		return parseAddr(host)
	}
	return netip.Addr{}, false
}

func forwardedFor(header string) []string {
	var candidates []string
	for _, entry := range strings.Split(header, ",") {
		for _, part := range strings.Split(entry, ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(strings.ToLower(part), "for=") {
				candidates = append(candidates, part[len("for="):])
			}
		}
	}
	return candidates
}
