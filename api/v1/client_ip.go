package v1

import (
	"net"
	"net/netip"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// loopbackFallback is reported when no public client address can be found,
// e.g. for requests from the same host.
const loopbackFallback = "127.0.0.1"

// addressSources lists where a client address may come from, most trusted
// proxy convention first. The socket address is the last resort.
var addressSources = []func(c *fiber.Ctx) []string{
	func(c *fiber.Ctx) []string { return strings.Split(c.Get(fiber.HeaderXForwardedFor), ",") },
	singleHeader("X-Real-IP"),
	singleHeader("CF-Connecting-IP"),
	singleHeader("True-Client-IP"),
	singleHeader("X-Client-IP"),
	func(c *fiber.Ctx) []string { return forwardedFor(c.Get("Forwarded")) },
	func(c *fiber.Ctx) []string { return []string{c.Context().RemoteAddr().String(), c.IP()} },
}

func singleHeader(name string) func(c *fiber.Ctx) []string {
	return func(c *fiber.Ctx) []string { return []string{c.Get(name)} }
}

// clientIP returns the first public address the request can be traced to.
// Within one source an IPv4 address wins over IPv6.
func clientIP(c *fiber.Ctx) string {
	for _, source := range addressSources {
		if addr, ok := pickPublic(source(c)); ok {
			return addr.String()
		}
	}
	return loopbackFallback
}

func pickPublic(values []string) (netip.Addr, bool) {
	var v6 netip.Addr
	for _, raw := range values {
		addr, ok := parseAddr(raw)
		if !ok || !isPublic(addr) {
			continue
		}
		if addr.Is4() {
			return addr, true
		}
		if !v6.IsValid() {
			v6 = addr
		}
	}
	return v6, v6.IsValid()
}

// isPublic rejects RFC 1918, RFC 4193, link-local, loopback and unspecified
// addresses.
func isPublic(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsUnspecified() &&
		!addr.IsPrivate() &&
		!addr.IsLoopback() &&
		!addr.IsLinkLocalUnicast()
}

// parseAddr accepts bare addresses, host:port pairs, bracketed IPv6 and
// zoned IPv6. IPv4-mapped IPv6 addresses come back as IPv4.
func parseAddr(raw string) (netip.Addr, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return netip.Addr{}, false
	}

	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().WithZone("").Unmap(), true
	}
	if addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")); err == nil {
		return addr.WithZone("").Unmap(), true
	}
	if host, _, err := net.SplitHostPort(s); err == nil && host != s {
		return parseAddr(host)
	}
	return netip.Addr{}, false
}

// forwardedFor extracts the for= values of an RFC 7239 Forwarded header.
func forwardedFor(header string) []string {
	var out []string
	for _, element := range strings.Split(header, ",") {
		for _, pair := range strings.Split(element, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && strings.EqualFold(key, "for") {
				out = append(out, value)
			}
		}
	}
	return out
}
