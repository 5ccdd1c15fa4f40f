package scrape

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrUnsafeURL is returned by ValidateURL for URLs the scraper refuses to
// fetch.
var ErrUnsafeURL = errors.New("unsafe url")

// ValidateURL rejects URLs that are not plain http(s) or that point at a
// literal private, loopback, link-local or unspecified address. Hostnames are
// not resolved.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrUnsafeURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: no hostname in %q", ErrUnsafeURL, raw)
	}

	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return nil
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast() {
		return fmt.Errorf("%w: %s is a private/reserved address", ErrUnsafeURL, addr)
	}
	return nil
}

// fallbackPaths are common listing pages tried when a venue URL fails.
var fallbackPaths = []string{"/events", "/calendar", "/shows", "/concerts", "/music", "/schedule"}

// FallbackURLs lists same-origin listing pages to try when raw fails,
// excluding raw's own path.
func FallbackURLs(raw string) []string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil
	}
	current := strings.TrimRight(u.Path, "/")

	out := make([]string, 0, len(fallbackPaths))
	for _, p := range fallbackPaths {
		if strings.EqualFold(p, current) {
			continue
		}
		out = append(out, u.Scheme+"://"+u.Host+p)
	}
	return out
}
