package core

import (
	"errors"
	"fmt"
	"strings"

	whatwg "github.com/nlnwa/whatwg-url/url"
	"golang.org/x/net/publicsuffix"
)

// ErrMalformedURL is returned when a link cannot be parsed or resolved.
var ErrMalformedURL = errors.New("malformed url")

var urlParser = whatwg.NewParser(whatwg.WithPercentEncodeSinglePercentSign())

// Canonicalize resolves href against base and returns the canonical absolute
// form: fragment stripped, scheme and host lower-cased, default port dropped,
// dot segments resolved. Canonicalizing a canonical URL returns it unchanged.
func Canonicalize(base, href string) (string, error) {
	href = strings.TrimSpace(href)
	if base == "" && href == "" {
		return "", fmt.Errorf("%w: empty url", ErrMalformedURL)
	}
	u, err := urlParser.ParseRef(base, href)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedURL, href, err)
	}
	if u.Scheme() == "" {
		return "", fmt.Errorf("%w: %q: no scheme", ErrMalformedURL, href)
	}
	return u.Href(true), nil
}

// Hostname returns the lower-cased host of u without port, or "" when u has
// no host or does not parse.
func Hostname(u string) string {
	p, err := urlParser.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(p.Hostname(), "."))
}

// RootDomain returns the registrable domain (eTLD+1) of host, falling back to
// host itself for names the public suffix list cannot split.
func RootDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld1
}

// WithinDomain reports whether host is domain or one of its subdomains.
func WithinDomain(host, domain string) bool {
	if host == "" || domain == "" {
		return false
	}
	host = strings.ToLower(host)
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}
