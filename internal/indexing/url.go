package indexing

import (
	"fmt"
	"net/url"
	"strings"
)

// domainPropertyPrefix marks a Search Console domain property.
const domainPropertyPrefix = "sc-domain:"

// NormalizeURL standardizes a URL so the same page is not tracked twice.
// It lowercases the scheme and host, removes default ports and fragments,
// and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ExtractDomain returns the lowercased hostname of a URL, or the input
// lowercased when it does not parse.
func ExtractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(u.Hostname())
}

// ValidateURL checks that rawURL is well formed, uses http or https, and
// belongs to the claimed property. A failure is a *ValidationError and is
// resolved locally: it never consumes quota or reaches the remote API.
func ValidateURL(rawURL, property string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &ValidationError{URL: rawURL, Reason: "malformed"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{URL: rawURL, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Hostname() == "" {
		return &ValidationError{URL: rawURL, Reason: "missing host"}
	}
	if !PropertyContains(property, rawURL) {
		return &ValidationError{URL: rawURL, Reason: fmt.Sprintf("outside property %q", property)}
	}
	return nil
}

// PropertyContains reports whether a URL falls under a Search Console
// property. Domain properties (sc-domain:example.com) match the apex host
// and any subdomain; URL-prefix properties match the exact host plus the
// path prefix.
func PropertyContains(property, rawURL string) bool {
	host := ExtractDomain(rawURL)
	prop := strings.ToLower(strings.TrimSpace(property))

	if root, ok := strings.CutPrefix(prop, domainPropertyPrefix); ok {
		return host == root || strings.HasSuffix(host, "."+root)
	}

	propURL, err := url.Parse(prop)
	if err != nil || propURL.Hostname() == "" {
		return false
	}
	if host != strings.ToLower(propURL.Hostname()) {
		return false
	}

	prefix := propURL.Path
	if prefix == "" || prefix == "/" {
		return true
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return strings.HasPrefix(path, prefix) || path+"/" == prefix
}
