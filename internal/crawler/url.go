package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters and drops the fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return normalize(u).String(), nil
}

func normalize(u *url.URL) *url.URL {
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	out.Host = strings.ToLower(out.Host)
	if out.Scheme == "http" {
		out.Host = strings.TrimSuffix(out.Host, ":80")
	}
	if out.Scheme == "https" {
		out.Host = strings.TrimSuffix(out.Host, ":443")
	}
	out.Fragment = ""
	out.RawFragment = ""
	out.RawQuery = out.Query().Encode()
	return &out
}

// resolveLink resolves href against base and returns the normalized absolute
// URL. Non-http(s) schemes and unparsable references are rejected.
func resolveLink(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil, false
	}
	return normalize(abs), true
}

// withPage returns listing with the page query parameter set. Page 1 is the
// listing URL itself.
func withPage(listing *url.URL, param string, page int) *url.URL {
	out := *listing
	if page <= 1 {
		return &out
	}
	q := out.Query()
	q.Set(param, strconv.Itoa(page))
	out.RawQuery = q.Encode()
	return &out
}

func sameHost(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(strings.TrimPrefix(a.Hostname(), "www."), strings.TrimPrefix(b.Hostname(), "www."))
}
