package scrape

import (
	"net/url"
	"path"
	"strings"
)

// defaultExcludePatterns skip pages that carry no readable article text.
var defaultExcludePatterns = []string{
	"youtube.com",
	"youtu.be",
	"/*.pdf",
	"/video/*",
	"/videos/*",
	"/podcast/*",
}

// URLMatcher filters URLs with patterns of three forms: "host" matches the
// host and its subdomains, "/glob" matches the path on any host, and
// "host/glob" requires both. Path globs use path.Match, and a trailing "/*"
// also matches deeper paths.
type URLMatcher struct {
	patterns []urlPattern
}

type urlPattern struct {
	host string
	path string
}

// NewURLMatcher creates a URLMatcher. Falls back to the default patterns
// if none are provided.
func NewURLMatcher(patterns []string) *URLMatcher {
	if len(patterns) == 0 {
		patterns = defaultExcludePatterns
	}
	m := &URLMatcher{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		var up urlPattern
		if strings.HasPrefix(p, "/") {
			up.path = p
		} else if host, rest, ok := strings.Cut(p, "/"); ok {
			up.host, up.path = host, "/"+rest
		} else {
			up.host = p
		}
		m.patterns = append(m.patterns, up)
	}
	return m
}

// IsExcluded checks whether a URL matches any pattern. Unparseable URLs
// are excluded.
func (m *URLMatcher) IsExcluded(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	urlPath := strings.ToLower(u.Path)
	for _, p := range m.patterns {
		if p.host != "" && host != p.host && !strings.HasSuffix(host, "."+p.host) {
			continue
		}
		if p.path == "" || matchSegmented(p.path, urlPath) {
			return true
		}
	}
	return false
}

// matchSegmented performs glob matching where a pattern like "/video/*"
// matches both "/video/clip" and "/video/2025/03/clip".
func matchSegmented(pattern, urlPath string) bool {
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/") {
			return true
		}
	}
	return false
}
