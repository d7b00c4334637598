package inject

import (
	"strings"

	"github.com/wudi/injector/internal/resolver"
)

// IsHTML reports whether a Content-Type header value denotes HTML.
func IsHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// IsEntryPath reports whether a request path looks like an entry document:
// the root, a directory, or anything mentioning index.html.
// "/assets/index.html.map" also matches; callers pair this with IsHTML.
func IsEntryPath(p string) bool {
	p = strings.TrimPrefix(p, "/")
	if p == "" || strings.HasSuffix(p, "/") {
		return true
	}
	return strings.Contains(strings.ToLower(p), resolver.IndexFile)
}

// IsEntryResponse reports whether an upstream response should receive the
// plugin script.
func IsEntryResponse(path, contentType string) bool {
	return IsHTML(contentType) && IsEntryPath(path)
}
