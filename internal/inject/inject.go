// Package inject inserts a plugin script block into HTML documents.
package inject

import (
	"regexp"
	"strings"
)

// Anchor identifies where the script block was placed.
type Anchor int

const (
	AnchorNone Anchor = iota
	AnchorHead
	AnchorBody
	AnchorPrepend
)

// String returns the anchor name used in logs and metric labels.
func (a Anchor) String() string {
	switch a {
	case AnchorHead:
		return "head"
	case AnchorBody:
		return "body"
	case AnchorPrepend:
		return "prepend"
	default:
		return "none"
	}
}

// Outcome is the result of an injection.
type Outcome struct {
	HTML     string
	Injected bool
	Anchor   Anchor
}

const (
	scriptOpen  = "\n<script type=\"text/javascript\">\n"
	scriptClose = "\n</script>\n"
	headClose   = "</head>"
)

// bodyOpen matches an opening body tag. It runs against an ASCII-lowered
// copy of the document so match offsets line up with the original bytes.
var bodyOpen = regexp.MustCompile(`<body(?:[\s/][^>]*)?>`)

// Script returns the script block that wraps plugin.
func Script(plugin string) string {
	return scriptOpen + plugin + scriptClose
}

// Inject places the plugin script block before the first </head>, after the
// first opening <body> tag when there is no </head>, or at the start of the
// document otherwise. Tag matching ignores ASCII case. An empty plugin
// leaves the document unchanged.
func Inject(html, plugin string) Outcome {
	if plugin == "" {
		return Outcome{HTML: html}
	}
	block := Script(plugin)
	lower := asciiLower(html)

	if i := strings.Index(lower, headClose); i >= 0 {
		return Outcome{HTML: html[:i] + block + html[i:], Injected: true, Anchor: AnchorHead}
	}
	if loc := bodyOpen.FindStringIndex(lower); loc != nil {
		end := loc[1]
		return Outcome{HTML: html[:end] + block + html[end:], Injected: true, Anchor: AnchorBody}
	}
	return Outcome{HTML: block + html, Injected: true, Anchor: AnchorPrepend}
}

// asciiLower folds A-Z only, so the result has the same byte length as s.
func asciiLower(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			if b == nil {
				b = []byte(s)
			}
			b[i] = c + ('a' - 'A')
		}
	}
	if b == nil {
		return s
	}
	return string(b)
}
