package inject

import "testing"

func TestIsEntryResponse(t *testing.T) {
	tests := []struct {
		path string
		ct   string
		want bool
	}{
		{"/", "text/html; charset=utf-8", true},
		{"", "text/html", true},
		{"/app/", "TEXT/HTML", true},
		{"/index.html", "text/html", true},
		{"/docs/INDEX.HTML", "text/html", true},
		{"/assets/index.html.map", "text/html", true},
		{"/", "application/json", false},
		{"/index.html", "", false},
		{"/dashboard", "text/html", false},
		{"/about.html", "text/html", false},
		{"/main.js", "application/javascript", false},
	}

	for _, tt := range tests {
		if got := IsEntryResponse(tt.path, tt.ct); got != tt.want {
			t.Errorf("IsEntryResponse(%q, %q) = %v, want %v", tt.path, tt.ct, got, tt.want)
		}
	}
}

func TestIsHTML(t *testing.T) {
	if !IsHTML("Text/Html;charset=UTF-8") {
		t.Error("expected mixed-case text/html to match")
	}
	if IsHTML("application/xhtml+xml") {
		t.Error("xhtml is not treated as text/html")
	}
}
