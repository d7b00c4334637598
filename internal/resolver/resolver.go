// Package resolver maps request paths onto files below a fixed root directory.
package resolver

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IndexFile is the entry document served for directory requests and SPA fallback.
const IndexFile = "index.html"

var (
	// ErrForbidden means the request path resolves outside the root.
	ErrForbidden = errors.New("path escapes root")
	// ErrNotFound means neither the file nor a fallback exists.
	ErrNotFound = errors.New("file not found")
)

// assetExtensions never fall back to index.html when missing. A browser asking
// for a script or image must see a 404, not HTML.
var assetExtensions = map[string]bool{
	".js": true, ".mjs": true, ".cjs": true, ".css": true, ".map": true,
	".json": true, ".webmanifest": true, ".wasm": true, ".xml": true, ".txt": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".ico": true, ".webp": true, ".avif": true, ".bmp": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".webm": true, ".wav": true, ".ogg": true,
	".pdf": true, ".zip": true,
}

// IsAsset reports whether p names a static asset by its extension.
func IsAsset(p string) bool {
	return assetExtensions[strings.ToLower(path.Ext(p))]
}

// Target is a resolved file.
type Target struct {
	Path  string // absolute, symlink-free path below the root
	Entry bool   // the file is an index.html entry document
}

// Resolver resolves request paths below root.
type Resolver struct {
	root     string
	fallback bool
}

// New creates a Resolver for root. With fallback enabled, missing
// non-asset paths resolve to root/index.html (client-side routing).
func New(root string, fallback bool) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("root directory %q: %w", abs, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("root directory %q: %w", canonical, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", canonical)
	}
	return &Resolver{root: canonical, fallback: fallback}, nil
}

// Root returns the canonical root directory.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve maps the (already URL-decoded) request path p to a file.
func (r *Resolver) Resolve(p string) (Target, error) {
	rel := strings.TrimPrefix(p, "/")
	if rel == "" || strings.HasSuffix(rel, "/") {
		rel += IndexFile
	}

	// Join cleans the path, collapsing any ".." segments.
	candidate := filepath.Join(r.root, filepath.FromSlash(rel))
	if !r.contains(candidate) {
		return Target{}, ErrForbidden
	}

	resolved, err := r.existing(candidate)
	if err != nil {
		return Target{}, err
	}
	if resolved != "" {
		return target(resolved), nil
	}

	if IsAsset(rel) || !r.fallback {
		return Target{}, ErrNotFound
	}
	index, err := r.existing(filepath.Join(r.root, IndexFile))
	if err != nil || index == "" {
		return Target{}, ErrNotFound
	}
	return target(index), nil
}

// existing canonicalizes candidate and returns it when it names a regular
// file (or a directory holding an index file) inside the root. It returns ""
// when nothing servable exists, and ErrForbidden when a symlink escapes.
func (r *Resolver) existing(candidate string) (string, error) {
	canonical, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		// Missing components, "not a directory" and dangling links all
		// mean there is nothing to serve.
		return "", nil
	}
	if !r.contains(canonical) {
		return "", ErrForbidden
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return "", nil
	}
	if info.IsDir() {
		return r.existing(filepath.Join(canonical, IndexFile))
	}
	if !info.Mode().IsRegular() {
		return "", nil
	}
	return canonical, nil
}

// contains reports whether p is the root or lies below it.
func (r *Resolver) contains(p string) bool {
	if p == r.root {
		return true
	}
	prefix := r.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

func target(p string) Target {
	return Target{Path: p, Entry: strings.EqualFold(filepath.Base(p), IndexFile)}
}
