// Package plugin reads the plugin script that is injected into entry documents.
package plugin

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wudi/injector/internal/metrics"
)

// Source reads the plugin file. Without a cache every Load hits the disk, so
// edits show up on the next request. With a cache, content is keyed by
// (path, mtime, size) and a changed file is simply a new key.
type Source struct {
	path    string
	cache   *lru.Cache[string, string]
	metrics *metrics.Collector
}

// Option configures a Source.
type Option func(*Source)

// WithCache enables an LRU content cache holding up to size versions.
func WithCache(size int) Option {
	return func(s *Source) {
		if size <= 0 {
			size = 8
		}
		c, err := lru.New[string, string](size)
		if err == nil {
			s.cache = c
		}
	}
}

// WithMetrics records read results on mc.
func WithMetrics(mc *metrics.Collector) Option {
	return func(s *Source) {
		s.metrics = mc
	}
}

// NewSource creates a Source for path.
func NewSource(path string, opts ...Option) *Source {
	s := &Source{path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the plugin file path.
func (s *Source) Path() string {
	return s.path
}

// Load returns the plugin text.
func (s *Source) Load() (string, error) {
	if s.cache == nil {
		data, err := os.ReadFile(s.path)
		if err != nil {
			s.metrics.RecordPluginRead("error")
			return "", fmt.Errorf("reading plugin %s: %w", s.path, err)
		}
		s.metrics.RecordPluginRead("miss")
		return string(data), nil
	}

	info, err := os.Stat(s.path)
	if err != nil {
		s.metrics.RecordPluginRead("error")
		return "", fmt.Errorf("reading plugin %s: %w", s.path, err)
	}
	key := cacheKey(s.path, info)
	if text, ok := s.cache.Get(key); ok {
		s.metrics.RecordPluginRead("hit")
		return text, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.metrics.RecordPluginRead("error")
		return "", fmt.Errorf("reading plugin %s: %w", s.path, err)
	}
	text := string(data)
	s.cache.Add(key, text)
	s.metrics.RecordPluginRead("miss")
	return text, nil
}

// Available reports whether the plugin file exists, is a regular file and
// can be opened for reading.
func (s *Source) Available() bool {
	info, err := os.Stat(s.path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(s.path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// Purge drops all cached versions.
func (s *Source) Purge() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// Cached returns the number of cached versions.
func (s *Source) Cached() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

// Info describes the plugin file as seen on disk right now.
type Info struct {
	Path      string    `json:"path"`
	Available bool      `json:"available"`
	Size      int64     `json:"size,omitempty"`
	ModTime   time.Time `json:"mod_time,omitempty"`
	Digest    string    `json:"digest,omitempty"` // xxhash64, hex
}

// Info stats and hashes the plugin file. It bypasses the cache.
func (s *Source) Info() Info {
	info := Info{Path: s.path}
	st, err := os.Stat(s.path)
	if err != nil || !st.Mode().IsRegular() {
		return info
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return info
	}
	info.Available = true
	info.Size = st.Size()
	info.ModTime = st.ModTime()
	info.Digest = Digest(data)
	return info
}

// Digest returns the hex xxhash64 of data.
func Digest(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

func cacheKey(path string, info os.FileInfo) string {
	return path + "|" + strconv.FormatInt(info.ModTime().UnixNano(), 10) + "|" + strconv.FormatInt(info.Size(), 10)
}
