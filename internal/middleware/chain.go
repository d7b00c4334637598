package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Builder collects the gateway's middlewares, some of which depend on
// config flags. The first middleware added is the outermost.
type Builder struct {
	middlewares []Middleware
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Use adds a middleware.
func (b *Builder) Use(m Middleware) *Builder {
	b.middlewares = append(b.middlewares, m)
	return b
}

// UseIf adds m only when enabled is true.
func (b *Builder) UseIf(enabled bool, m Middleware) *Builder {
	if enabled {
		b.middlewares = append(b.middlewares, m)
	}
	return b
}

// Handler wraps h with every collected middleware. A nil h answers 404.
func (b *Builder) Handler(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	for i := len(b.middlewares) - 1; i >= 0; i-- {
		h = b.middlewares[i](h)
	}
	return h
}
