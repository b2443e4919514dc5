package download

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
)

// Stream is an opened transfer. Length is -1 when the source did not announce a size.
type Stream struct {
	Length int64
	Body   io.ReadCloser
}

// Transport opens a streamed read of a remote resource. Implementations must
// abort Open and Body reads when ctx is cancelled.
type Transport interface {
	Open(ctx context.Context, rawURL string) (*Stream, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, rawURL string) (*Stream, error)

func (f TransportFunc) Open(ctx context.Context, rawURL string) (*Stream, error) {
	return f(ctx, rawURL)
}

// SchemeRouter dispatches to a Transport by URL scheme.
type SchemeRouter struct {
	mu     sync.RWMutex
	routes map[string]Transport
}

func NewSchemeRouter() *SchemeRouter {
	return &SchemeRouter{routes: make(map[string]Transport)}
}

// Handle registers t for scheme (case-insensitive), replacing any previous route.
func (r *SchemeRouter) Handle(scheme string, t Transport) {
	r.mu.Lock()
	r.routes[strings.ToLower(scheme)] = t
	r.mu.Unlock()
}

// Supports reports whether rawURL parses and has a registered scheme.
func (r *SchemeRouter) Supports(rawURL string) bool {
	_, err := r.route(rawURL)
	return err == nil
}

func (r *SchemeRouter) Open(ctx context.Context, rawURL string) (*Stream, error) {
	t, err := r.route(rawURL)
	if err != nil {
		return nil, err
	}
	return t.Open(ctx, rawURL)
}

func (r *SchemeRouter) route(rawURL string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	r.mu.RLock()
	t, ok := r.routes[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	return t, nil
}

// validateURL performs the checks every transport relies on: a parseable
// absolute URL with a host. Routers may narrow this further.
func validateURL(t Transport, rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ErrEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: missing scheme or host", ErrInvalidURL)
	}
	if s, ok := t.(interface{ Supports(string) bool }); ok && !s.Supports(rawURL) {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	return nil
}
