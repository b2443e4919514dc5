package download

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// HTTPClientConfig tunes the HTTP transport.
type HTTPClientConfig struct {
	// Timeout bounds the whole request including the body read. Zero disables
	// it; idle stalls are handled by the job TTL instead.
	Timeout         time.Duration
	KeepAlive       time.Duration
	IdleConnTimeout time.Duration
	ProxyURL        string
	UserAgent       string
	Headers         map[string]string
}

// HTTPTransport performs streamed GETs.
type HTTPTransport struct {
	client *http.Client
	config HTTPClientConfig
}

func NewHTTPTransport(cfg HTTPClientConfig) *HTTPTransport {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 60 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "stemfetch"
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		// Content-Length must match the bytes written to disk.
		DisableCompression: true,
	}
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		config: cfg,
	}
}

func (t *HTTPTransport) Open(ctx context.Context, rawURL string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", t.config.UserAgent)
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	length := resp.ContentLength
	if length <= 0 {
		length = -1
	}
	return &Stream{Length: length, Body: resp.Body}, nil
}
