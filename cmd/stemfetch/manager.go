package main

import (
	"context"
	"fmt"
	"sync"

	"stemfetch/internal/config"
	"stemfetch/internal/download"
	"stemfetch/internal/store"
)

var (
	mgrOnce sync.Once
	mgr     *download.Manager
	mgrErr  error
)

// managerInstance returns the process-wide Manager, building it from cfg on
// first use. Packages below cmd receive the Manager explicitly.
func managerInstance() (*download.Manager, error) {
	mgrOnce.Do(func() {
		mgr, mgrErr = newManager(context.Background(), cfg)
	})
	return mgr, mgrErr
}

func newManager(ctx context.Context, c *config.Config) (*download.Manager, error) {
	transport, err := buildTransport(ctx, c)
	if err != nil {
		return nil, err
	}
	m, err := download.NewManager(download.Options{
		Root:          c.AbsDownloadRoot,
		MaxConcurrent: c.MaxConcurrent,
		MaxPending:    c.MaxPending,
		TTL:           c.TTL,
		TickInterval:  c.TickInterval,
		StartTimeout:  c.StartTimeout,
		Retry: download.RetryPolicy{
			MaxAttempts: c.RetryMaxAttempts,
			Backoff:     c.RetryBackoff,
		},
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create manager: %w", err)
	}
	return m, nil
}

// buildTransport routes http(s) and, when enabled, s3 URLs.
func buildTransport(ctx context.Context, c *config.Config) (*download.SchemeRouter, error) {
	router := download.DefaultTransport(download.HTTPClientConfig{
		Timeout:   c.HTTPTimeout,
		ProxyURL:  c.ProxyURL,
		UserAgent: c.UserAgent,
	})
	if c.S3Enabled {
		s3t, err := download.NewS3TransportFromEnv(ctx, c.S3Profile)
		if err != nil {
			return nil, fmt.Errorf("s3 transport: %w", err)
		}
		router.Handle("s3", s3t)
	}
	return router, nil
}

func openHistory(c *config.Config) (*store.Store, error) {
	st, err := store.Open(c.AbsDBPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	return st, nil
}
