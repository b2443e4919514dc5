package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"stemfetch/internal/logging"
	"stemfetch/internal/metrics"
	"stemfetch/internal/server"
	"stemfetch/internal/store"
)

const shutdownTimeout = 20 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the download watchdog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
	cmd.Flags().String("host", "", "Host address to bind (default 127.0.0.1)")
	cmd.Flags().Int("port", 0, "Server port (default 8080)")
	return cmd
}

func runServe(ctx context.Context) error {
	m, err := managerInstance()
	if err != nil {
		return err
	}

	// History is optional: the API still works without it.
	var history *store.Store
	if st, err := openHistory(cfg); err != nil {
		logging.LogDBOperation("open", "", err)
	} else {
		history = st
		detach := m.Attach(store.NewRecorder(st))
		defer func() {
			detach()
			_ = st.Close()
		}()
	}

	detachMetrics := metrics.New(prometheus.DefaultRegisterer).Bind(m)
	defer detachMetrics()

	opts := server.Options{Manager: m, Metrics: promhttp.Handler()}
	if history != nil {
		opts.History = history
	}
	api := server.New(opts)
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // event streams stay open
		IdleTimeout:       60 * time.Second,
	}

	m.Start()

	errCh := make(chan error, 1)
	go func() {
		logging.LogServerStart(cfg.Addr, cfg.Summary())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = m.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
		logging.LogServerShutdown("shutdown signal received; draining", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop taking new jobs before the listener closes
	m.StopAccepting()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.LogServerShutdown("http shutdown", err)
	}
	if err := m.Shutdown(shutdownCtx); err != nil {
		logging.LogServerShutdown("manager shutdown", err)
	}
	logging.LogServerShutdown("shutdown complete", nil)
	return nil
}
