package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"stemfetch/internal/config"
	"stemfetch/internal/logging"
)

var (
	configFile string
	envDir     string

	// cfg is populated by the root PersistentPreRunE before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "stemfetch",
	Short:         "Bounded-concurrency download manager with an HTTP API",
	Version:       config.New().Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		cfg = c
		level := logging.ParseLevel(cfg.LogLevel)
		if cmd.Name() == "serve" {
			logging.Init(level)
			return nil
		}
		// interactive commands keep stdout for tables and stay quiet unless asked
		if _, set := os.LookupEnv("STEMFETCH_LOG_LEVEL"); !set && !cmd.Flags().Changed("log-level") {
			level = max(level, slog.LevelWarn)
		}
		logging.InitWriter(os.Stderr, level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&envDir, "env-dir", ".", "Directory searched for .env files")
	pf.StringP("root", "o", "", "Download directory (default data/downloads)")
	pf.String("db", "", "Path to the history database (default: user cache dir)")
	pf.String("log-level", "", "Log level: debug|info|warn|error")
	pf.IntP("max-concurrent", "w", 0, "Maximum number of concurrent downloads")
	pf.Int("max-pending", 0, "Maximum queued downloads (0 = unbounded)")
	pf.Duration("ttl", 0, "Idle timeout for a downloading job (eg. 30s, 5m)")
	pf.Duration("start-timeout", 0, "Fail jobs that receive no data within this window (0 = disabled)")
	pf.Int("retries", 0, "Total attempts per job including the first")
	pf.Duration("http-timeout", 0, "Timeout for a whole HTTP request (0 = rely on ttl)")
	pf.StringP("user-agent", "a", "", "User agent for HTTP requests")
	pf.StringP("proxy", "p", "", "HTTP/HTTPS proxy URL")
	pf.Bool("s3", false, "Enable s3:// URLs using the default AWS credential chain")
	pf.String("s3-profile", "", "AWS shared config profile for s3:// URLs")

	rootCmd.AddCommand(newServeCmd(), newFetchCmd(), newHistoryCmd(), newCleanCmd())
}

// loadConfig layers explicitly set flags over config.Load and validates the result.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	c, err := config.Load(configFile, envDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(c, flags); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.ResolveDownloadRoot(); err != nil {
		return nil, err
	}
	if err := c.ResolveDBPath(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyFlags(c *config.Config, flags *pflag.FlagSet) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetInt(name)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetDuration(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetBool(name)
		}
	}

	str("root", &c.DownloadRoot)
	str("db", &c.DBPath)
	str("log-level", &c.LogLevel)
	num("max-concurrent", &c.MaxConcurrent)
	num("max-pending", &c.MaxPending)
	dur("ttl", &c.TTL)
	dur("start-timeout", &c.StartTimeout)
	num("retries", &c.RetryMaxAttempts)
	dur("http-timeout", &c.HTTPTimeout)
	str("user-agent", &c.UserAgent)
	str("proxy", &c.ProxyURL)
	boolean("s3", &c.S3Enabled)
	str("s3-profile", &c.S3Profile)
	// serve-only
	if flags.Lookup("host") != nil {
		str("host", &c.Host)
		num("port", &c.Port)
	}
	return err
}
