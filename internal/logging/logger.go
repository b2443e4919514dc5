package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// Logger is the global structured logger instance
	Logger *slog.Logger
)

// Init initializes the global structured logger on stdout
func Init(level slog.Level) {
	InitWriter(os.Stdout, level)
}

// InitWriter initializes the global structured logger on w. CLI commands
// that render tables on stdout log to stderr instead.
func InitWriter(w io.Writer, level slog.Level) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Format time as ISO8601
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	handler := slog.NewJSONHandler(w, opts)
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactURL removes secrets from URL logs while retaining debugging value.
// It strips userinfo and masks query parameter values (presigned S3 links
// carry their signature there).
func RedactURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed == nil {
		return rawURL
	}

	parsed.User = nil

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			query.Set(key, "***")
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

// Bytes renders n as a human readable IEC size ("1.5 MiB").
func Bytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}

// LogJobEnqueued logs admission of a job into the pending queue
func LogJobEnqueued(token, rawURL, dest string, pending int) {
	if Logger == nil {
		return
	}
	Logger.Info("download queued",
		"event", "job_enqueued",
		"token", token,
		"url", RedactURL(rawURL),
		"destination", dest,
		"pending", pending)
}

// LogJobStart logs promotion of a job to the active set
func LogJobStart(token, rawURL string, attempt int) {
	if Logger == nil {
		return
	}
	Logger.Info("download started",
		"event", "job_start",
		"token", token,
		"url", RedactURL(rawURL),
		"attempt", attempt)
}

// LogJobProgress logs a progress milestone. progress is nil when the size is unknown.
func LogJobProgress(token string, downloaded int64, progress *int) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "job_progress",
		"token", token,
		"downloaded", Bytes(downloaded),
	}
	if progress != nil {
		attrs = append(attrs, "progress", *progress)
	}
	Logger.Debug("download progress", attrs...)
}

// LogJobComplete logs successful completion
func LogJobComplete(token, dest string, size int64, elapsed time.Duration) {
	if Logger == nil {
		return
	}
	Logger.Info("download complete",
		"event", "job_complete",
		"token", token,
		"destination", dest,
		"size", Bytes(size),
		"elapsed_ms", elapsed.Milliseconds())
}

// LogJobError logs a failed attempt
func LogJobError(token, rawURL string, attempt int, willRetry bool, err error) {
	if Logger == nil {
		return
	}
	Logger.Error("download failed",
		"event", "job_error",
		"token", token,
		"url", RedactURL(rawURL),
		"attempt", attempt,
		"retrying", willRetry,
		"error", err)
}

// LogJobTimeout logs an idle-timeout cancellation
func LogJobTimeout(token, rawURL string, ttl time.Duration) {
	if Logger == nil {
		return
	}
	Logger.Warn("download stalled",
		"event", "job_timeout",
		"token", token,
		"url", RedactURL(rawURL),
		"ttl", ttl.String())
}

// LogJobCancelled logs an explicit cancellation or shutdown abort
func LogJobCancelled(token string, reason error) {
	if Logger == nil {
		return
	}
	Logger.Info("download cancelled",
		"event", "job_cancelled",
		"token", token,
		"reason", reason)
}

// LogPanic logs a recovered panic from a job or observer
func LogPanic(scope, token string, recovered any) {
	if Logger == nil {
		return
	}
	Logger.Error("recovered panic",
		"event", "panic",
		"scope", scope,
		"token", token,
		"panic", fmt.Sprint(recovered))
}

// LogPurge logs partial-file cleanup
func LogPurge(removed int, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error("partial cleanup incomplete",
			"event", "purge_error",
			"removed", removed,
			"error", err)
		return
	}
	Logger.Info("partial cleanup",
		"event", "purge",
		"removed", removed)
}

// LogWatchdog logs watchdog lifecycle changes
func LogWatchdog(msg string, interval time.Duration) {
	if Logger == nil {
		return
	}
	Logger.Info(msg,
		"event", "watchdog",
		"interval", interval.String())
}

// LogDBOperation logs database operations
func LogDBOperation(operation, token string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error("database operation failed",
			"event", "db_operation_error",
			"operation", operation,
			"token", token,
			"error", err)
	} else {
		Logger.Debug("database operation",
			"event", "db_operation",
			"operation", operation,
			"token", token)
	}
}

// LogHTTPRequest logs HTTP request handling
func LogHTTPRequest(method, path, remoteAddr string, duration time.Duration, status int, responseBytes int) {
	if Logger == nil {
		return
	}
	Logger.Info("http request",
		"event", "http_request",
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"duration_ms", duration.Milliseconds(),
		"status", status,
		"response_bytes", responseBytes)
}

// LogServerStart logs server startup
func LogServerStart(addr string, config map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "server_start",
		"addr", addr,
	}
	for k, v := range config {
		attrs = append(attrs, k, v)
	}
	Logger.Info("server started", attrs...)
}

// LogServerShutdown logs server shutdown events
func LogServerShutdown(msg string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error(msg,
			"event", "server_shutdown_error",
			"error", err)
	} else {
		Logger.Info(msg,
			"event", "server_shutdown")
	}
}

// With returns a logger with additional context
func With(ctx context.Context, attrs ...any) *slog.Logger {
	if Logger == nil {
		return slog.Default()
	}
	return Logger.With(attrs...)
}
