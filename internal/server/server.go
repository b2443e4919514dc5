package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stemfetch/internal/download"
	"stemfetch/internal/logging"
	"stemfetch/internal/store"
	"stemfetch/internal/ui"
)

type jobManager interface {
	Enqueue(req download.EnqueueRequest) (*download.Job, error)
	FindJob(token string) (*download.Job, bool)
	Cancel(token string) error
	Stats() download.Stats
	Snapshot() []download.Snapshot
	PurgePartials() ([]string, error)
	Attach(h download.Hooks) func()
}

type historyStore interface {
	List(ctx context.Context, f store.Filter) ([]store.Record, error)
	Get(ctx context.Context, token string) (store.Record, bool, error)
}

type rateLimiter interface {
	Allow(key string) bool
}

// Options wires the server's collaborators. History and Metrics are optional.
type Options struct {
	Manager jobManager
	History historyStore
	Metrics http.Handler

	RateLimit  int           // requests per window per IP, default 60
	RateWindow time.Duration // default 1m
}

// Server is the HTTP API in front of a download manager.
type Server struct {
	handler http.Handler
	rl      *ipRateLimiter
	hub     *hub
	detach  func()
}

// New returns a Server with routes and middleware wired.
func New(opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 60
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	s := &Server{
		rl:  newIPRateLimiter(opts.RateLimit, opts.RateWindow),
		hub: newHub(),
	}
	s.detach = opts.Manager.Attach(s.hub)

	mgr := opts.Manager
	rl := s.rl
	mux := http.NewServeMux()

	// Routes
	mux.HandleFunc("/api/download", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			URL        string `json:"url"`
			Filename   string `json:"filename"`
			TotalBytes int64  `json:"total_bytes"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.URL == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
			return
		}
		job, err := mgr.Enqueue(download.EnqueueRequest{
			URL:            strings.TrimSpace(req.URL),
			Filename:       req.Filename,
			TotalBytesHint: req.TotalBytes,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "success",
			"message":     "enqueued",
			"token":       job.Token(),
			"destination": job.DestinationPath(),
		})
	}))

	mux.HandleFunc("/api/jobs", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		jobs := mgr.Snapshot()
		if st := r.URL.Query().Get("status"); st != "" {
			jobs = filterStatus(jobs, st)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "jobs": jobs, "stats": mgr.Stats()})
	}))

	mux.HandleFunc("/api/jobs/{token}", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		token := r.PathValue("token")
		if job, ok := mgr.FindJob(token); ok {
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "job": job.Snapshot()})
			return
		}
		if opts.History != nil {
			rec, found, err := opts.History.Get(r.Context(), token)
			if err != nil {
				logging.LogDBOperation("get", token, err)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
				return
			}
			if found {
				writeJSON(w, http.StatusOK, map[string]any{"status": "success", "record": rec})
				return
			}
		}
		writeError(w, download.ErrNotFound)
	}))

	mux.HandleFunc("/api/jobs/{token}/cancel", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := mgr.Cancel(r.PathValue("token")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "cancelled"})
	}))

	mux.HandleFunc("/api/stats", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "stats": mgr.Stats()})
	}))

	mux.HandleFunc("/api/purge", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		removed, err := mgr.PurgePartials()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"status": "error", "message": "purge_incomplete", "removed": removed,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "removed": removed})
	}))

	// Optional DB-backed listing; only registered if a history store is provided.
	if opts.History != nil {
		mux.HandleFunc("/api/history", with(rl, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			q := r.URL.Query()
			f := store.Filter{
				Status: q.Get("status"),
				Order:  q.Get("order"),
			}
			var err error
			if f.Limit, err = intParam(q.Get("limit")); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_limit"})
				return
			}
			if f.Offset, err = intParam(q.Get("offset")); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_offset"})
				return
			}
			records, err := opts.History.List(r.Context(), f)
			if err != nil {
				logging.LogDBOperation("list", "", err)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "history": records})
		}))
	}

	mux.HandleFunc("/api/events", s.hub.serveWS)

	// Dashboard (HTML via templ + HTMX)
	mux.HandleFunc("/dashboard", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = ui.Dashboard(mgr.Snapshot(), mgr.Stats()).Render(r.Context(), w)
	}))

	mux.HandleFunc("/dashboard/rows", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		jobs := mgr.Snapshot()
		if st := r.URL.Query().Get("status"); st != "" {
			jobs = filterStatus(jobs, st)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = ui.QueueTable(jobs, mgr.Stats()).Render(r.Context(), w)
	}))

	mux.HandleFunc("/dashboard/enqueue", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		_, err := mgr.Enqueue(download.EnqueueRequest{
			URL:      strings.TrimSpace(r.Form.Get("url")),
			Filename: strings.TrimSpace(r.Form.Get("filename")),
		})
		if err != nil {
			code, msg := errorStatus(err)
			http.Error(w, strings.ReplaceAll(msg, "_", " "), code)
			return
		}
		// Back to the page; the HTMX poll picks up the new row
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
	}))

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	// Healthcheck
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Add minimal logging + recover
	s.handler = recoverer(logger(mux))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close detaches from the manager, disconnects event subscribers and stops
// the rate limiter.
func (s *Server) Close() {
	s.detach()
	s.hub.close()
	s.rl.Stop()
}

// Utilities

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"status": "error", "message": "method_not_allowed"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code, msg := errorStatus(err)
	writeJSON(w, code, map[string]any{"status": "error", "message": msg})
}

// errorStatus maps manager errors to status codes and client messages.
func errorStatus(err error) (int, string) {
	code, msg := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, download.ErrQueueFull):
		code, msg = http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, download.ErrShuttingDown):
		code, msg = http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, download.ErrEmptyURL), errors.Is(err, download.ErrInvalidURL):
		code, msg = http.StatusBadRequest, "invalid_url"
	case errors.Is(err, download.ErrInvalidFilename):
		code, msg = http.StatusBadRequest, "invalid_filename"
	case errors.Is(err, download.ErrDestinationInUse):
		code, msg = http.StatusConflict, "destination_in_use"
	case errors.Is(err, download.ErrNotFound):
		code, msg = http.StatusNotFound, "not_found"
	}
	return code, msg
}

func filterStatus(jobs []download.Snapshot, status string) []download.Snapshot {
	out := make([]download.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		if strings.EqualFold(string(j.Status), status) {
			out = append(out, j)
		}
	}
	return out
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

// Middleware

func with(rl rateLimiter, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "error", "message": "rate_limited"})
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// Hijack lets the websocket upgrade through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(sr, r)
		// Skip noisy scrape and health check lines
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		logging.LogHTTPRequest(r.Method, r.URL.Path, r.RemoteAddr, time.Since(start), sr.status, sr.bytes)
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logging.LogPanic("http", r.URL.Path, v)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	// Respect common proxy headers, then fall back to RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return strings.TrimSpace(xr)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
