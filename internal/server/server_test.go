package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stemfetch/internal/download"
	"stemfetch/internal/metrics"
	"stemfetch/internal/store"
)

const payload = "0123456789abcdef"

// instant serves payload immediately.
var instant = download.TransportFunc(func(ctx context.Context, rawURL string) (*download.Stream, error) {
	return &download.Stream{Length: int64(len(payload)), Body: io.NopCloser(strings.NewReader(payload))}, nil
})

// stalled never sends a byte until the job is cancelled.
var stalled = download.TransportFunc(func(ctx context.Context, rawURL string) (*download.Stream, error) {
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	return &download.Stream{Length: 100, Body: pr}, nil
})

func newTestManager(t *testing.T, opts download.Options) *download.Manager {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	mgr, err := download.NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s := New(opts)
	t.Cleanup(s.Close)
	return s
}

// helpers
func doJSON(t *testing.T, h http.Handler, method, path, ip string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func waitJob(t *testing.T, mgr *download.Manager, token string) *download.Job {
	t.Helper()
	job, ok := mgr.FindJob(token)
	if !ok {
		t.Fatalf("job %s not found", token)
	}
	select {
	case <-job.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("job %s did not finish", token)
	}
	return job
}

func TestDownload_Success(t *testing.T) {
	mgr := newTestManager(t, download.Options{Transport: instant})
	h := newTestServer(t, Options{Manager: mgr})

	w := doJSON(t, h, http.MethodPost, "/api/download", "10.0.0.1", map[string]any{"url": "https://example.com/kit.zip", "filename": "kit.zip"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%s", ct)
	}
	resp := decode(t, w)
	if resp["status"] != "success" || resp["message"] != "enqueued" {
		t.Fatalf("resp=%v", resp)
	}
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatalf("expected token, got %v", resp)
	}
	if resp["destination"] != filepath.Join(mgr.Root(), "kit.zip") {
		t.Fatalf("destination=%v", resp["destination"])
	}

	job := waitJob(t, mgr, token)
	if err := job.Err(); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	data, err := os.ReadFile(job.DestinationPath())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != payload {
		t.Fatalf("content=%q", data)
	}
}

func TestDownload_MethodNotAllowed(t *testing.T) {
	h := newTestServer(t, Options{Manager: newTestManager(t, download.Options{Transport: instant})})
	w := doJSON(t, h, http.MethodGet, "/api/download", "10.0.0.2", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", w.Code)
	}
	if resp := decode(t, w); resp["message"] != "method_not_allowed" {
		t.Fatalf("resp=%v", resp)
	}
}

func TestDownload_InvalidJSON(t *testing.T) {
	h := newTestServer(t, Options{Manager: newTestManager(t, download.Options{Transport: instant})})
	req := httptest.NewRequest(http.MethodPost, "/api/download", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "10.0.0.3")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestDownload_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		body   map[string]any
		code   int
		errMsg string
	}{
		{name: "unsupported scheme", body: map[string]any{"url": "ftp://example/a"}, code: http.StatusBadRequest, errMsg: "invalid_url"},
		{name: "missing host", body: map[string]any{"url": "https:///a"}, code: http.StatusBadRequest, errMsg: "invalid_url"},
		{name: "escaping filename", body: map[string]any{"url": "https://example.com/a", "filename": "../a"}, code: http.StatusBadRequest, errMsg: "invalid_filename"},
	}
	h := newTestServer(t, Options{Manager: newTestManager(t, download.Options{Transport: instant})})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPost, "/api/download", "10.0.0.4", tt.body)
			if w.Code != tt.code {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			if resp := decode(t, w); resp["message"] != tt.errMsg {
				t.Fatalf("resp=%v", resp)
			}
		})
	}
}

func TestDownload_QueueFull(t *testing.T) {
	mgr := newTestManager(t, download.Options{Transport: stalled, MaxConcurrent: 1, MaxPending: 1})
	h := newTestServer(t, Options{Manager: mgr})

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		w := doJSON(t, h, http.MethodPost, "/api/download", "10.0.0.5", map[string]any{"url": "https://example.com/" + string(rune('a'+i))})
		if w.Code != want {
			t.Fatalf("request %d: status=%d body=%s", i, w.Code, w.Body.String())
		}
		if want == http.StatusTooManyRequests {
			if resp := decode(t, w); resp["message"] != "queue_full" {
				t.Fatalf("resp=%v", resp)
			}
		}
	}
}

func TestDownload_ShuttingDown(t *testing.T) {
	mgr := newTestManager(t, download.Options{Transport: instant})
	h := newTestServer(t, Options{Manager: mgr})
	mgr.StopAccepting()

	w := doJSON(t, h, http.MethodPost, "/api/download", "10.0.0.6", map[string]any{"url": "https://example.com/a"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if resp := decode(t, w); resp["message"] != "shutting_down" {
		t.Fatalf("resp=%v", resp)
	}
}

func TestJobs_ListAndGet(t *testing.T) {
	mgr := newTestManager(t, download.Options{Transport: stalled, MaxConcurrent: 1})
	h := newTestServer(t, Options{Manager: mgr})

	active, err := mgr.Enqueue(download.EnqueueRequest{URL: "https://example.com/a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Enqueue(download.EnqueueRequest{URL: "https://example.com/b"}); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, h, http.MethodGet, "/api/jobs", "10.0.1.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var list struct {
		Jobs  []download.Snapshot `json:"jobs"`
		Stats download.Stats      `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Jobs) != 2 || list.Stats.Active != 1 || list.Stats.Pending != 1 {
		t.Fatalf("list=%+v", list)
	}

	w = doJSON(t, h, http.MethodGet, "/api/jobs?status=pending", "10.0.1.1", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Jobs) != 1 || list.Jobs[0].URL != "https://example.com/b" {
		t.Fatalf("filtered=%+v", list.Jobs)
	}

	w = doJSON(t, h, http.MethodGet, "/api/jobs/"+active.Token(), "10.0.1.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var one struct {
		Job download.Snapshot `json:"job"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &one); err != nil {
		t.Fatal(err)
	}
	if one.Job.Token != active.Token() || one.Job.Progress != nil && *one.Job.Progress != 0 {
		t.Fatalf("job=%+v", one.Job)
	}

	w = doJSON(t, h, http.MethodGet, "/api/jobs/nope", "10.0.1.1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestJobGet_FallsBackToHistory(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	now := time.Now()
	if err := st.Upsert(context.Background(), download.Snapshot{
		Token: "old-token", URL: "https://example.com/a", Status: download.StatusCompleted,
		Attempt: 1, CreatedAt: now, LastUpdated: now,
	}); err != nil {
		t.Fatal(err)
	}

	h := newTestServer(t, Options{Manager: newTestManager(t, download.Options{Transport: instant}), History: st})
	w := doJSON(t, h, http.MethodGet, "/api/jobs/old-token", "10.0.1.2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	rec, _ := decode(t, w)["record"].(map[string]any)
	if rec["status"] != "completed" {
		t.Fatalf("record=%v", rec)
	}
}

func TestCancel(t *testing.T) {
	mgr := newTestManager(t, download.Options{Transport: stalled})
	h := newTestServer(t, Options{Manager: mgr})

	job, err := mgr.Enqueue(download.EnqueueRequest{URL: "https://example.com/a"})
	if err != nil {
		t.Fatal(err)
	}
	w := doJSON(t, h, http.MethodPost, "/api/jobs/"+job.Token()+"/cancel", "10.0.2.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	waitJob(t, mgr, job.Token())
	if job.Status() != download.StatusFailed || job.Err() == nil || job.Err().Error() != "cancelled" {
		t.Fatalf("status=%s err=%v", job.Status(), job.Err())
	}

	w = doJSON(t, h, http.MethodPost, "/api/jobs/unknown/cancel", "10.0.2.1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	w = doJSON(t, h, http.MethodGet, "/api/jobs/"+job.Token()+"/cancel", "10.0.2.1", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestStats(t *testing.T) {
	mgr := newTestManager(t, download.Options{Transport: instant})
	h := newTestServer(t, Options{Manager: mgr})

	job, err := mgr.Enqueue(download.EnqueueRequest{URL: "https://example.com/a"})
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, mgr, job.Token())

	w := doJSON(t, h, http.MethodGet, "/api/stats", "10.0.3.1", nil)
	var resp struct {
		Stats download.Stats `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Stats.Completed != 1 {
		t.Fatalf("stats=%+v", resp.Stats)
	}
}

func TestPurge(t *testing.T) {
	mgr := newTestManager(t, download.Options{Transport: stalled})
	h := newTestServer(t, Options{Manager: mgr})

	job, err := mgr.Enqueue(download.EnqueueRequest{URL: "https://example.com/a"})
	if err != nil {
		t.Fatal(err)
	}
	// Wait for the transfer to open its file before cancelling.
	deadline := time.Now().Add(3 * time.Second)
	for job.Status() == download.StatusPending && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := mgr.Cancel(job.Token()); err != nil {
		t.Fatal(err)
	}
	waitJob(t, mgr, job.Token())

	w := doJSON(t, h, http.MethodPost, "/api/purge", "10.0.4.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Removed []string `json:"removed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(job.DestinationPath()); !os.IsNotExist(err) {
		t.Fatalf("partial file should be gone, stat err=%v", err)
	}
	if len(resp.Removed) > 1 {
		t.Fatalf("removed=%v", resp.Removed)
	}
}

func TestHistory(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	base := time.Now()
	for i, status := range []download.Status{download.StatusCompleted, download.StatusFailed, download.StatusCompleted} {
		ts := base.Add(time.Duration(i) * time.Second)
		if err := st.Upsert(context.Background(), download.Snapshot{
			Token: string(rune('a' + i)), URL: "https://example.com/x", Status: status,
			Attempt: 1, CreatedAt: ts, LastUpdated: ts,
		}); err != nil {
			t.Fatal(err)
		}
	}

	h := newTestServer(t, Options{Manager: newTestManager(t, download.Options{Transport: instant}), History: st})

	w := doJSON(t, h, http.MethodGet, "/api/history?status=completed&limit=1", "10.0.5.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		History []store.Record `json:"history"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.History) != 1 || resp.History[0].Token != "c" {
		t.Fatalf("history=%+v", resp.History)
	}

	w = doJSON(t, h, http.MethodGet, "/api/history?limit=-2", "10.0.5.1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestHistory_NotRegisteredWithoutStore(t *testing.T) {
	h := newTestServer(t, Options{Manager: newTestManager(t, download.Options{Transport: instant})})
	w := doJSON(t, h, http.MethodGet, "/api/history", "10.0.5.2", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestMetricsAndHealthz(t *testing.T) {
	mgr := newTestManager(t, download.Options{Transport: instant})
	reg := prometheus.NewRegistry()
	defer metrics.New(reg).Bind(mgr)()

	h := newTestServer(t, Options{
		Manager: mgr,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	w := doJSON(t, h, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "stemfetch_jobs_pending 0") {
		t.Fatalf("metrics body missing gauge:\n%s", w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestRateLimited(t *testing.T) {
	h := newTestServer(t, Options{
		Manager:   newTestManager(t, download.Options{Transport: instant}),
		RateLimit: 1,
	})
	if w := doJSON(t, h, http.MethodGet, "/api/stats", "10.0.6.1", nil); w.Code != http.StatusOK {
		t.Fatalf("first status=%d", w.Code)
	}
	w := doJSON(t, h, http.MethodGet, "/api/stats", "10.0.6.1", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status=%d", w.Code)
	}
	if resp := decode(t, w); resp["message"] != "rate_limited" {
		t.Fatalf("resp=%v", resp)
	}
	// healthz is not rate limited
	if w := doJSON(t, h, http.MethodGet, "/healthz", "10.0.6.1", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", w.Code)
	}
}

func TestEvents_StreamLifecycle(t *testing.T) {
	mgr := newTestManager(t, download.Options{Transport: instant})
	s := newTestServer(t, Options{Manager: mgr})
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for s.hub.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.hub.len() != 1 {
		t.Fatal("subscriber was not registered")
	}

	job, err := mgr.Enqueue(download.EnqueueRequest{URL: "https://example.com/a"})
	if err != nil {
		t.Fatal(err)
	}

	// Start is fired after scheduling and may trail the transfer's own events.
	seen := map[string]bool{}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for !seen["start"] || !seen["complete"] {
		var evt Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v (got %v)", err, seen)
		}
		if evt.Job.Token != job.Token() {
			t.Fatalf("unexpected token %s", evt.Job.Token)
		}
		seen[evt.Type] = true
	}
	if seen["error"] {
		t.Fatal("unexpected error event")
	}
}

func TestClose_DisconnectsSubscribers(t *testing.T) {
	s := New(Options{Manager: newTestManager(t, download.Options{Transport: instant})})
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for s.hub.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}
