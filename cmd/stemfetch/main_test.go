package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemfetch/internal/config"
	"stemfetch/internal/download"
	"stemfetch/internal/store"
	"stemfetch/internal/ui"
)

func TestCollectEntries(t *testing.T) {
	entries, err := collectEntries([]string{"https://a.example/x", "https://b.example/y"}, "")
	require.NoError(t, err)
	assert.Equal(t, []batchEntry{{URL: "https://a.example/x"}, {URL: "https://b.example/y"}}, entries)

	_, err = collectEntries(nil, "")
	assert.ErrorContains(t, err, "no URL")

	_, err = collectEntries([]string{"https://a.example/x"}, "batch.yaml")
	assert.ErrorContains(t, err, "choose one")
}

func TestReadBatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- url: https://example.com/drums.wav
  filename: session/drums.wav
  size: 2048
- url: "  "
- url: https://example.com/bass.wav
`), 0o644))

	entries, err := readBatchFile(path)
	require.NoError(t, err)
	assert.Equal(t, []batchEntry{
		{URL: "https://example.com/drums.wav", Filename: "session/drums.wav", Size: 2048},
		{URL: "https://example.com/bass.wav"},
	}, entries)
}

func TestReadBatchFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := readBatchFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read batch file")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("url: [unterminated"), 0o644))
	_, err = readBatchFile(bad)
	assert.ErrorContains(t, err, "parse batch file")

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("- url: ''\n"), 0o644))
	_, err = readBatchFile(empty)
	assert.ErrorContains(t, err, "no valid entries")
}

func TestApplyFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("root", "", "")
	flags.Int("max-concurrent", 0, "")
	flags.Duration("ttl", 0, "")
	flags.Bool("s3", false, "")
	flags.String("host", "", "")
	flags.Int("port", 0, "")
	require.NoError(t, flags.Parse([]string{"--root", "/srv/stems", "--max-concurrent", "7", "--ttl", "45s", "--s3", "--port", "9090"}))

	c := config.New()
	require.NoError(t, applyFlags(c, flags))

	assert.Equal(t, "/srv/stems", c.DownloadRoot)
	assert.Equal(t, 7, c.MaxConcurrent)
	assert.Equal(t, 45*time.Second, c.TTL)
	assert.True(t, c.S3Enabled)
	assert.Equal(t, 9090, c.Port)
	// unset flags leave defaults alone
	assert.Equal(t, "127.0.0.1", c.Host)
	assert.Equal(t, "info", c.LogLevel)
}

func TestBuildTransport_S3Disabled(t *testing.T) {
	c := config.New()
	router, err := buildTransport(context.Background(), c)
	require.NoError(t, err)

	assert.True(t, router.Supports("https://example.com/a.wav"))
	assert.True(t, router.Supports("http://example.com/a.wav"))
	assert.False(t, router.Supports("s3://bucket/key.wav"))
}

func TestFormatCounts(t *testing.T) {
	got := formatCounts(map[string]int64{"failed": 1, "completed": 3})
	assert.Equal(t, "completed: 3  failed: 1  total: 4", got)
	assert.Equal(t, "total: 0", formatCounts(nil))
}

func newTestManager(t *testing.T, opts ...func(*config.Config)) *download.Manager {
	t.Helper()
	c := config.New()
	c.AbsDownloadRoot = t.TempDir()
	c.TickInterval = 20 * time.Millisecond
	for _, o := range opts {
		o(c)
	}
	require.NoError(t, c.Validate())
	m, err := newManager(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func fileServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		body := strings.Repeat("s", 4096)
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRunFetch_AllComplete(t *testing.T) {
	ts := fileServer(t)
	m := newTestManager(t)

	var out bytes.Buffer
	err := runFetch(context.Background(), m, []batchEntry{
		{URL: ts.URL + "/kick.wav", Filename: "kick.wav"},
		{URL: ts.URL + "/snare.wav", Filename: "snare.wav"},
	}, &out, ui.NewLive(&out, false))
	require.NoError(t, err)

	for _, name := range []string{"kick.wav", "snare.wav"} {
		info, err := os.Stat(filepath.Join(m.Root(), name))
		require.NoError(t, err)
		assert.EqualValues(t, 4096, info.Size())
		assert.Contains(t, out.String(), filepath.Join(m.Root(), name)+" (4.0 KiB)")
	}
	assert.Contains(t, out.String(), "100%")
}

func TestRunFetch_FailureReturnsError(t *testing.T) {
	ts := fileServer(t)
	m := newTestManager(t)

	var out bytes.Buffer
	err := runFetch(context.Background(), m, []batchEntry{
		{URL: ts.URL + "/ok.wav", Filename: "ok.wav"},
		{URL: ts.URL + "/missing", Filename: "missing.wav"},
		{URL: "s3://bucket/key.wav"},
	}, &out, ui.NewLive(&out, false))

	require.Error(t, err)
	assert.Equal(t, "2 of 3 downloads failed", err.Error())
	assert.Contains(t, out.String(), "unexpected status code: 404")
	assert.Contains(t, out.String(), "invalid_url")
}

func TestRunFetch_WaitsForRetries(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		body := strings.Repeat("r", 2048)
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		_, _ = w.Write([]byte(body))
	}))
	defer ts.Close()

	m := newTestManager(t, func(c *config.Config) {
		c.RetryMaxAttempts = 3
		c.RetryBackoff = 20 * time.Millisecond
	})

	var out bytes.Buffer
	err := runFetch(context.Background(), m, []batchEntry{{URL: ts.URL + "/flaky.wav", Filename: "flaky.wav"}}, &out, ui.NewLive(&out, false))
	require.NoError(t, err, out.String())

	assert.Equal(t, int32(2), hits.Load())
	info, err := os.Stat(filepath.Join(m.Root(), "flaky.wav"))
	require.NoError(t, err)
	assert.EqualValues(t, 2048, info.Size())
	assert.Contains(t, out.String(), "completed")
	assert.NotContains(t, out.String(), "unexpected status code: 500")
}

func TestRunFetch_CancelledContextStopsJobs(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	var out bytes.Buffer
	err := runFetch(ctx, m, []batchEntry{{URL: ts.URL + "/slow.wav"}}, &out, ui.NewLive(&out, false))
	require.Error(t, err)
	assert.Contains(t, out.String(), "shutting_down")
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func failedSnapshot(token, dest string) download.Snapshot {
	now := time.Now()
	return download.Snapshot{
		Token:           token,
		URL:             "https://example.com/" + token,
		DestinationPath: dest,
		Status:          download.StatusFailed,
		Error:           "timed out",
		DownloadedBytes: 10,
		Attempt:         1,
		CreatedAt:       now,
		LastUpdated:     now,
	}
}

func TestRunHistory(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	var out bytes.Buffer
	require.NoError(t, runHistory(ctx, st, store.Filter{}, &out))
	assert.Contains(t, out.String(), "No downloads recorded")

	done := failedSnapshot("completedtoken", "/tmp/a.wav")
	done.Status, done.Error = download.StatusCompleted, ""
	require.NoError(t, st.Upsert(ctx, done))
	require.NoError(t, st.Upsert(ctx, failedSnapshot("failedtoken", "/tmp/b.wav")))

	out.Reset()
	require.NoError(t, runHistory(ctx, st, store.Filter{Status: "failed"}, &out))
	assert.Contains(t, out.String(), "failedto")
	assert.NotContains(t, out.String(), "example.com/completedtoken")
	assert.Contains(t, out.String(), "completed: 1  failed: 1  total: 2")
}

func TestRunClean(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	dir := t.TempDir()

	partial := filepath.Join(dir, "partial.wav")
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0o644))
	require.NoError(t, st.Upsert(ctx, failedSnapshot("partialtoken", partial)))
	require.NoError(t, st.Upsert(ctx, failedSnapshot("gonetoken", filepath.Join(dir, "gone.wav"))))

	var out bytes.Buffer
	require.NoError(t, runClean(ctx, st, true, &out))
	assert.FileExists(t, partial)
	assert.Contains(t, out.String(), partial)

	out.Reset()
	require.NoError(t, runClean(ctx, st, false, &out))
	assert.NoFileExists(t, partial)
	assert.Contains(t, out.String(), "Removed 2 of 2 partial files")

	remaining, err := st.FailedUncleaned(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	out.Reset()
	require.NoError(t, runClean(ctx, st, false, &out))
	assert.Contains(t, out.String(), "Nothing to clean")
}

func TestRunClean_KeepsFileOfLaterSuccess(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	dest := filepath.Join(t.TempDir(), "stems.zip")

	failed := failedSnapshot("failedfirst", dest)
	failed.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, st.Upsert(ctx, failed))
	done := failedSnapshot("thensucceeded", dest)
	done.Status, done.Error = download.StatusCompleted, ""
	require.NoError(t, st.Upsert(ctx, done))
	require.NoError(t, os.WriteFile(dest, []byte("finished stems"), 0o644))

	var out bytes.Buffer
	require.NoError(t, runClean(ctx, st, false, &out))
	assert.Contains(t, out.String(), "Nothing to clean")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "finished stems", string(data))
}
