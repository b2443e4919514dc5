package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"stemfetch/internal/download"
	"stemfetch/internal/logging"
	"stemfetch/internal/store"
	"stemfetch/internal/ui"
)

const redrawInterval = 250 * time.Millisecond

// batchEntry is one item of a fetch -f file:
//
//	- url: https://example.com/stems.zip
//	  filename: stems/session-01.zip
type batchEntry struct {
	URL      string `yaml:"url"`
	Filename string `yaml:"filename,omitempty"`
	Size     int64  `yaml:"size,omitempty"`
}

func newFetchCmd() *cobra.Command {
	var batchFile string
	cmd := &cobra.Command{
		Use:   "fetch [URL...] [-f batch.yaml]",
		Short: "Download URLs and wait for all of them to finish",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := collectEntries(args, batchFile)
			if err != nil {
				return err
			}
			m, err := managerInstance()
			if err != nil {
				return err
			}
			if st, err := openHistory(cfg); err != nil {
				fmt.Fprintln(os.Stderr, ui.FWarning("history disabled: "+err.Error()))
			} else {
				defer st.Close()
				defer m.Attach(store.NewRecorder(st))()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runFetch(ctx, m, entries, os.Stdout, ui.NewLive(os.Stdout, ui.IsTerminal(os.Stdout)))
		},
	}
	cmd.Flags().StringVarP(&batchFile, "file", "f", "", "YAML file listing url/filename entries")
	return cmd
}

func collectEntries(args []string, batchFile string) ([]batchEntry, error) {
	if batchFile != "" && len(args) > 0 {
		return nil, errors.New("cannot specify URL arguments and --file together, choose one")
	}
	if batchFile != "" {
		return readBatchFile(batchFile)
	}
	if len(args) == 0 {
		return nil, errors.New("no URL or batch file provided")
	}
	entries := make([]batchEntry, 0, len(args))
	for _, a := range args {
		entries = append(entries, batchEntry{URL: a})
	}
	return entries, nil
}

func readBatchFile(path string) ([]batchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var raw []batchEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse batch file %s: %w", path, err)
	}
	entries := raw[:0]
	for i, e := range raw {
		e.URL = strings.TrimSpace(e.URL)
		if e.URL == "" {
			fmt.Fprintf(os.Stderr, "Warning: entry %d has no url, skipping\n", i+1)
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no valid entries in %s", path)
	}
	return entries, nil
}

// runFetch enqueues entries on m, redraws the job table while they run and
// returns an error if any of them failed.
func runFetch(ctx context.Context, m *download.Manager, entries []batchEntry, out io.Writer, live *ui.Live) error {
	m.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = m.Shutdown(shutdownCtx)
	}()

	// Completion lines are held back while the table is being redrawn.
	var (
		linesMu sync.Mutex
		lines   []string
	)
	say := func(s string) {
		linesMu.Lock()
		lines = append(lines, s)
		linesMu.Unlock()
	}

	var tokens []string
	rejected := 0
	for _, e := range entries {
		job, err := m.Enqueue(download.EnqueueRequest{
			URL:            e.URL,
			Filename:       e.Filename,
			TotalBytesHint: e.Size,
			Callbacks: download.Callbacks{
				OnComplete: func(s download.Snapshot) {
					say(fmt.Sprintf("%s %s (%s)", ui.FSuccess(ui.StyleSymbols["pass"]), s.DestinationPath, humanize.IBytes(uint64(s.DownloadedBytes))))
				},
			},
		})
		if err != nil {
			rejected++
			fmt.Fprintln(out, ui.FError(fmt.Sprintf("%s %s: %v", ui.StyleSymbols["fail"], logging.RedactURL(e.URL), err)))
			continue
		}
		tokens = append(tokens, job.Token())
	}

	// Retries replace a token's job, so rows always show the latest attempt.
	var (
		finalMu sync.Mutex
		finals  = make(map[string]download.Snapshot, len(tokens))
	)
	snapshots := func() []download.Snapshot {
		finalMu.Lock()
		defer finalMu.Unlock()
		snaps := make([]download.Snapshot, 0, len(tokens))
		for _, tok := range tokens {
			if s, ok := finals[tok]; ok {
				snaps = append(snaps, s)
			} else if j, ok := m.FindJob(tok); ok {
				snaps = append(snaps, j.Snapshot())
			}
		}
		return snaps
	}

	var wg sync.WaitGroup
	for _, tok := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Wait(context.Background(), tok)
			if err != nil {
				return
			}
			finalMu.Lock()
			finals[tok] = s
			finalMu.Unlock()
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(redrawInterval)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-ctx.Done():
			// Shutdown in the deferred func fails whatever is left.
			m.StopAccepting()
			_ = m.Shutdown(context.Background())
			<-done
			break wait
		case <-ticker.C:
			live.Draw(ui.RenderJobs(snapshots()))
		}
	}

	final := snapshots()
	if live.Enabled() {
		live.Draw(ui.RenderJobs(final))
	} else {
		fmt.Fprintln(out, ui.RenderJobs(final))
	}
	linesMu.Lock()
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
	linesMu.Unlock()

	failed := rejected
	for _, s := range final {
		if s.Status == download.StatusFailed {
			failed++
			fmt.Fprintln(out, ui.FError(fmt.Sprintf("%s %s: %s", ui.StyleSymbols["fail"], logging.RedactURL(s.URL), s.Error)))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(entries))
	}
	return nil
}
