package store

import (
	"context"
	"sync"
	"time"

	"stemfetch/internal/download"
	"stemfetch/internal/logging"
)

const (
	defaultWriteTimeout     = 2 * time.Second
	defaultProgressInterval = time.Second
)

// Recorder writes manager lifecycle events into the history table.
// It implements download.Hooks.
type Recorder struct {
	store            *Store
	writeTimeout     time.Duration
	progressInterval time.Duration
	now              func() time.Time

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

var _ download.Hooks = (*Recorder)(nil)

// NewRecorder returns a Recorder backed by s.
func NewRecorder(s *Store) *Recorder {
	return &Recorder{
		store:            s,
		writeTimeout:     defaultWriteTimeout,
		progressInterval: defaultProgressInterval,
		now:              time.Now,
		lastWrite:        make(map[string]time.Time),
	}
}

func (r *Recorder) OnJobStart(s download.Snapshot) {
	r.mark(s.Token)
	r.write("job_start", s)
}

// OnJobProgress writes at most one progress row per job per interval.
func (r *Recorder) OnJobProgress(s download.Snapshot) {
	r.mu.Lock()
	now := r.now()
	if last, ok := r.lastWrite[s.Token]; ok && now.Sub(last) < r.progressInterval {
		r.mu.Unlock()
		return
	}
	r.lastWrite[s.Token] = now
	r.mu.Unlock()

	r.write("job_progress", s)
}

func (r *Recorder) OnJobComplete(s download.Snapshot) {
	r.forget(s.Token)
	r.write("job_complete", s)
}

func (r *Recorder) OnJobError(s download.Snapshot) {
	r.forget(s.Token)
	r.write("job_error", s)
}

func (r *Recorder) mark(token string) {
	r.mu.Lock()
	r.lastWrite[token] = r.now()
	r.mu.Unlock()
}

func (r *Recorder) forget(token string) {
	r.mu.Lock()
	delete(r.lastWrite, token)
	r.mu.Unlock()
}

func (r *Recorder) write(op string, s download.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	err := r.store.Upsert(ctx, s)
	logging.LogDBOperation(op, s.Token, err)
}
