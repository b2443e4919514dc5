package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTL is the idle timeout applied when none is configured.
	DefaultTTL = 5 * time.Minute

	chunkSize = 32 * 1024
	fileMode  = 0o644
)

// Callbacks are the caller-supplied observers of a single job. Every field is optional.
type Callbacks struct {
	OnProgress func(Snapshot)
	OnComplete func(Snapshot)
	OnError    func(message string)
}

// Snapshot is a point-in-time copy of a Job.
type Snapshot struct {
	Token           string    `json:"token"`
	URL             string    `json:"url"`
	DestinationPath string    `json:"destination_path"`
	TotalBytes      *int64    `json:"total_bytes,omitempty"`
	SizeHint        int64     `json:"size_hint,omitempty"` // caller estimate, never used for validation
	DownloadedBytes int64     `json:"downloaded_bytes"`
	Progress        *int      `json:"progress,omitempty"` // 0-100, nil while the size is unknown
	Status          Status    `json:"status"`
	Error           string    `json:"error,omitempty"`
	Attempt         int       `json:"attempt"`
	CreatedAt       time.Time `json:"created_at"`
	LastUpdated     time.Time `json:"last_updated"`
	WillRetry       bool      `json:"will_retry,omitempty"` // set on error events the manager will retry
}

// JobOptions carries optional Job settings.
type JobOptions struct {
	// Token overrides the generated token; retries reuse their predecessor's.
	Token string
	// TotalBytesHint is an estimate for display. Only the transport's
	// announced length bounds the transfer.
	TotalBytesHint int64
	TTL            time.Duration
	Attempt        int
	Clock          func() time.Time
}

// Job is one download attempt. All exported methods are safe for concurrent use.
type Job struct {
	token   string
	url     string
	dest    string
	ttl     time.Duration
	attempt int
	now     func() time.Time

	mu          sync.Mutex
	status      Status
	total       *int64
	hint        int64
	downloaded  int64
	createdAt   time.Time
	startedAt   time.Time
	lastUpdated time.Time
	err         error
	started     bool
	sealed      bool // stream fully received, finalizing the file
	cancel      context.CancelFunc
	body        io.Closer

	file *os.File // owned by the transfer goroutine

	progress observers[func(Snapshot)]
	complete observers[func(Snapshot)]
	failure  observers[func(string)]

	done chan struct{}
}

// NewJob creates a pending job. No I/O happens until Start.
func NewJob(rawURL, destinationPath string, cb Callbacks, opts JobOptions) *Job {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Token == "" {
		opts.Token = uuid.NewString()
	}
	if opts.Attempt <= 0 {
		opts.Attempt = 1
	}
	now := opts.Clock()
	j := &Job{
		token:       opts.Token,
		url:         rawURL,
		dest:        destinationPath,
		ttl:         opts.TTL,
		attempt:     opts.Attempt,
		now:         opts.Clock,
		status:      StatusPending,
		createdAt:   now,
		lastUpdated: now,
		done:        make(chan struct{}),
	}
	if opts.TotalBytesHint > 0 {
		j.hint = opts.TotalBytesHint
	}
	if cb.OnProgress != nil {
		j.progress.add(cb.OnProgress)
	}
	if cb.OnComplete != nil {
		j.complete.add(cb.OnComplete)
	}
	if cb.OnError != nil {
		j.failure.add(cb.OnError)
	}
	return j
}

func (j *Job) Token() string           { return j.token }
func (j *Job) URL() string             { return j.url }
func (j *Job) DestinationPath() string { return j.dest }
func (j *Job) Attempt() int            { return j.attempt }

// Done is closed after the terminal notification has been delivered.
func (j *Job) Done() <-chan struct{} { return j.done }

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the failure cause, nil unless the job failed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Snapshot returns a copy of the job state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	s := Snapshot{
		Token:           j.token,
		URL:             j.url,
		DestinationPath: j.dest,
		SizeHint:        j.hint,
		DownloadedBytes: j.downloaded,
		Status:          j.status,
		Attempt:         j.attempt,
		CreatedAt:       j.createdAt,
		LastUpdated:     j.lastUpdated,
	}
	if j.total != nil {
		total := *j.total
		s.TotalBytes = &total
		p := percent(j.downloaded, total)
		s.Progress = &p
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

func percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(done) / float64(total) * 100))
	return min(max(p, 0), 100)
}

// OnProgress adds a progress observer after the caller's own. It returns an unsubscribe func.
func (j *Job) OnProgress(fn func(Snapshot)) func() { return j.progress.add(fn) }

// OnComplete adds a completion observer. It returns an unsubscribe func.
func (j *Job) OnComplete(fn func(Snapshot)) func() { return j.complete.add(fn) }

// OnError adds an error observer. It returns an unsubscribe func.
func (j *Job) OnError(fn func(string)) func() { return j.failure.add(fn) }

// Start launches the transfer through t and returns without waiting for headers.
// A second call returns ErrAlreadyStarted.
func (j *Job) Start(ctx context.Context, t Transport) error {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return ErrAlreadyStarted
	}
	j.started = true
	if j.status.IsTerminal() {
		// cancelled while pending; the notification was already delivered
		err := j.err
		j.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.startedAt = j.now()
	j.mu.Unlock()

	go j.run(ctx, cancel, t)
	return nil
}

func (j *Job) run(ctx context.Context, cancel context.CancelFunc, t Transport) {
	defer j.notify()
	defer cancel()
	defer j.closeFile()

	stream, err := t.Open(ctx, j.url)
	if err != nil {
		j.onStreamError(err)
		return
	}
	defer stream.Body.Close()
	if !j.onHeaders(stream) {
		return
	}

	if err := os.MkdirAll(filepath.Dir(j.dest), 0o755); err != nil {
		j.onStreamError(fmt.Errorf("create destination dir: %w", err))
		return
	}
	f, err := os.OpenFile(j.dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		j.onStreamError(fmt.Errorf("open destination: %w", err))
		return
	}
	j.file = f

	buf := make([]byte, chunkSize)
	for {
		n, rerr := stream.Body.Read(buf)
		if n > 0 {
			if !j.onDataChunk(int64(n)) {
				return
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				j.onWriteError(int64(n), werr)
				return
			}
			j.fireProgress()
		}
		if errors.Is(rerr, io.EOF) {
			j.onStreamComplete()
			return
		}
		if rerr != nil {
			j.onStreamError(rerr)
			return
		}
	}
}

// onHeaders records the announced length and moves the job to started.
// It reports false when the job was cancelled while the transport was opening.
func (j *Job) onHeaders(s *Stream) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.IsTerminal() {
		return false
	}
	j.body = s.Body
	if s.Length > 0 {
		length := s.Length
		j.total = &length
	}
	j.status = StatusStarted
	j.lastUpdated = j.now()
	return true
}

// onDataChunk accounts n received bytes before they reach the file.
// It reports false when the transfer must stop and the chunk must be dropped.
func (j *Job) onDataChunk(n int64) bool {
	j.mu.Lock()
	if j.status.IsTerminal() {
		j.mu.Unlock()
		return false
	}
	if j.total != nil && j.downloaded+n > *j.total {
		err := fmt.Errorf("%w: received %d bytes, announced %d", ErrOverrun, j.downloaded+n, *j.total)
		j.failLocked(err)
		j.mu.Unlock()
		return false
	}
	j.downloaded += n
	j.status = StatusDownloading
	j.lastUpdated = j.now()
	j.mu.Unlock()
	return true
}

// onWriteError takes back the n bytes that never reached the file and fails the job.
func (j *Job) onWriteError(n int64, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.downloaded -= n
	j.failLocked(fmt.Errorf("write destination: %w", err))
}

func (j *Job) fireProgress() {
	j.mu.Lock()
	if j.status.IsTerminal() {
		j.mu.Unlock()
		return
	}
	snap := j.snapshotLocked()
	j.mu.Unlock()

	for _, fn := range j.progress.list() {
		fn(snap)
	}
}

// onStreamComplete flushes and closes the destination, normalizes its mode,
// then marks the job completed. Observers run afterwards from notify.
func (j *Job) onStreamComplete() {
	j.mu.Lock()
	if j.status.IsTerminal() {
		j.mu.Unlock()
		return
	}
	if j.total != nil && j.downloaded != *j.total {
		j.failLocked(fmt.Errorf("%w: received %d of %d bytes", ErrTruncated, j.downloaded, *j.total))
		j.mu.Unlock()
		return
	}
	j.sealed = true
	j.mu.Unlock()

	err := j.syncAndClose()
	if err == nil {
		err = os.Chmod(j.dest, fileMode)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.status = StatusFailed
		j.err = fmt.Errorf("finalize destination: %w", err)
		return
	}
	j.status = StatusCompleted
	j.lastUpdated = j.now()
}

func (j *Job) onStreamError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failLocked(err)
}

// failLocked moves a non-terminal job to failed. It reports whether it did.
func (j *Job) failLocked(err error) bool {
	if j.status.IsTerminal() || j.sealed {
		return false
	}
	j.status = StatusFailed
	j.err = err
	return true
}

func (j *Job) syncAndClose() error {
	f := j.file
	if f == nil {
		return nil
	}
	j.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (j *Job) closeFile() {
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
}

// notify delivers the single terminal notification and closes Done.
func (j *Job) notify() {
	j.mu.Lock()
	if !j.status.IsTerminal() {
		j.status = StatusFailed
		j.err = errors.New("transfer ended without a result")
	}
	snap := j.snapshotLocked()
	err := j.err
	j.mu.Unlock()

	if snap.Status == StatusCompleted {
		for _, fn := range j.complete.list() {
			fn(snap)
		}
	} else {
		for _, fn := range j.failure.list() {
			fn(err.Error())
		}
	}
	close(j.done)
}

// stalled is the idle-timeout predicate: only a downloading job whose last
// progress is older than its TTL counts.
func stalled(status Status, lastUpdated time.Time, ttl time.Duration, now time.Time) bool {
	return status == StatusDownloading && ttl > 0 && now.Sub(lastUpdated) > ttl
}

// EvaluateTimeout fails the job with ErrTimedOut when it has been downloading
// without progress for longer than its TTL, aborting the transport.
// It reports whether the job timed out.
func (j *Job) EvaluateTimeout(now time.Time) bool {
	return j.abortIf(ErrTimedOut, func() bool {
		return stalled(j.status, j.lastUpdated, j.ttl, now)
	})
}

// evaluateStartTimeout fails a job that was started but has not received
// its first byte within limit.
func (j *Job) evaluateStartTimeout(now time.Time, limit time.Duration) bool {
	if limit <= 0 {
		return false
	}
	return j.abortIf(ErrStartTimeout, func() bool {
		return j.started && (j.status == StatusPending || j.status == StatusStarted) &&
			now.Sub(j.startedAt) > limit
	})
}

// Cancel aborts the transfer and fails the job with ErrCancelled.
// Cancelling a terminal job does nothing.
func (j *Job) Cancel() {
	j.abort(ErrCancelled)
}

func (j *Job) abort(cause error) bool {
	return j.abortIf(cause, func() bool { return true })
}

func (j *Job) abortIf(cause error, cond func() bool) bool {
	j.mu.Lock()
	if j.status.IsTerminal() || j.sealed || !cond() {
		j.mu.Unlock()
		return false
	}
	// stop the stream before the job reads as failed
	if j.cancel != nil {
		j.cancel()
	}
	if j.body != nil {
		j.body.Close()
	}
	running := j.started
	j.failLocked(cause)
	j.mu.Unlock()

	if !running {
		// no transfer goroutine will report for us
		j.notify()
	}
	return true
}
