package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stemfetch/internal/logging"
)

const (
	DefaultMaxConcurrent = 3
	DefaultTickInterval  = time.Second

	// progress is logged every 10% of a known size, or every 8 MiB otherwise
	unknownSizeLogStep = 8 << 20
)

// RetryPolicy bounds automatic re-attempts of failed jobs. The zero value
// (and MaxAttempts 1) never retries. Cancelled jobs are never retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) allows(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrShuttingDown)
}

// Options configures a Manager.
type Options struct {
	// Root is the download directory. It is created if missing and must be writable.
	Root          string
	MaxConcurrent int
	// MaxPending bounds the pending queue; Enqueue returns ErrQueueFull beyond it. Zero is unbounded.
	MaxPending   int
	TTL          time.Duration
	TickInterval time.Duration
	// StartTimeout fails active jobs that have not received a byte within it. Zero disables it.
	StartTimeout time.Duration
	Retry        RetryPolicy
	// Retain is how many finished jobs stay visible to FindJob and Snapshot.
	Retain    int
	Transport Transport
	Clock     func() time.Time
}

// EnqueueRequest describes a download to schedule.
type EnqueueRequest struct {
	URL string
	// Filename under the download root; a generated name is used when empty.
	Filename string
	// DestinationPath overrides Root/Filename.
	DestinationPath string
	TotalBytesHint  int64
	Callbacks       Callbacks
}

// Stats is a point-in-time view of queue depth and outcomes.
type Stats struct {
	Pending   int   `json:"pending"`
	Active    int   `json:"active"`
	Retrying  int   `json:"retrying"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// attempt carries what is needed to (re)create a job for a token.
type attempt struct {
	token string
	url   string
	dest  string
	hint  int64
	cb    Callbacks
	n     int
}

type scheduledRetry struct {
	job *Job
	due time.Time
}

// Manager bounds concurrent transfers, promotes pending jobs in FIFO order and
// runs a watchdog that fails stalled jobs and reaps finished ones.
type Manager struct {
	root          string
	maxConcurrent int
	maxPending    int
	ttl           time.Duration
	tickInterval  time.Duration
	startTimeout  time.Duration
	retry         RetryPolicy
	transport     Transport
	now           func() time.Time

	jobsCtx    context.Context
	cancelJobs context.CancelFunc
	closing    atomic.Bool

	promoteMu sync.Mutex
	mu        sync.Mutex
	pending   []*Job
	active    []*Job
	retries   []scheduledRetry

	registry  *jobRegistry
	completed atomic.Int64
	failed    atomic.Int64

	onStart    observers[func(Snapshot)]
	onProgress observers[func(Snapshot)]
	onComplete observers[func(Snapshot)]
	onError    observers[func(Snapshot)]

	wake         chan struct{}
	watchdogMu   sync.Mutex
	stopWatchdog context.CancelFunc
	watchdogDone chan struct{}
}

// NewManager validates opts and prepares the download root. A root that cannot
// be created or written to is reported here rather than per job.
func NewManager(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("download root is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create download root: %w", err)
	}
	check, err := os.CreateTemp(opts.Root, ".stemfetch-write-*")
	if err != nil {
		return nil, fmt.Errorf("download root not writable: %w", err)
	}
	check.Close()
	os.Remove(check.Name())

	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxPending < 0 {
		opts.MaxPending = 0
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Transport == nil {
		opts.Transport = DefaultTransport(HTTPClientConfig{})
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		root:          opts.Root,
		maxConcurrent: opts.MaxConcurrent,
		maxPending:    opts.MaxPending,
		ttl:           opts.TTL,
		tickInterval:  opts.TickInterval,
		startTimeout:  opts.StartTimeout,
		retry:         opts.Retry,
		transport:     opts.Transport,
		now:           opts.Clock,
		jobsCtx:       ctx,
		cancelJobs:    cancel,
		registry:      newJobRegistry(opts.Retain),
		wake:          make(chan struct{}, 1),
	}, nil
}

// DefaultTransport routes http and https through an HTTPTransport.
func DefaultTransport(cfg HTTPClientConfig) *SchemeRouter {
	r := NewSchemeRouter()
	h := NewHTTPTransport(cfg)
	r.Handle("http", h)
	r.Handle("https", h)
	return r
}

// Root returns the download directory.
func (m *Manager) Root() string { return m.root }

// Enqueue admits a download into the pending queue and promotes immediately
// if a slot is free. It never blocks on the transfer.
func (m *Manager) Enqueue(req EnqueueRequest) (*Job, error) {
	if m.closing.Load() {
		return nil, ErrShuttingDown
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := validateURL(m.transport, req.URL); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	dest, err := m.destination(token, req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closing.Load() {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.maxPending > 0 && len(m.pending) >= m.maxPending {
		m.mu.Unlock()
		return nil, ErrQueueFull
	}
	if m.destinationBusyLocked(dest) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDestinationInUse, dest)
	}
	j := m.newJob(attempt{
		token: token,
		url:   req.URL,
		dest:  dest,
		hint:  req.TotalBytesHint,
		cb:    req.Callbacks,
		n:     1,
	})
	m.pending = append(m.pending, j)
	m.registry.put(j)
	depth := len(m.pending)
	m.mu.Unlock()

	logging.LogJobEnqueued(token, req.URL, dest, depth)
	m.promote()
	return j, nil
}

func (m *Manager) destination(token string, req EnqueueRequest) (string, error) {
	if req.DestinationPath != "" {
		return filepath.Clean(req.DestinationPath), nil
	}
	name := req.Filename
	if name == "" {
		name = token
	}
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return filepath.Join(m.root, name), nil
}

func (m *Manager) destinationBusyLocked(dest string) bool {
	for _, j := range m.pending {
		if j.dest == dest {
			return true
		}
	}
	for _, j := range m.active {
		if j.dest == dest && !j.Status().IsTerminal() {
			return true
		}
	}
	for _, r := range m.retries {
		if r.job.dest == dest {
			return true
		}
	}
	return false
}

// newJob creates a job whose callbacks fan out to the manager observers
// before reaching the caller's.
func (m *Manager) newJob(a attempt) *Job {
	var j *Job
	lastMark := int64(-1)
	wrapped := Callbacks{
		OnProgress: func(s Snapshot) {
			if mark := progressMark(s); mark != lastMark {
				lastMark = mark
				logging.LogJobProgress(s.Token, s.DownloadedBytes, s.Progress)
			}
			m.fire(&m.onProgress, s)
			if a.cb.OnProgress != nil {
				m.guard("callback", s.Token, func() { a.cb.OnProgress(s) })
			}
		},
		OnComplete: func(s Snapshot) {
			m.completed.Add(1)
			m.registry.retire(s.Token)
			logging.LogJobComplete(s.Token, s.DestinationPath, s.DownloadedBytes, m.now().Sub(s.CreatedAt))
			m.fire(&m.onComplete, s)
			if a.cb.OnComplete != nil {
				m.guard("callback", s.Token, func() { a.cb.OnComplete(s) })
			}
			m.nudge()
		},
		OnError: func(msg string) {
			m.handleFailure(j, a, msg)
		},
	}
	j = NewJob(a.url, a.dest, wrapped, JobOptions{
		Token:          a.token,
		TotalBytesHint: a.hint,
		TTL:            m.ttl,
		Attempt:        a.n,
		Clock:          m.now,
	})
	return j
}

func progressMark(s Snapshot) int64 {
	if s.Progress != nil {
		return int64(*s.Progress / 10)
	}
	return s.DownloadedBytes / unknownSizeLogStep
}

// handleFailure either schedules the next attempt or reports the final failure.
func (m *Manager) handleFailure(j *Job, a attempt, msg string) {
	snap := j.Snapshot()
	err := j.Err()
	if err == nil {
		err = errors.New(msg)
	}

	if m.retry.allows(a.n, err) && m.scheduleRetry(a) {
		snap.WillRetry = true
		logging.LogJobError(a.token, a.url, a.n, true, err)
		m.fire(&m.onError, snap)
		m.nudge()
		return
	}

	m.failed.Add(1)
	m.registry.retire(a.token)
	switch {
	case errors.Is(err, ErrTimedOut):
		logging.LogJobTimeout(a.token, a.url, m.ttl)
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrShuttingDown):
		logging.LogJobCancelled(a.token, err)
	default:
		logging.LogJobError(a.token, a.url, a.n, false, err)
	}
	m.fire(&m.onError, snap)
	if a.cb.OnError != nil {
		m.guard("callback", a.token, func() { a.cb.OnError(msg) })
	}
	m.nudge()
}

func (m *Manager) scheduleRetry(a attempt) bool {
	a.n++
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing.Load() {
		return false
	}
	nj := m.newJob(a)
	m.retries = append(m.retries, scheduledRetry{job: nj, due: m.now().Add(m.retry.Backoff)})
	m.registry.put(nj)
	return true
}

// promote moves pending jobs into free active slots in FIFO order and starts
// them. Job-start observers run after the scheduling lock is released.
func (m *Manager) promote() {
	var started []*Job

	m.promoteMu.Lock()
	for {
		m.mu.Lock()
		if len(m.pending) == 0 || len(m.active) >= m.maxConcurrent {
			m.mu.Unlock()
			break
		}
		j := m.pending[0]
		m.pending[0] = nil
		m.pending = m.pending[1:]
		m.active = append(m.active, j)
		m.mu.Unlock()

		if err := j.Start(m.jobsCtx, m.transport); err != nil {
			// already terminal; reaped on the next tick
			continue
		}
		started = append(started, j)
	}
	m.promoteMu.Unlock()

	for _, j := range started {
		s := j.Snapshot()
		logging.LogJobStart(s.Token, s.URL, s.Attempt)
		m.fire(&m.onStart, s)
	}
}

// Tick runs one watchdog pass: promote, fail stalled jobs, reap finished
// jobs, release due retries, promote again. A panic while evaluating one job
// is logged and does not affect the others.
func (m *Manager) Tick(now time.Time) {
	m.promote()

	m.mu.Lock()
	active := slices.Clone(m.active)
	m.mu.Unlock()
	for _, j := range active {
		m.guard("tick", j.token, func() {
			if !j.EvaluateTimeout(now) {
				j.evaluateStartTimeout(now, m.startTimeout)
			}
		})
	}

	m.reap()
	m.releaseRetries(now)
	m.promote()
}

func (m *Manager) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = slices.DeleteFunc(m.active, func(j *Job) bool {
		return j.Status().IsTerminal()
	})
}

func (m *Manager) releaseRetries(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.retries[:0]
	for _, r := range m.retries {
		if now.Before(r.due) {
			kept = append(kept, r)
			continue
		}
		m.pending = append(m.pending, r.job)
	}
	clear(m.retries[len(kept):])
	m.retries = kept
}

func (m *Manager) guard(scope, token string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(scope, token, r)
		}
	}()
	fn()
}

func (m *Manager) fire(list *observers[func(Snapshot)], s Snapshot) {
	for _, fn := range list.list() {
		m.guard("observer", s.Token, func() { fn(s) })
	}
}

// FindJob returns the latest attempt for token, whether pending, active or recently finished.
func (m *Manager) FindJob(token string) (*Job, bool) {
	j := m.registry.get(token)
	return j, j != nil
}

// Wait blocks until the job for token reaches its final outcome, following
// retries, and returns the last attempt's snapshot.
func (m *Manager) Wait(ctx context.Context, token string) (Snapshot, error) {
	j, ok := m.FindJob(token)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	for {
		select {
		case <-j.Done():
		case <-ctx.Done():
			return j.Snapshot(), ctx.Err()
		}
		// a retry is registered before its predecessor's Done closes
		next, ok := m.FindJob(token)
		if !ok || next == j {
			return j.Snapshot(), nil
		}
		j = next
	}
}

// Cancel aborts the job for token. Pending jobs are dropped from the queue
// and fail with ErrCancelled without ever starting. Cancelling a finished job
// is a no-op.
func (m *Manager) Cancel(token string) error {
	m.mu.Lock()
	if i := slices.IndexFunc(m.pending, func(j *Job) bool { return j.token == token }); i >= 0 {
		j := m.pending[i]
		m.pending = slices.Delete(m.pending, i, i+1)
		m.mu.Unlock()
		j.Cancel()
		return nil
	}
	if i := slices.IndexFunc(m.retries, func(r scheduledRetry) bool { return r.job.token == token }); i >= 0 {
		j := m.retries[i].job
		m.retries = slices.Delete(m.retries, i, i+1)
		m.mu.Unlock()
		j.Cancel()
		return nil
	}
	m.mu.Unlock()

	j, ok := m.FindJob(token)
	if !ok {
		return ErrNotFound
	}
	j.Cancel()
	m.nudge()
	return nil
}

// Stats reports queue depth and cumulative outcomes.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Pending:   len(m.pending),
		Active:    len(m.active),
		Retrying:  len(m.retries),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
	}
}

// Snapshot returns every known job, oldest first.
func (m *Manager) Snapshot() []Snapshot {
	return m.registry.snapshot()
}

// PurgePartials deletes the destination files left behind by failed jobs and
// returns the removed paths. Files are never removed automatically.
func (m *Manager) PurgePartials() ([]string, error) {
	var (
		removed []string
		errs    []error
	)
	for _, j := range m.registry.partials() {
		err := os.Remove(j.dest)
		switch {
		case err == nil:
			removed = append(removed, j.dest)
			m.registry.markPurged(j.token)
		case errors.Is(err, fs.ErrNotExist):
			m.registry.markPurged(j.token)
		default:
			errs = append(errs, fmt.Errorf("remove %s: %w", j.dest, err))
		}
	}
	slices.Sort(removed)
	err := errors.Join(errs...)
	logging.LogPurge(len(removed), err)
	return removed, err
}

// OnJobStart registers fn for every promotion. It returns an unsubscribe func.
func (m *Manager) OnJobStart(fn func(Snapshot)) func() { return m.onStart.add(fn) }

// OnJobProgress registers fn for every chunk of every job.
func (m *Manager) OnJobProgress(fn func(Snapshot)) func() { return m.onProgress.add(fn) }

// OnJobComplete registers fn for every successful job.
func (m *Manager) OnJobComplete(fn func(Snapshot)) func() { return m.onComplete.add(fn) }

// OnJobError registers fn for every failed attempt, including ones that will be retried.
func (m *Manager) OnJobError(fn func(Snapshot)) func() { return m.onError.add(fn) }

// StopAccepting makes Enqueue return ErrShuttingDown.
func (m *Manager) StopAccepting() {
	m.closing.Store(true)
}

// Shutdown stops the watchdog, fails queued jobs with ErrShuttingDown and
// aborts active transfers, waiting for them to release their files until ctx
// expires. It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	m.Stop()

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	retries := m.retries
	m.retries = nil
	active := slices.Clone(m.active)
	m.mu.Unlock()

	for _, j := range pending {
		j.abort(ErrShuttingDown)
	}
	for _, r := range retries {
		r.job.abort(ErrShuttingDown)
	}
	for _, j := range active {
		j.abort(ErrShuttingDown)
	}
	m.cancelJobs()

	for _, j := range active {
		select {
		case <-j.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.reap()
	return nil
}
