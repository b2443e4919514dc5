package download

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 3 * time.Second

// pipeTransport hands every Open a pipe the test writes chunks into.
type pipeTransport struct {
	mu      sync.Mutex
	lengths map[string]int64
	conns   map[string]chan *io.PipeWriter
	opens   map[string]int
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		lengths: make(map[string]int64),
		conns:   make(map[string]chan *io.PipeWriter),
		opens:   make(map[string]int),
	}
}

func (p *pipeTransport) setLength(url string, n int64) {
	p.mu.Lock()
	p.lengths[url] = n
	p.mu.Unlock()
}

func (p *pipeTransport) chanFor(url string) chan *io.PipeWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.conns[url]
	if !ok {
		ch = make(chan *io.PipeWriter, 8)
		p.conns[url] = ch
	}
	return ch
}

func (p *pipeTransport) Open(ctx context.Context, url string) (*Stream, error) {
	pr, pw := io.Pipe()
	p.mu.Lock()
	length, ok := p.lengths[url]
	if !ok {
		length = -1
	}
	p.opens[url]++
	p.mu.Unlock()
	p.chanFor(url) <- pw
	return &Stream{Length: length, Body: pr}, nil
}

func (p *pipeTransport) openCount(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens[url]
}

// writer waits for the transfer of url to open and returns its write end.
func (p *pipeTransport) writer(t *testing.T, url string) *io.PipeWriter {
	t.Helper()
	select {
	case w := <-p.chanFor(url):
		return w
	case <-time.After(waitTimeout):
		t.Fatalf("transport for %s was never opened", url)
		return nil
	}
}

func writeChunk(t *testing.T, w io.Writer, n int) {
	t.Helper()
	if _, err := w.Write(bytes.Repeat([]byte{'x'}, n)); err != nil {
		t.Fatalf("write chunk of %d bytes: %v", n, err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for event")
		var zero T
		return zero
	}
}

func waitDone(t *testing.T, j *Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("job %s did not finish (status %s)", j.Token(), j.Status())
	}
}

// recorder collects callback invocations for one job.
type recorder struct {
	progress chan Snapshot
	complete chan Snapshot
	errs     chan string

	mu        sync.Mutex
	completes int
	failures  int
}

func newRecorder() *recorder {
	return &recorder{
		progress: make(chan Snapshot, 64),
		complete: make(chan Snapshot, 4),
		errs:     make(chan string, 4),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(s Snapshot) { r.progress <- s },
		OnComplete: func(s Snapshot) {
			r.mu.Lock()
			r.completes++
			r.mu.Unlock()
			r.complete <- s
		},
		OnError: func(msg string) {
			r.mu.Lock()
			r.failures++
			r.mu.Unlock()
			r.errs <- msg
		},
	}
}

func (r *recorder) counts() (completes, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completes, r.failures
}
