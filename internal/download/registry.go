package download

import (
	"cmp"
	"slices"
	"sync"
)

const defaultRetain = 256

// jobRegistry indexes the latest attempt of every known job by token. Finished
// jobs stay visible until more than keep newer ones have finished.
type jobRegistry struct {
	mu       sync.RWMutex
	jobs     map[string]*registryEntry
	finished []string
	keep     int
	seq      uint64
}

type registryEntry struct {
	job    *Job
	purged bool
	seq    uint64 // registration order
}

func newJobRegistry(keep int) *jobRegistry {
	if keep <= 0 {
		keep = defaultRetain
	}
	return &jobRegistry{
		jobs: make(map[string]*registryEntry, keep),
		keep: keep,
	}
}

// put records j as the current attempt for its token.
func (r *jobRegistry) put(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.jobs[j.token] = &registryEntry{job: j, seq: r.seq}
}

// get returns the current attempt for token, or nil.
func (r *jobRegistry) get(token string) *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.jobs[token]; ok {
		return e.job
	}
	return nil
}

// retire marks token as finished and evicts the oldest finished entries
// beyond the retention limit.
func (r *jobRegistry) retire(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[token]; !ok {
		return
	}
	r.finished = append(r.finished, token)
	for len(r.finished) > r.keep {
		oldest := r.finished[0]
		r.finished = r.finished[1:]
		if e, ok := r.jobs[oldest]; ok && e.job.Status().IsTerminal() {
			delete(r.jobs, oldest)
		}
	}
}

// snapshot returns copies of every indexed job, oldest first.
func (r *jobRegistry) snapshot() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.job.Snapshot())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Token, b.Token)
	})
	return out
}

// partials returns failed jobs whose transfer has fully stopped and whose
// destination has not been purged yet. A failed job whose path was later
// reused by a job that did not fail is skipped; the file is no longer its.
func (r *jobRegistry) partials() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Job
	for _, e := range r.jobs {
		if e.purged || e.job.Status() != StatusFailed || r.supersededLocked(e) {
			continue
		}
		select {
		case <-e.job.Done():
			out = append(out, e.job)
		default:
		}
	}
	return out
}

func (r *jobRegistry) supersededLocked(failed *registryEntry) bool {
	for _, e := range r.jobs {
		if e.seq > failed.seq && e.job.dest == failed.job.dest && e.job.Status() != StatusFailed {
			return true
		}
	}
	return false
}

func (r *jobRegistry) markPurged(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[token]; ok {
		e.purged = true
	}
}

func (r *jobRegistry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
