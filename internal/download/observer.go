package download

import "sync"

// observers is an ordered subscriber list. Handlers run in registration order
// on the caller's goroutine; the list itself is never locked while they run.
type observers[F any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []observerEntry[F]
}

type observerEntry[F any] struct {
	id uint64
	fn F
}

// add appends fn and returns a func that removes it. Removing twice is a no-op.
func (o *observers[F]) add(fn F) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.entries = append(o.entries, observerEntry[F]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, e := range o.entries {
				if e.id == id {
					o.entries = append(o.entries[:i:i], o.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers[F]) list() []F {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]F, len(o.entries))
	for i, e := range o.entries {
		out[i] = e.fn
	}
	return out
}

func (o *observers[F]) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
