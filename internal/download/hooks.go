package download

// Hooks receive manager-wide lifecycle events for every job, after the
// per-job callbacks are wired. Methods run on the transfer goroutine of the
// job (or the scheduling goroutine for OnJobStart) and should be fast.
type Hooks interface {
	OnJobStart(Snapshot)
	OnJobProgress(Snapshot)
	OnJobComplete(Snapshot)
	OnJobError(Snapshot)
}

// Attach subscribes h to all lifecycle events and returns a func that detaches it.
func (m *Manager) Attach(h Hooks) func() {
	unsubs := []func(){
		m.OnJobStart(h.OnJobStart),
		m.OnJobProgress(h.OnJobProgress),
		m.OnJobComplete(h.OnJobComplete),
		m.OnJobError(h.OnJobError),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
