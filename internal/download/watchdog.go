package download

import (
	"context"
	"time"

	"stemfetch/internal/logging"
)

// Start runs the watchdog in the background until Stop or Shutdown.
// Calling Start while it is running does nothing.
func (m *Manager) Start() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.stopWatchdog != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.stopWatchdog = cancel
	m.watchdogDone = done
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
}

// Stop halts a watchdog started with Start and waits for its last tick to finish.
func (m *Manager) Stop() {
	m.watchdogMu.Lock()
	cancel, done := m.stopWatchdog, m.watchdogDone
	m.stopWatchdog, m.watchdogDone = nil, nil
	m.watchdogMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run ticks every TickInterval, and early whenever a job finishes so freed
// slots are refilled without waiting, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	logging.LogWatchdog("watchdog started", m.tickInterval)
	defer logging.LogWatchdog("watchdog stopped", m.tickInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.now())
		case <-m.wake:
			m.Tick(m.now())
		}
	}
}

func (m *Manager) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
