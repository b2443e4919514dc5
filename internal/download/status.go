package download

// Status is the lifecycle position of a Job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusStarted     Status = "started"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether a transport is (or is about to be) running for the job.
func (s Status) IsActive() bool {
	return s == StatusStarted || s == StatusDownloading
}
