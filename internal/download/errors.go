package download

import "errors"

var (
	// ErrEmptyURL indicates an enqueue request without a URL
	ErrEmptyURL = errors.New("empty_url")

	// ErrInvalidURL indicates a URL that cannot be parsed or has no usable transport
	ErrInvalidURL = errors.New("invalid_url")

	// ErrInvalidFilename indicates a filename that would escape the download root
	ErrInvalidFilename = errors.New("invalid_filename")

	// ErrDestinationInUse indicates another queued or active job writes to the same path
	ErrDestinationInUse = errors.New("destination_in_use")

	// ErrQueueFull indicates the pending queue is at capacity
	ErrQueueFull = errors.New("queue_full")

	// ErrShuttingDown indicates the manager is no longer accepting new downloads
	ErrShuttingDown = errors.New("shutting_down")

	// ErrNotFound indicates no job is known for a token
	ErrNotFound = errors.New("not_found")

	// ErrAlreadyStarted indicates Start was called more than once on a Job
	ErrAlreadyStarted = errors.New("already_started")

	// ErrTimedOut indicates a downloading job made no progress within its TTL
	ErrTimedOut = errors.New("timed out")

	// ErrStartTimeout indicates a job never received its first byte within the start timeout
	ErrStartTimeout = errors.New("start timed out")

	// ErrCancelled indicates an explicit cancellation
	ErrCancelled = errors.New("cancelled")

	// ErrOverrun indicates the transport delivered more bytes than it announced
	ErrOverrun = errors.New("transport_overrun")

	// ErrTruncated indicates the stream ended before the announced length was received
	ErrTruncated = errors.New("transport_truncated")
)
