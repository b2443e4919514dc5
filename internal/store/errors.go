package store

import "errors"

// Validation and lookup failures returned by Store methods. Callers match
// them with errors.Is.
var (
	ErrEmptyURL   = errors.New("history: snapshot has no url")
	ErrEmptyToken = errors.New("history: snapshot has no token")
	ErrNotFound   = errors.New("history: no row for token")
)
