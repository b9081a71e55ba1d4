package storage

import "errors"

// The storage error taxonomy every trait method surfaces. Engines report
// these verbatim and never retry storage internally.
var (
	ErrNotFound = errors.New("storage: record not found")
	ErrConflict = errors.New("storage: record conflict")
	ErrBackend  = errors.New("storage: backend failure")
)
