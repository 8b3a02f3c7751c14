package model

import "errors"

// ErrNotFound is returned when a referenced dataset, job, detection result
// or risk report does not exist. Reads map it to a 404, never a crash.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a malformed request before any state is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
