package model

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// InvalidTransitionError reports an attempt to move a job or record out of a
// state that does not permit the requested transition. It indicates either a
// programming error or a lost race for a record claim, and is never silently
// ignored.
type InvalidTransitionError struct {
	Entity string // "job" or "record"
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s (id=%s)", e.Entity, e.From, e.To, e.ID)
}

// NewInvalidTransition builds an InvalidTransitionError for the given entity.
func NewInvalidTransition(entity, id, from, to string) *InvalidTransitionError {
	return &InvalidTransitionError{Entity: entity, ID: id, From: from, To: to}
}

// ValidationError reports malformed job or record input rejected before the
// scheduler ever runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// SystemicError wraps an infrastructure-level failure (persistence, worker
// dispatch) that is unrelated to any single record's content. It escalates a
// running batch to job failure.
type SystemicError struct {
	Err error
}

func (e *SystemicError) Error() string {
	return "systemic failure: " + e.Err.Error()
}

func (e *SystemicError) Unwrap() error {
	return e.Err
}

// NewSystemic wraps err as a SystemicError.
func NewSystemic(err error) *SystemicError {
	return &SystemicError{Err: err}
}

// ErrNotFound is returned by stores when a job or record does not exist.
var ErrNotFound = eris.New("not found")
