package deal

import (
	"errors"
	"fmt"
)

// ValidationError marks malformed or missing caller input. Nothing has been
// written when one is returned.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// ErrNotFound is returned when a referenced deal or thread does not exist.
var ErrNotFound = errors.New("deal not found")

// DependencyError wraps a notification side-effect failure. It is always
// non-fatal: the status commit it follows is already durable.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }
