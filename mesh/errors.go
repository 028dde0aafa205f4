package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a builder operation is invoked in the
	// wrong lifecycle stage.
	ErrInvalidState = errors.New("invalid builder state")

	// ErrMalformedReconstruction is returned for cyclic or incomplete trees.
	ErrMalformedReconstruction = errors.New("malformed reconstruction")

	// ErrNotImplemented is returned by extension points that are not finished.
	ErrNotImplemented = errors.New("not implemented")

	// ErrBranchNotFound is returned for handles outside an arena.
	ErrBranchNotFound = errors.New("branch not found")
)

// StateError records a state precondition violation.
type StateError struct {
	Op      string
	State   BuilderState
	Allowed []BuilderState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: state %s, want one of %v", e.Op, e.State, e.Allowed)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// MalformedError describes why a reconstruction was rejected.
type MalformedError struct {
	Name   string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("malformed reconstruction: %s", e.Reason)
	}
	return fmt.Sprintf("malformed reconstruction %q: %s", e.Name, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedReconstruction }
