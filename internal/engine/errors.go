package engine

import "fmt"

// UnauthorizedError is returned when the actor is not bound to the
// request's current step, or their scope cannot be resolved. No side
// effects have occurred.
type UnauthorizedError struct {
	Reason string
}

func (e UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

// ValidationError rejects an input before any mutation.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "validation: " + e.Reason
}

// ConflictError reports a lost step-advancement race: another actor
// committed a transition on the same request first.
type ConflictError struct {
	RequestID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict: request %s was modified concurrently, reload and retry", e.RequestID)
}

// DependencyError wraps a post-commit collaborator failure
// (notification, document render, attachment follow-up). The
// transition it decorates has already committed.
type DependencyError struct {
	Op  string
	Err error
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("dependency %s: %v", e.Op, e.Err)
}

func (e DependencyError) Unwrap() error {
	return e.Err
}
