package mek

import "fmt"

// InvariantViolationError marks a kernel bug, never a refusal: direct
// capability execution, a synthesized confidence value, registration after
// the registry is locked, and similar. It is always panicked, never
// returned, so it cannot be mistaken for a Non-Action by a caller that only
// checks the Result's NonAction field.
type InvariantViolationError struct {
	Invariant string // e.g. "invariant_1_direct_execution"
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%s violation: %s", e.Invariant, e.Detail)
}

func newInvariantViolation(invariant, detail string) *InvariantViolationError {
	return &InvariantViolationError{Invariant: invariant, Detail: detail}
}
