package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrPatientNotFound   = errors.New("patient not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrReasonRequired    = errors.New("reason required")
	ErrInvalidStatus     = errors.New("invalid patient status")
	// ErrConcurrentModification means the patient's status changed between
	// validation and write. Callers may re-read and retry.
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrDuplicateMRN           = errors.New("mrn already registered")
	ErrPatientExists          = errors.New("patient already exists")
)

// InvalidTransitionError is returned when the policy does not permit From -> To.
type InvalidTransitionError struct {
	From, To Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition from %s to %s is not permitted", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ReasonRequiredError is returned when From -> To needs a reason and none was given.
type ReasonRequiredError struct {
	From, To Status
}

func (e *ReasonRequiredError) Error() string {
	return fmt.Sprintf("transition from %s to %s requires a reason", e.From, e.To)
}

func (e *ReasonRequiredError) Is(target error) bool { return target == ErrReasonRequired }

type InvalidStatusError struct {
	Value string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid patient status %q", e.Value)
}

func (e *InvalidStatusError) Is(target error) bool { return target == ErrInvalidStatus }
