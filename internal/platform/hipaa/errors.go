package hipaa

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound      = errors.New("audit entry not found")
	ErrInvalidEntry       = errors.New("invalid audit entry")
	ErrProtectedEntry     = errors.New("audit entry is protected")
	ErrIntegrityViolation = errors.New("audit entry integrity violation")
	// ErrAuditWriteFailure means an audit record could not be persisted. The
	// operation it was guarding must be treated as failed.
	ErrAuditWriteFailure = errors.New("audit write failure")
	// ErrRetentionWindowTooShort rejects windows below MinRetentionDays.
	ErrRetentionWindowTooShort = errors.New("retention window below legal minimum")
)

// ProtectedEntryError is returned for every modification or deletion request
// against a stored audit entry.
type ProtectedEntryError struct {
	ID             uuid.UUID
	Operation      string
	Reason         string
	ProtectedUntil time.Time
}

func (e *ProtectedEntryError) Error() string {
	return fmt.Sprintf("audit entry %s: %s refused: %s", e.ID, e.Operation, e.Reason)
}

func (e *ProtectedEntryError) Is(target error) bool {
	return target == ErrProtectedEntry
}

// IntegrityViolationError reports a checksum mismatch for a stored entry.
type IntegrityViolationError struct {
	ID       uuid.UUID
	Stored   string
	Computed string
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("audit entry %s: checksum mismatch (stored %s, computed %s)", e.ID, e.Stored, e.Computed)
}

func (e *IntegrityViolationError) Is(target error) bool {
	return target == ErrIntegrityViolation
}

func newProtectedEntryError(e *AuditLogEntry, op string, now time.Time) *ProtectedEntryError {
	until := e.Timestamp.Add(DefaultRetentionWindow)
	reason := fmt.Sprintf("entry is immutable and protected by the %d-day retention window", DefaultRetentionDays)
	if !now.Before(until) {
		reason = "entry is immutable; removal is only performed by the retention purge"
	}
	return &ProtectedEntryError{ID: e.ID, Operation: op, Reason: reason, ProtectedUntil: until}
}
