package lifecycle

import (
	"time"

	"github.com/google/uuid"
)

// Status is a patient's lifecycle state.
type Status string

const (
	StatusNew        Status = "new"
	StatusActive     Status = "active"
	StatusOnHold     Status = "on_hold"
	StatusDischarged Status = "discharged"
	StatusInactive   Status = "inactive"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{StatusNew, StatusActive, StatusOnHold, StatusDischarged, StatusInactive}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusActive, StatusOnHold, StatusDischarged, StatusInactive:
		return true
	}
	return false
}

// ParseStatus returns s as a Status or ErrInvalidStatus.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", &InvalidStatusError{Value: s}
	}
	return st, nil
}

type Patient struct {
	ID        uuid.UUID `json:"id"`
	MRN       *string   `json:"mrn,omitempty"`
	Status    Status    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusTransition is one committed status change. It is never altered once
// written. Sequence is 1-based per patient and orders transitions that share
// a timestamp.
type StatusTransition struct {
	ID           uuid.UUID `json:"id"`
	PatientID    uuid.UUID `json:"patient_id"`
	FromStatus   Status    `json:"from_status"`
	ToStatus     Status    `json:"to_status"`
	Reason       string    `json:"reason,omitempty"`
	ChangedBy    string    `json:"changed_by"`
	Timestamp    time.Time `json:"timestamp"`
	Sequence     int64     `json:"sequence"`
	AuditEntryID uuid.UUID `json:"audit_entry_id"`
}

// ChangeRequest asks for a patient's status to move to NewStatus.
type ChangeRequest struct {
	PatientID uuid.UUID
	NewStatus Status
	Reason    string
	Actor     string
	// RequestID and friends are copied onto the audit entry.
	RequestID string
	IPAddress string
	UserAgent string
	SessionID string
}

// Target is a status reachable from the current one.
type Target struct {
	Status         Status `json:"status"`
	ReasonRequired bool   `json:"reason_required"`
}

// StatusView is a patient's current status with the moves open to it.
type StatusView struct {
	PatientID          uuid.UUID `json:"patient_id"`
	Status             Status    `json:"status"`
	Version            int64     `json:"version"`
	UpdatedAt          time.Time `json:"updated_at"`
	AllowedTransitions []Target  `json:"allowed_transitions"`
}
