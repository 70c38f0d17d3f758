package hipaa

import (
	"time"

	"github.com/google/uuid"
)

// AccessResult is the outcome recorded for an access attempt.
type AccessResult string

const (
	AccessGranted AccessResult = "granted"
	AccessDenied  AccessResult = "denied"
	AccessPartial AccessResult = "partial"
)

// Valid reports whether r is one of the known results.
func (r AccessResult) Valid() bool {
	switch r {
	case AccessGranted, AccessDenied, AccessPartial:
		return true
	}
	return false
}

// Operation tags.
const (
	OpRead         = "read"
	OpCreate       = "create"
	OpUpdate       = "update"
	OpDelete       = "delete"
	OpExport       = "export"
	OpSearch       = "search"
	OpVerify       = "verify"
	OpPurge        = "purge"
	OpStatusChange = "status_change"
)

// Data type tags.
const (
	DataPatientData         = "patient_data"
	DataMedicalRecord       = "medical_record"
	DataDocument            = "document"
	DataPersonalInformation = "personal_information"
	DataContactInformation  = "contact_information"
	DataPatientStatus       = "patient_status"
	DataAuditLog            = "audit_log"
)

// AccessContext carries request metadata for an audit entry. It is stored
// alongside the entry but is not covered by the checksum.
type AccessContext struct {
	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (c *AccessContext) empty() bool {
	return c == nil || (c.RequestID == "" && c.IPAddress == "" && c.UserAgent == "" && c.SessionID == "")
}

// AuditLogEntry is an immutable record of a data access or mutation.
type AuditLogEntry struct {
	ID            uuid.UUID      `json:"id"`
	Actor         string         `json:"actor"`
	Subject       string         `json:"subject"`
	Operation     string         `json:"operation"`
	DataType      string         `json:"data_type"`
	AccessResult  AccessResult   `json:"access_result"`
	Timestamp     time.Time      `json:"timestamp"`
	OldValues     map[string]any `json:"old_values,omitempty"`
	NewValues     map[string]any `json:"new_values,omitempty"`
	Justification string         `json:"justification,omitempty"`
	Context       *AccessContext `json:"context,omitempty"`
	Checksum      string         `json:"checksum"`
	Protected     bool           `json:"protected"`
}

// Clone returns a deep copy of e.
func (e *AuditLogEntry) Clone() *AuditLogEntry {
	if e == nil {
		return nil
	}
	out := *e
	out.OldValues = cloneValues(e.OldValues)
	out.NewValues = cloneValues(e.NewValues)
	if e.Context != nil {
		c := *e.Context
		out.Context = &c
	}
	return &out
}

func cloneValues(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneValues(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	default:
		return v
	}
}
