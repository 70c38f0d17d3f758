package hipaa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// AuditFilter selects entries for Search. Zero fields do not filter. From and
// To are inclusive.
type AuditFilter struct {
	Actor        string       `json:"actor,omitempty"`
	Subject      string       `json:"subject,omitempty"`
	Operation    string       `json:"operation,omitempty"`
	DataType     string       `json:"data_type,omitempty"`
	AccessResult AccessResult `json:"access_result,omitempty"`
	From         *time.Time   `json:"from,omitempty"`
	To           *time.Time   `json:"to,omitempty"`
	Limit        int          `json:"limit"`
	Offset       int          `json:"offset"`
	// SortOrder is "desc" (default) or "asc" by timestamp.
	SortOrder string `json:"sort_order,omitempty"`
}

func (f *AuditFilter) applyDefaults() {
	if f.Limit <= 0 {
		f.Limit = defaultSearchLimit
	}
	if f.Limit > maxSearchLimit {
		f.Limit = maxSearchLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.SortOrder != "asc" {
		f.SortOrder = "desc"
	}
}

func (f AuditFilter) matches(e *AuditLogEntry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.DataType != "" && e.DataType != f.DataType {
		return false
	}
	if f.AccessResult != "" && e.AccessResult != f.AccessResult {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// AuditPage is one page of Search results.
type AuditPage struct {
	Entries []*AuditLogEntry `json:"entries"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// IntegrityReport is the result of recomputing an entry's checksum.
type IntegrityReport struct {
	ID               uuid.UUID `json:"id"`
	Valid            bool      `json:"valid"`
	StoredChecksum   string    `json:"stored_checksum"`
	ComputedChecksum string    `json:"computed_checksum"`
	CheckedAt        time.Time `json:"checked_at"`
}

// IntegritySweep summarizes VerifyAll.
type IntegritySweep struct {
	Checked    int               `json:"checked"`
	Violations []IntegrityReport `json:"violations"`
}

// AuditStore is the append-only audit log.
//
// Append assigns the id, timestamp and checksum and always stores the entry
// protected. AttemptModify and AttemptDelete never change stored data; they
// return *ProtectedEntryError, or ErrEntryNotFound. PurgeOlderThan is the only
// path that removes entries and is reserved for the RetentionManager.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditLogEntry) (*AuditLogEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*AuditLogEntry, error)
	Search(ctx context.Context, filter AuditFilter) (*AuditPage, error)
	AttemptModify(ctx context.Context, id uuid.UUID, changes map[string]any) error
	AttemptDelete(ctx context.Context, id uuid.UUID) error
	VerifyIntegrity(ctx context.Context, id uuid.UUID) (IntegrityReport, error)
	VerifyAll(ctx context.Context) (*IntegritySweep, error)
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]*AuditLogEntry, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// StoreOption configures an audit store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

// WithClock sets the clock used to stamp appended entries.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) { o.now = now }
}

func buildStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// prepareEntry validates the caller's fields and returns the copy that will
// be stored, stamped with id, timestamp, checksum and protection.
func prepareEntry(in *AuditLogEntry, now time.Time) (*AuditLogEntry, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}
	var missing []string
	if in.Actor == "" {
		missing = append(missing, "actor")
	}
	if in.Subject == "" {
		missing = append(missing, "subject")
	}
	if in.Operation == "" {
		missing = append(missing, "operation")
	}
	if in.DataType == "" {
		missing = append(missing, "data_type")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidEntry, strings.Join(missing, ", "))
	}
	if !in.AccessResult.Valid() {
		return nil, fmt.Errorf("%w: access result %q", ErrInvalidEntry, in.AccessResult)
	}

	oldValues, err := normalizeValues(in.OldValues)
	if err != nil {
		return nil, fmt.Errorf("%w: old values: %v", ErrInvalidEntry, err)
	}
	newValues, err := normalizeValues(in.NewValues)
	if err != nil {
		return nil, fmt.Errorf("%w: new values: %v", ErrInvalidEntry, err)
	}

	e := &AuditLogEntry{
		ID:            uuid.New(),
		Actor:         in.Actor,
		Subject:       in.Subject,
		Operation:     in.Operation,
		DataType:      in.DataType,
		AccessResult:  in.AccessResult,
		Timestamp:     now.UTC().Truncate(time.Microsecond),
		OldValues:     oldValues,
		NewValues:     newValues,
		Justification: in.Justification,
		Protected:     true,
	}
	if !in.Context.empty() {
		c := *in.Context
		e.Context = &c
	}
	e.Checksum, err = ComputeChecksum(e)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// verifyEntry recomputes e's checksum and reports the comparison.
func verifyEntry(e *AuditLogEntry, now time.Time) (IntegrityReport, error) {
	computed, err := ComputeChecksum(e)
	if err != nil {
		return IntegrityReport{}, err
	}
	report := IntegrityReport{
		ID:               e.ID,
		Valid:            computed == e.Checksum,
		StoredChecksum:   e.Checksum,
		ComputedChecksum: computed,
		CheckedAt:        now.UTC(),
	}
	if !report.Valid {
		return report, &IntegrityViolationError{ID: e.ID, Stored: e.Checksum, Computed: computed}
	}
	return report, nil
}
