package hipaa

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientcore/internal/platform/db"
)

type memoryRecord struct {
	entry *AuditLogEntry
	seq   int64
}

// MemoryAuditStore is an AuditStore held in process memory. Appends made
// inside a db.MemoryUnitOfWork are withdrawn if the unit fails.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*memoryRecord
	seq     int64
	now     func() time.Time
}

// NewMemoryAuditStore creates an empty in-memory audit store.
func NewMemoryAuditStore(opts ...StoreOption) *MemoryAuditStore {
	o := buildStoreOptions(opts)
	return &MemoryAuditStore{
		entries: make(map[uuid.UUID]*memoryRecord),
		now:     o.now,
	}
}

func (s *MemoryAuditStore) Append(ctx context.Context, entry *AuditLogEntry) (*AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, err := prepareEntry(entry, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.seq++
	s.entries[stored.ID] = &memoryRecord{entry: stored, seq: s.seq}
	s.mu.Unlock()

	db.OnRollback(ctx, func() {
		s.mu.Lock()
		delete(s.entries, stored.ID)
		s.mu.Unlock()
	})

	return stored.Clone(), nil
}

func (s *MemoryAuditStore) get(id uuid.UUID) (*AuditLogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return rec.entry, true
}

func (s *MemoryAuditStore) Get(_ context.Context, id uuid.UUID) (*AuditLogEntry, error) {
	e, ok := s.get(id)
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.Clone(), nil
}

// sorted returns the records matching filter ordered by timestamp, with
// insertion order breaking ties.
func (s *MemoryAuditStore) sorted(filter AuditFilter) []*memoryRecord {
	s.mu.RLock()
	matched := make([]*memoryRecord, 0, len(s.entries))
	for _, rec := range s.entries {
		if filter.matches(rec.entry) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	asc := filter.SortOrder == "asc"
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.entry.Timestamp.Equal(b.entry.Timestamp) {
			if asc {
				return a.entry.Timestamp.Before(b.entry.Timestamp)
			}
			return a.entry.Timestamp.After(b.entry.Timestamp)
		}
		if asc {
			return a.seq < b.seq
		}
		return a.seq > b.seq
	})
	return matched
}

func (s *MemoryAuditStore) Search(ctx context.Context, filter AuditFilter) (*AuditPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter.applyDefaults()
	matched := s.sorted(filter)

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}

	page := make([]*AuditLogEntry, 0, end-start)
	for _, rec := range matched[start:end] {
		page = append(page, rec.entry.Clone())
	}
	return &AuditPage{Entries: page, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (s *MemoryAuditStore) AttemptModify(_ context.Context, id uuid.UUID, _ map[string]any) error {
	e, ok := s.get(id)
	if !ok {
		return ErrEntryNotFound
	}
	return newProtectedEntryError(e, OpUpdate, s.now())
}

func (s *MemoryAuditStore) AttemptDelete(_ context.Context, id uuid.UUID) error {
	e, ok := s.get(id)
	if !ok {
		return ErrEntryNotFound
	}
	return newProtectedEntryError(e, OpDelete, s.now())
}

func (s *MemoryAuditStore) VerifyIntegrity(_ context.Context, id uuid.UUID) (IntegrityReport, error) {
	s.mu.RLock()
	rec, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return IntegrityReport{}, ErrEntryNotFound
	}
	return verifyEntry(rec.entry, s.now())
}

func (s *MemoryAuditStore) VerifyAll(ctx context.Context) (*IntegritySweep, error) {
	sweep := &IntegritySweep{Violations: []IntegrityReport{}}
	for _, rec := range s.sorted(AuditFilter{SortOrder: "asc"}) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report, err := verifyEntry(rec.entry, s.now())
		sweep.Checked++
		var violation *IntegrityViolationError
		switch {
		case errors.As(err, &violation):
			sweep.Violations = append(sweep.Violations, report)
		case err != nil:
			return nil, err
		}
	}
	return sweep, nil
}

func (s *MemoryAuditStore) ListOlderThan(_ context.Context, cutoff time.Time) ([]*AuditLogEntry, error) {
	cutoff = cutoff.Truncate(time.Microsecond)
	var out []*AuditLogEntry
	for _, rec := range s.sorted(AuditFilter{SortOrder: "asc"}) {
		if !rec.entry.Timestamp.Before(cutoff) {
			break
		}
		out = append(out, rec.entry.Clone())
	}
	return out, nil
}

func (s *MemoryAuditStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff = cutoff.Truncate(time.Microsecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, rec := range s.entries {
		if rec.entry.Timestamp.Before(cutoff) {
			delete(s.entries, id)
			purged++
		}
	}
	return purged, nil
}
