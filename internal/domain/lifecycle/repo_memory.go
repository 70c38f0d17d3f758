package lifecycle

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/patientcore/internal/platform/db"
)

// MemoryRepository is a Repository held in process memory. Writes made inside
// a db.MemoryUnitOfWork are undone if the unit fails.
type MemoryRepository struct {
	mu          sync.RWMutex
	patients    map[uuid.UUID]*Patient
	transitions map[uuid.UUID][]*StatusTransition
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:    make(map[uuid.UUID]*Patient),
		transitions: make(map[uuid.UUID][]*StatusTransition),
	}
}

func (r *MemoryRepository) CreatePatient(ctx context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if _, ok := r.patients[p.ID]; ok {
		return ErrPatientExists
	}
	if p.MRN != nil {
		for _, existing := range r.patients {
			if existing.MRN != nil && *existing.MRN == *p.MRN {
				return ErrDuplicateMRN
			}
		}
	}

	cp := *p
	r.patients[p.ID] = &cp
	id := p.ID
	db.OnRollback(ctx, func() {
		r.mu.Lock()
		delete(r.patients, id)
		r.mu.Unlock()
	})
	return nil
}

func (r *MemoryRepository) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) ListPatients(_ context.Context, status Status, limit, offset int) ([]*Patient, int, error) {
	r.mu.RLock()
	matched := make([]*Patient, 0, len(r.patients))
	for _, p := range r.patients {
		if status == "" || p.Status == status {
			cp := *p
			matched = append(matched, &cp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := len(matched)
	offset = min(max(offset, 0), total)
	end := min(offset+max(limit, 0), total)
	return matched[offset:end], total, nil
}

func (r *MemoryRepository) LastTransition(_ context.Context, patientID uuid.UUID) (*StatusTransition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts := r.transitions[patientID]
	if len(ts) == 0 {
		return nil, nil
	}
	cp := *ts[len(ts)-1]
	return &cp, nil
}

func (r *MemoryRepository) ApplyTransition(ctx context.Context, t *StatusTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.patients[t.PatientID]
	if !ok {
		return ErrPatientNotFound
	}
	existing := r.transitions[t.PatientID]
	if p.Status != t.FromStatus || t.Sequence != int64(len(existing))+1 {
		return ErrConcurrentModification
	}

	prev := *p
	p.Status = t.ToStatus
	p.Version++
	p.UpdatedAt = t.Timestamp
	cp := *t
	r.transitions[t.PatientID] = append(existing, &cp)

	db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.patients[prev.ID]; ok {
			*cur = prev
		}
		ts := r.transitions[prev.ID]
		if n := len(ts); n > 0 && ts[n-1].ID == cp.ID {
			r.transitions[prev.ID] = ts[:n-1]
		}
	})
	return nil
}

func (r *MemoryRepository) History(_ context.Context, patientID uuid.UUID, limit int) ([]*StatusTransition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts := r.transitions[patientID]

	n := len(ts)
	if limit < n {
		n = limit
	}
	out := make([]*StatusTransition, 0, n)
	for i := len(ts) - 1; i >= 0 && len(out) < n; i-- {
		cp := *ts[i]
		out = append(out, &cp)
	}
	return out, nil
}
