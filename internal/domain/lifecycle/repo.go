package lifecycle

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists patients and their status transitions. Writes join the
// unit of work carried in ctx.
type Repository interface {
	CreatePatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	ListPatients(ctx context.Context, status Status, limit, offset int) ([]*Patient, int, error)

	// LastTransition returns the newest transition, or nil if there is none.
	LastTransition(ctx context.Context, patientID uuid.UUID) (*StatusTransition, error)
	// ApplyTransition moves the patient from t.FromStatus to t.ToStatus and
	// records t. It returns ErrConcurrentModification if the stored status is
	// no longer t.FromStatus or t.Sequence is taken. Call it inside a unit of
	// work so both writes commit together.
	ApplyTransition(ctx context.Context, t *StatusTransition) error
	// History returns up to limit transitions, newest first.
	History(ctx context.Context, patientID uuid.UUID, limit int) ([]*StatusTransition, error)
}
