package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientcore/internal/platform/db"
	"github.com/ehr/patientcore/internal/platform/hipaa"
	"github.com/ehr/patientcore/internal/platform/lock"
	"github.com/ehr/patientcore/internal/platform/telemetry"
	"github.com/ehr/patientcore/pkg/pagination"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

var ErrActorRequired = errors.New("actor is required")

// Tracker owns patient status changes. Changes to one patient are serialized
// through the locker; the status update, the transition and its audit entry
// commit in a single unit of work.
type Tracker struct {
	repo    Repository
	audit   hipaa.AuditStore
	uow     db.UnitOfWork
	policy  *Policy
	locker  lock.Locker
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type TrackerOption func(*Tracker)

func WithLocker(l lock.Locker) TrackerOption {
	return func(t *Tracker) { t.locker = l }
}

func WithMetrics(m *telemetry.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker. The audit store must take part in uow, i.e.
// both are Postgres-backed or both are in-memory.
func NewTracker(repo Repository, audit hipaa.AuditStore, uow db.UnitOfWork, logger zerolog.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		repo:   repo,
		audit:  audit,
		uow:    uow,
		policy: NewPolicy(),
		locker: lock.NewLocalLocker(),
		logger: logger.With().Str("component", "status-tracker").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy returns the transition policy in use.
func (t *Tracker) Policy() *Policy { return t.policy }

// RegisterPatient stores a new patient in status new and audits the creation.
func (t *Tracker) RegisterPatient(ctx context.Context, mrn, actor string) (*Patient, error) {
	if actor == "" {
		return nil, ErrActorRequired
	}
	now := t.now().UTC().Truncate(time.Microsecond)
	p := &Patient{
		ID:        uuid.New(),
		Status:    StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mrn = strings.TrimSpace(mrn); mrn != "" {
		p.MRN = &mrn
	}

	err := t.uow.Within(ctx, func(ctx context.Context) error {
		if err := t.repo.CreatePatient(ctx, p); err != nil {
			return err
		}
		_, err := t.audit.Append(ctx, &hipaa.AuditLogEntry{
			Actor:        actor,
			Subject:      p.ID.String(),
			Operation:    hipaa.OpCreate,
			DataType:     hipaa.DataPatientStatus,
			AccessResult: hipaa.AccessGranted,
			NewValues:    map[string]any{"status": string(p.Status)},
		})
		if err != nil {
			return fmt.Errorf("%w: %w", hipaa.ErrAuditWriteFailure, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register patient: %w", err)
	}

	t.logger.Info().Str("patient_id", p.ID.String()).Str("actor", actor).Msg("patient registered")
	return p, nil
}

// GetPatientStatus returns the patient's current status and allowed moves.
func (t *Tracker) GetPatientStatus(ctx context.Context, patientID uuid.UUID) (*StatusView, error) {
	p, err := t.repo.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		PatientID:          p.ID,
		Status:             p.Status,
		Version:            p.Version,
		UpdatedAt:          p.UpdatedAt,
		AllowedTransitions: t.policy.AllowedTargets(p.Status),
	}, nil
}

// ListPatients returns a page of patients, optionally filtered by status.
// limit <= 0 selects pagination.DefaultLimit and larger values are capped at
// pagination.MaxLimit; a negative offset starts at the first patient.
func (t *Tracker) ListPatients(ctx context.Context, status Status, limit, offset int) ([]*Patient, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, &InvalidStatusError{Value: string(status)}
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	if limit > pagination.MaxLimit {
		limit = pagination.MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return t.repo.ListPatients(ctx, status, limit, offset)
}

// ChangeStatus validates and applies req. On any error nothing is written.
func (t *Tracker) ChangeStatus(ctx context.Context, req ChangeRequest) (*StatusTransition, error) {
	tr, err := t.changeStatus(ctx, req)
	if err != nil {
		t.metrics.ObserveStatusChangeFailure(failureLabel(err))
		evt := t.logger.Warn()
		if errors.Is(err, hipaa.ErrAuditWriteFailure) {
			evt = t.logger.Error()
		}
		evt.Err(err).
			Str("patient_id", req.PatientID.String()).
			Str("to", string(req.NewStatus)).
			Str("actor", req.Actor).
			Msg("status change rejected")
		return nil, err
	}

	t.metrics.ObserveTransition(string(tr.FromStatus), string(tr.ToStatus))
	t.logger.Info().
		Str("patient_id", tr.PatientID.String()).
		Str("from", string(tr.FromStatus)).
		Str("to", string(tr.ToStatus)).
		Int64("sequence", tr.Sequence).
		Str("actor", tr.ChangedBy).
		Msg("status changed")
	return tr, nil
}

func (t *Tracker) changeStatus(ctx context.Context, req ChangeRequest) (*StatusTransition, error) {
	if !req.NewStatus.Valid() {
		return nil, &InvalidStatusError{Value: string(req.NewStatus)}
	}
	if req.Actor == "" {
		return nil, ErrActorRequired
	}

	release, err := t.locker.Acquire(ctx, req.PatientID.String())
	if err != nil {
		return nil, fmt.Errorf("lock patient %s: %w", req.PatientID, err)
	}
	defer release()

	p, err := t.repo.GetPatient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}

	from, to := p.Status, req.NewStatus
	rule := t.policy.Validate(from, to)
	if !rule.Allowed {
		return nil, &InvalidTransitionError{From: from, To: to}
	}
	reason := strings.TrimSpace(req.Reason)
	if rule.ReasonRequired && reason == "" {
		return nil, &ReasonRequiredError{From: from, To: to}
	}

	last, err := t.repo.LastTransition(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	tr := &StatusTransition{
		ID:         uuid.New(),
		PatientID:  p.ID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		ChangedBy:  req.Actor,
		Timestamp:  t.now().UTC().Truncate(time.Microsecond),
		Sequence:   1,
	}
	if last != nil {
		tr.Sequence = last.Sequence + 1
		if !tr.Timestamp.After(last.Timestamp) {
			tr.Timestamp = last.Timestamp.Add(time.Microsecond)
		}
	}

	newValues := map[string]any{"status": string(to), "transition_id": tr.ID.String()}
	if reason != "" {
		newValues["reason"] = reason
	}
	entry := &hipaa.AuditLogEntry{
		Actor:         req.Actor,
		Subject:       p.ID.String(),
		Operation:     hipaa.OpStatusChange,
		DataType:      hipaa.DataPatientStatus,
		AccessResult:  hipaa.AccessGranted,
		OldValues:     map[string]any{"status": string(from)},
		NewValues:     newValues,
		Justification: reason,
		Context: &hipaa.AccessContext{
			RequestID: req.RequestID,
			IPAddress: req.IPAddress,
			UserAgent: req.UserAgent,
			SessionID: req.SessionID,
		},
	}

	// A compensating (in-memory) unit of work exposes the audit entry to
	// readers before the status moves; a transactional one does not.
	err = t.uow.Within(ctx, func(ctx context.Context) error {
		stored, err := t.audit.Append(ctx, entry)
		if err != nil {
			return fmt.Errorf("%w: %w", hipaa.ErrAuditWriteFailure, err)
		}
		tr.AuditEntryID = stored.ID
		return t.repo.ApplyTransition(ctx, tr)
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// GetPatientStatusHistory returns the patient's transitions newest first.
// limit <= 0 selects DefaultHistoryLimit; larger values are capped at
// MaxHistoryLimit.
func (t *Tracker) GetPatientStatusHistory(ctx context.Context, patientID uuid.UUID, limit int) ([]*StatusTransition, error) {
	if _, err := t.repo.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return t.repo.History(ctx, patientID, limit)
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, ErrPatientNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrReasonRequired):
		return "reason_required"
	case errors.Is(err, ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, hipaa.ErrAuditWriteFailure):
		return "audit_write_failure"
	case errors.Is(err, lock.ErrNotAcquired):
		return "lock_timeout"
	default:
		return "error"
	}
}
