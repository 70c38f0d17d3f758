package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientcore/internal/platform/db"
)

const uniqueViolation = "23505"

type repoPG struct {
	pool *pgxpool.Pool
}

// NewPGRepository returns a Postgres-backed Repository.
func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const patientCols = `id, mrn, status, version, created_at, updated_at`

const transitionCols = `id, patient_id, from_status, to_status, COALESCE(reason, ''), changed_by,
	changed_at, sequence, audit_entry_id`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func (r *repoPG) CreatePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, mrn, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.MRN, string(p.Status), p.Version, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		if violatedConstraint(err) == "patient_pkey" {
			return ErrPatientExists
		}
		return ErrDuplicateMRN
	}
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(row rowScanner) (*Patient, error) {
	var p Patient
	var status string
	if err := row.Scan(&p.ID, &p.MRN, &status, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func scanTransition(row rowScanner) (*StatusTransition, error) {
	var t StatusTransition
	var from, to string
	err := row.Scan(&t.ID, &t.PatientID, &from, &to, &t.Reason, &t.ChangedBy,
		&t.Timestamp, &t.Sequence, &t.AuditEntryID)
	if err != nil {
		return nil, err
	}
	t.FromStatus = Status(from)
	t.ToStatus = Status(to)
	t.Timestamp = t.Timestamp.UTC()
	return &t, nil
}

func (r *repoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patient get: %w", err)
	}
	return p, nil
}

func (r *repoPG) ListPatients(ctx context.Context, status Status, limit, offset int) ([]*Patient, int, error) {
	where := ""
	args := []any{}
	if status != "" {
		where = ` WHERE status = $1`
		args = append(args, string(status))
	}
	q := r.conn(ctx)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM patient`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("patient count: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM patient%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		patientCols, where, len(args)+1, len(args)+2)
	rows, err := q.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("patient list: %w", err)
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("patient list: scan: %w", err)
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *repoPG) LastTransition(ctx context.Context, patientID uuid.UUID) (*StatusTransition, error) {
	t, err := scanTransition(r.conn(ctx).QueryRow(ctx,
		`SELECT `+transitionCols+` FROM patient_status_transition
		WHERE patient_id = $1 ORDER BY sequence DESC LIMIT 1`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last transition: %w", err)
	}
	return t, nil
}

func (r *repoPG) ApplyTransition(ctx context.Context, t *StatusTransition) error {
	q := r.conn(ctx)

	tag, err := q.Exec(ctx, `
		UPDATE patient SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(t.ToStatus), t.Timestamp, t.PatientID, string(t.FromStatus))
	if err != nil {
		return fmt.Errorf("apply transition: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM patient WHERE id = $1)`, t.PatientID).Scan(&exists); err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}
		if !exists {
			return ErrPatientNotFound
		}
		return ErrConcurrentModification
	}

	var reason *string
	if t.Reason != "" {
		reason = &t.Reason
	}
	_, err = q.Exec(ctx, `
		INSERT INTO patient_status_transition (
			id, patient_id, from_status, to_status, reason, changed_by, changed_at, sequence, audit_entry_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.PatientID, string(t.FromStatus), string(t.ToStatus), reason, t.ChangedBy,
		t.Timestamp, t.Sequence, t.AuditEntryID)
	if isUniqueViolation(err) {
		return ErrConcurrentModification
	}
	if err != nil {
		return fmt.Errorf("apply transition: insert: %w", err)
	}
	return nil
}

func (r *repoPG) History(ctx context.Context, patientID uuid.UUID, limit int) ([]*StatusTransition, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+transitionCols+` FROM patient_status_transition
		WHERE patient_id = $1 ORDER BY sequence DESC LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("transition history: %w", err)
	}
	defer rows.Close()

	out := make([]*StatusTransition, 0)
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("transition history: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
