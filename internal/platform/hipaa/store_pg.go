package hipaa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientcore/internal/platform/db"
)

const auditColumns = `id, actor, subject, operation, data_type, access_result, timestamp,
	old_values, new_values, COALESCE(justification, ''),
	COALESCE(request_id, ''), COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(session_id, ''),
	checksum, protected`

// PGAuditStore is the Postgres-backed AuditStore. Appends join the
// transaction carried in ctx (see db.PGUnitOfWork). UPDATE and DELETE on
// audit_log_entry are rejected by a trigger except for the retention purge.
type PGAuditStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPGAuditStore creates a PGAuditStore.
func NewPGAuditStore(pool *pgxpool.Pool, opts ...StoreOption) *PGAuditStore {
	o := buildStoreOptions(opts)
	return &PGAuditStore{pool: pool, now: o.now}
}

func (s *PGAuditStore) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, s.pool)
}

func (s *PGAuditStore) Append(ctx context.Context, entry *AuditLogEntry) (*AuditLogEntry, error) {
	stored, err := prepareEntry(entry, s.now())
	if err != nil {
		return nil, err
	}

	var ac AccessContext
	if stored.Context != nil {
		ac = *stored.Context
	}

	const query = `
		INSERT INTO audit_log_entry (
			id, actor, subject, operation, data_type, access_result, timestamp,
			old_values, new_values, justification,
			request_id, ip_address, user_agent, session_id,
			checksum, protected
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	_, err = s.conn(ctx).Exec(ctx, query,
		stored.ID, stored.Actor, stored.Subject, stored.Operation, stored.DataType,
		string(stored.AccessResult), stored.Timestamp,
		stored.OldValues, stored.NewValues, stored.Justification,
		ac.RequestID, ac.IPAddress, ac.UserAgent, ac.SessionID,
		stored.Checksum, stored.Protected,
	)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: insert entry: %w", err)
	}
	return stored.Clone(), nil
}

func scanEntry(row pgx.Row) (*AuditLogEntry, error) {
	var e AuditLogEntry
	var result string
	var ac AccessContext
	err := row.Scan(
		&e.ID, &e.Actor, &e.Subject, &e.Operation, &e.DataType, &result, &e.Timestamp,
		&e.OldValues, &e.NewValues, &e.Justification,
		&ac.RequestID, &ac.IPAddress, &ac.UserAgent, &ac.SessionID,
		&e.Checksum, &e.Protected,
	)
	if err != nil {
		return nil, err
	}
	e.AccessResult = AccessResult(result)
	e.Timestamp = e.Timestamp.UTC()
	if !ac.empty() {
		e.Context = &ac
	}
	return &e, nil
}

func (s *PGAuditStore) Get(ctx context.Context, id uuid.UUID) (*AuditLogEntry, error) {
	e, err := scanEntry(s.conn(ctx).QueryRow(ctx,
		`SELECT `+auditColumns+` FROM audit_log_entry WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: get entry %s: %w", id, err)
	}
	return e, nil
}

// buildSearchWhere renders the WHERE clause for filter with positional args.
func buildSearchWhere(f AuditFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Subject != "" {
		add("subject = $%d", f.Subject)
	}
	if f.Operation != "" {
		add("operation = $%d", f.Operation)
	}
	if f.DataType != "" {
		add("data_type = $%d", f.DataType)
	}
	if f.AccessResult != "" {
		add("access_result = $%d", string(f.AccessResult))
	}
	if f.From != nil {
		add("timestamp >= $%d", *f.From)
	}
	if f.To != nil {
		add("timestamp <= $%d", *f.To)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// buildSearchQuery returns the page query and the count query for filter.
// filter must already have defaults applied.
func buildSearchQuery(f AuditFilter) (pageSQL, countSQL string, args []any) {
	where, args := buildSearchWhere(f)
	countSQL = `SELECT COUNT(*) FROM audit_log_entry` + where

	order := "DESC"
	if f.SortOrder == "asc" {
		order = "ASC"
	}
	pageSQL = fmt.Sprintf(`SELECT %s FROM audit_log_entry%s ORDER BY timestamp %s, id %s LIMIT $%d OFFSET $%d`,
		auditColumns, where, order, order, len(args)+1, len(args)+2)
	return pageSQL, countSQL, args
}

func (s *PGAuditStore) Search(ctx context.Context, filter AuditFilter) (*AuditPage, error) {
	filter.applyDefaults()
	pageSQL, countSQL, args := buildSearchQuery(filter)
	q := s.conn(ctx)

	var total int
	if err := q.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("hipaa audit: count entries: %w", err)
	}

	entries, err := s.collect(ctx, q, pageSQL, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: search entries: %w", err)
	}
	return &AuditPage{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (s *PGAuditStore) collect(ctx context.Context, q db.Querier, sql string, args ...any) ([]*AuditLogEntry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]*AuditLogEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PGAuditStore) AttemptModify(ctx context.Context, id uuid.UUID, _ map[string]any) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return newProtectedEntryError(e, OpUpdate, s.now())
}

func (s *PGAuditStore) AttemptDelete(ctx context.Context, id uuid.UUID) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return newProtectedEntryError(e, OpDelete, s.now())
}

func (s *PGAuditStore) VerifyIntegrity(ctx context.Context, id uuid.UUID) (IntegrityReport, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return IntegrityReport{}, err
	}
	return verifyEntry(e, s.now())
}

func (s *PGAuditStore) VerifyAll(ctx context.Context) (*IntegritySweep, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+auditColumns+` FROM audit_log_entry ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: verify all: %w", err)
	}
	defer rows.Close()

	sweep := &IntegritySweep{Violations: []IntegrityReport{}}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("hipaa audit: verify all: scan: %w", err)
		}
		report, err := verifyEntry(e, s.now())
		sweep.Checked++
		var violation *IntegrityViolationError
		switch {
		case errors.As(err, &violation):
			sweep.Violations = append(sweep.Violations, report)
		case err != nil:
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hipaa audit: verify all: %w", err)
	}
	return sweep, nil
}

func (s *PGAuditStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*AuditLogEntry, error) {
	entries, err := s.collect(ctx, s.conn(ctx),
		`SELECT `+auditColumns+` FROM audit_log_entry WHERE timestamp < $1 ORDER BY timestamp ASC, id ASC`,
		cutoff.Truncate(time.Microsecond))
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: list entries older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return entries, nil
}

// PurgeOlderThan deletes entries strictly older than cutoff. It enables the
// retention purge flag for its own transaction only.
func (s *PGAuditStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var purged int64
	err := db.NewPGUnitOfWork(s.pool).Within(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		if _, err := q.Exec(ctx, `SET LOCAL patientcore.retention_purge = 'on'`); err != nil {
			return fmt.Errorf("enable retention purge: %w", err)
		}
		tag, err := q.Exec(ctx, `DELETE FROM audit_log_entry WHERE timestamp < $1`, cutoff.Truncate(time.Microsecond))
		if err != nil {
			return fmt.Errorf("delete entries: %w", err)
		}
		purged = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("hipaa audit: purge: %w", err)
	}
	return int(purged), nil
}
