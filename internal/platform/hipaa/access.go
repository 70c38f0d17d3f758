package hipaa

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/patientcore/internal/platform/telemetry"
)

// AccessAttempt describes one attempt to read or change protected data.
type AccessAttempt struct {
	Actor         string
	Subject       string
	Operation     string
	DataType      string
	Result        AccessResult
	Justification string
	Context       *AccessContext
}

// AccessLogger records access attempts synchronously. The entry is
// persisted before LogAccess returns; on failure the caller must treat the
// access as denied.
type AccessLogger struct {
	store   AuditStore
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// AccessLoggerOption configures an AccessLogger.
type AccessLoggerOption func(*AccessLogger)

// WithAccessMetrics counts logged attempts and write failures.
func WithAccessMetrics(m *telemetry.Metrics) AccessLoggerOption {
	return func(l *AccessLogger) { l.metrics = m }
}

// NewAccessLogger creates an AccessLogger writing to store.
func NewAccessLogger(store AuditStore, logger zerolog.Logger, opts ...AccessLoggerOption) *AccessLogger {
	l := &AccessLogger{
		store:  store,
		logger: logger.With().Str("component", "access-logger").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogAccess appends an audit entry for a. Any failure is returned wrapped in
// ErrAuditWriteFailure.
func (l *AccessLogger) LogAccess(ctx context.Context, a AccessAttempt) (*AuditLogEntry, error) {
	entry, err := l.store.Append(ctx, &AuditLogEntry{
		Actor:         a.Actor,
		Subject:       a.Subject,
		Operation:     a.Operation,
		DataType:      a.DataType,
		AccessResult:  a.Result,
		Justification: a.Justification,
		Context:       a.Context,
	})
	if err != nil {
		l.metrics.IncAuditWriteFailures()
		l.logger.Error().Err(err).
			Str("actor", a.Actor).
			Str("subject", a.Subject).
			Str("operation", a.Operation).
			Str("data_type", a.DataType).
			Str("result", string(a.Result)).
			Msg("access attempt could not be logged")
		return nil, fmt.Errorf("%w: log access: %w", ErrAuditWriteFailure, err)
	}

	l.metrics.ObserveAccess(a.DataType, string(a.Result))
	evt := l.logger.Debug()
	if a.Result == AccessDenied {
		evt = l.logger.Warn()
	}
	evt.Str("audit_id", entry.ID.String()).
		Str("actor", a.Actor).
		Str("subject", a.Subject).
		Str("operation", a.Operation).
		Str("data_type", a.DataType).
		Str("result", string(a.Result)).
		Msg("phi_access")
	return entry, nil
}
