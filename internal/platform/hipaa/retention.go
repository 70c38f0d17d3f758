package hipaa

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/patientcore/internal/platform/telemetry"
)

const (
	// DefaultRetentionDays is the seven-year audit retention window.
	DefaultRetentionDays = 2555
	// MinRetentionDays is the legal minimum; shorter windows are rejected.
	MinRetentionDays = 2555

	DefaultRetentionWindow = DefaultRetentionDays * 24 * time.Hour
)

// RetentionPolicy defines how long data of a specific type should be retained.
type RetentionPolicy struct {
	ResourceType  string `json:"resource_type"`
	RetentionDays int    `json:"retention_days"`
	ArchiveAfter  int    `json:"archive_after_days,omitempty"` // days before archival
	PurgeAfter    int    `json:"purge_after_days,omitempty"`   // days before purge (0 = never)
	Description   string `json:"description"`
}

// RetentionStatus represents the lifecycle state of a resource.
type RetentionStatus struct {
	State      string    `json:"state"`      // "active", "archive_eligible", "purge_eligible"
	ExpiresAt  time.Time `json:"expires_at"` // when current state expires
	PolicyName string    `json:"policy_name"`
}

// Retention state constants.
const (
	RetentionStateActive          = "active"
	RetentionStateArchiveEligible = "archive_eligible"
	RetentionStatePurgeEligible   = "purge_eligible"
)

// DefaultRetentionPolicies returns the retention policies for a given audit
// window in days.
func DefaultRetentionPolicies(auditDays int) []RetentionPolicy {
	return []RetentionPolicy{
		{
			ResourceType:  "audit_log",
			RetentionDays: auditDays,
			ArchiveAfter:  1095, // 3 years
			PurgeAfter:    auditDays,
			Description:   "Audit and access log entries: immutable for the full window, purged by the retention manager afterwards",
		},
		{
			ResourceType:  "patient_status_transition",
			RetentionDays: auditDays,
			ArchiveAfter:  0,
			PurgeAfter:    0, // part of the medical record
			Description:   "Patient status history: part of the medical record, never purged",
		},
		{
			ResourceType:  "medical_record",
			RetentionDays: 2190, // 6 years
			ArchiveAfter:  1825, // 5 years
			PurgeAfter:    0,
			Description:   "Medical records: 6 years from last date of service (state law may require longer)",
		},
	}
}

// Archiver copies entries somewhere durable before they are purged.
type Archiver interface {
	Archive(ctx context.Context, cutoff time.Time, entries []*AuditLogEntry) error
}

// RetentionManager purges audit entries once they leave the retention window
// and reports the lifecycle state of retained resource types.
type RetentionManager struct {
	store    AuditStore
	days     int
	archiver Archiver
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	policies map[string]RetentionPolicy
	runMu    sync.Mutex
}

// RetentionOption configures a RetentionManager.
type RetentionOption func(*RetentionManager)

// WithArchiver archives entries before each purge. A failed archive aborts
// the purge.
func WithArchiver(a Archiver) RetentionOption {
	return func(m *RetentionManager) { m.archiver = a }
}

func WithRetentionMetrics(metrics *telemetry.Metrics) RetentionOption {
	return func(m *RetentionManager) { m.metrics = metrics }
}

func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(m *RetentionManager) { m.now = now }
}

// NewRetentionManager creates a RetentionManager over store. days of zero
// selects DefaultRetentionDays; values below MinRetentionDays are rejected.
func NewRetentionManager(store AuditStore, days int, logger zerolog.Logger, opts ...RetentionOption) (*RetentionManager, error) {
	if days == 0 {
		days = DefaultRetentionDays
	}
	if days < MinRetentionDays {
		return nil, fmt.Errorf("%w: %d days (minimum %d)", ErrRetentionWindowTooShort, days, MinRetentionDays)
	}

	m := &RetentionManager{
		store:  store,
		days:   days,
		logger: logger.With().Str("component", "retention-manager").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	policies := DefaultRetentionPolicies(days)
	m.policies = make(map[string]RetentionPolicy, len(policies))
	for _, p := range policies {
		m.policies[p.ResourceType] = p
	}
	return m, nil
}

// Days returns the retention window in days.
func (m *RetentionManager) Days() int { return m.days }

// Cutoff returns the instant before which entries are purgeable at now.
func (m *RetentionManager) Cutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(m.days) * 24 * time.Hour).Truncate(time.Microsecond)
}

// Eligible reports whether e may be purged at now.
func (m *RetentionManager) Eligible(e *AuditLogEntry, now time.Time) bool {
	return e.Timestamp.Before(m.Cutoff(now))
}

// Purge removes every entry older than the retention window at now and
// returns how many were removed. Repeating a call with the same now removes
// nothing further.
func (m *RetentionManager) Purge(ctx context.Context, now time.Time) (int, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	cutoff := m.Cutoff(now)

	if m.archiver != nil {
		entries, err := m.store.ListOlderThan(ctx, cutoff)
		if err != nil {
			m.metrics.ObservePurge(0, err)
			return 0, fmt.Errorf("retention: list purgeable entries: %w", err)
		}
		if len(entries) > 0 {
			if err := m.archiver.Archive(ctx, cutoff, entries); err != nil {
				m.metrics.ObservePurge(0, err)
				return 0, fmt.Errorf("retention: archive %d entries: %w", len(entries), err)
			}
		}
	}

	purged, err := m.store.PurgeOlderThan(ctx, cutoff)
	m.metrics.ObservePurge(purged, err)
	if err != nil {
		return 0, fmt.Errorf("retention: purge: %w", err)
	}

	m.logger.Info().
		Time("cutoff", cutoff).
		Int("retention_days", m.days).
		Int("purged", purged).
		Msg("retention purge completed")
	return purged, nil
}

// Run purges immediately and then on every interval until ctx is done.
// Failed runs are logged and retried on the next tick.
func (m *RetentionManager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("retention: invalid interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Purge(ctx, m.now()); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("scheduled retention purge failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// GetPolicy returns the retention policy for a resource type, or nil if not found.
func (m *RetentionManager) GetPolicy(resourceType string) *RetentionPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[resourceType]
	if !ok {
		return nil
	}
	return &p
}

// GetAllPolicies returns all configured retention policies ordered by resource type.
func (m *RetentionManager) GetAllPolicies() []RetentionPolicy {
	m.mu.RLock()
	result := make([]RetentionPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		result = append(result, p)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ResourceType < result[j].ResourceType })
	return result
}

// CheckRetention reports whether a resource created at createdAt is active,
// eligible for archival, or eligible for purging.
func (m *RetentionManager) CheckRetention(resourceType string, createdAt time.Time) RetentionStatus {
	m.mu.RLock()
	policy, ok := m.policies[resourceType]
	m.mu.RUnlock()

	if !ok {
		return RetentionStatus{
			State:      RetentionStateActive,
			ExpiresAt:  time.Time{},
			PolicyName: "unknown",
		}
	}

	age := m.now().Sub(createdAt)
	ageDays := int(age.Hours() / 24)

	// Purge eligibility matches Eligible: strictly older than the window.
	if policy.PurgeAfter > 0 && age > time.Duration(policy.PurgeAfter)*24*time.Hour {
		return RetentionStatus{
			State:      RetentionStatePurgeEligible,
			ExpiresAt:  createdAt.AddDate(0, 0, policy.PurgeAfter),
			PolicyName: policy.ResourceType,
		}
	}

	if policy.ArchiveAfter > 0 && ageDays >= policy.ArchiveAfter {
		expiresAt := createdAt.AddDate(0, 0, policy.RetentionDays)
		if policy.PurgeAfter > 0 {
			expiresAt = createdAt.AddDate(0, 0, policy.PurgeAfter)
		}
		return RetentionStatus{
			State:      RetentionStateArchiveEligible,
			ExpiresAt:  expiresAt,
			PolicyName: policy.ResourceType,
		}
	}

	expiresAt := createdAt.AddDate(0, 0, policy.RetentionDays)
	if policy.ArchiveAfter > 0 {
		expiresAt = createdAt.AddDate(0, 0, policy.ArchiveAfter)
	}
	return RetentionStatus{
		State:      RetentionStateActive,
		ExpiresAt:  expiresAt,
		PolicyName: policy.ResourceType,
	}
}
