package hipaa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ehr/patientcore/internal/platform/telemetry"
)

// failingStore rejects every append.
type failingStore struct {
	*MemoryAuditStore
	err error
}

func (s *failingStore) Append(context.Context, *AuditLogEntry) (*AuditLogEntry, error) {
	return nil, s.err
}

func TestAccessLogger_LogsEveryResult(t *testing.T) {
	store := NewMemoryAuditStore()
	metrics := telemetry.New()
	logger := NewAccessLogger(store, testLogger(), WithAccessMetrics(metrics))
	ctx := context.Background()

	for _, result := range []AccessResult{AccessGranted, AccessDenied, AccessPartial} {
		t.Run(string(result), func(t *testing.T) {
			entry, err := logger.LogAccess(ctx, AccessAttempt{
				Actor:     "nurse-b",
				Subject:   "patient-" + string(result),
				Operation: OpRead,
				DataType:  DataPatientData,
				Result:    result,
				Context:   &AccessContext{RequestID: "req-" + string(result)},
			})
			if err != nil {
				t.Fatalf("LogAccess() error: %v", err)
			}
			if entry.ID == uuid.Nil || entry.AccessResult != result {
				t.Errorf("unexpected entry: %+v", entry)
			}

			page, _ := store.Search(ctx, AuditFilter{Subject: "patient-" + string(result)})
			if page.Total != 1 {
				t.Fatalf("expected exactly one entry, got %d", page.Total)
			}
			stored := page.Entries[0]
			if stored.Actor != "nurse-b" || stored.Operation != OpRead || stored.DataType != DataPatientData {
				t.Errorf("stored entry does not match attempt: %+v", stored)
			}
			if stored.Context == nil || stored.Context.RequestID != "req-"+string(result) {
				t.Errorf("expected request context, got %+v", stored.Context)
			}
			if got := testutil.ToFloat64(metrics.AccessAttempts.WithLabelValues(DataPatientData, string(result))); got != 1 {
				t.Errorf("expected access counter 1, got %v", got)
			}
		})
	}
}

func TestAccessLogger_StoreFailure(t *testing.T) {
	cause := errors.New("disk full")
	store := &failingStore{MemoryAuditStore: NewMemoryAuditStore(), err: cause}
	metrics := telemetry.New()
	logger := NewAccessLogger(store, testLogger(), WithAccessMetrics(metrics))

	entry, err := logger.LogAccess(context.Background(), AccessAttempt{
		Actor: "u", Subject: "p", Operation: OpRead, DataType: DataPatientData, Result: AccessGranted,
	})
	if entry != nil {
		t.Error("expected no entry on failure")
	}
	if !errors.Is(err, ErrAuditWriteFailure) {
		t.Errorf("expected ErrAuditWriteFailure, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected underlying cause to be wrapped, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.AuditWriteFailures); got != 1 {
		t.Errorf("expected 1 write failure, got %v", got)
	}
}

func TestAccessLogger_InvalidAttempt(t *testing.T) {
	logger := NewAccessLogger(NewMemoryAuditStore(), testLogger())
	_, err := logger.LogAccess(context.Background(), AccessAttempt{Actor: "u", Operation: OpRead})
	if !errors.Is(err, ErrAuditWriteFailure) || !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("expected invalid entry reported as write failure, got %v", err)
	}
}

func TestAccessLogger_UsesStoreClock(t *testing.T) {
	clock := newTestClock(baseTime)
	logger := NewAccessLogger(NewMemoryAuditStore(WithClock(clock.Now)), testLogger())
	clock.Advance(90 * time.Minute)

	entry, err := logger.LogAccess(context.Background(), AccessAttempt{
		Actor: "u", Subject: "p", Operation: OpSearch, DataType: DataAuditLog, Result: AccessGranted,
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := baseTime.Add(90 * time.Minute).Truncate(time.Microsecond); !entry.Timestamp.Equal(want) {
		t.Errorf("expected %v, got %v", want, entry.Timestamp)
	}
}
