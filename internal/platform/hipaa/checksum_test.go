package hipaa

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func sampleEntry() *AuditLogEntry {
	return &AuditLogEntry{
		ID:            uuid.MustParse("6f1c2a3e-8d4b-4c1a-9e2f-0a1b2c3d4e5f"),
		Actor:         "dr-house",
		Subject:       "patient-42",
		Operation:     OpStatusChange,
		DataType:      DataPatientStatus,
		AccessResult:  AccessGranted,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 678901000, time.UTC),
		OldValues:     map[string]any{"status": "active"},
		NewValues:     map[string]any{"status": "discharged", "reason": "treatment complete"},
		Justification: "treatment complete",
	}
}

func TestComputeChecksum_Deterministic(t *testing.T) {
	a, err := ComputeChecksum(sampleEntry())
	if err != nil {
		t.Fatalf("ComputeChecksum() error: %v", err)
	}
	b, err := ComputeChecksum(sampleEntry())
	if err != nil {
		t.Fatalf("ComputeChecksum() error: %v", err)
	}
	if a != b {
		t.Errorf("checksum not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestComputeChecksum_IgnoresNonContentFields(t *testing.T) {
	base, _ := ComputeChecksum(sampleEntry())

	e := sampleEntry()
	e.Checksum = "something"
	e.Protected = true
	e.Context = &AccessContext{RequestID: "req-1", IPAddress: "10.0.0.1"}
	got, _ := ComputeChecksum(e)
	if got != base {
		t.Error("checksum should not depend on checksum, protected or context")
	}
}

func TestComputeChecksum_TimezoneAndPrecision(t *testing.T) {
	base, _ := ComputeChecksum(sampleEntry())

	e := sampleEntry()
	e.Timestamp = e.Timestamp.In(time.FixedZone("EST", -5*3600)).Add(400 * time.Nanosecond)
	got, _ := ComputeChecksum(e)
	if got != base {
		t.Error("checksum should be stable across zones and sub-microsecond noise")
	}
}

func TestComputeChecksum_DetectsFieldChanges(t *testing.T) {
	base, _ := ComputeChecksum(sampleEntry())

	tests := []struct {
		name   string
		mutate func(*AuditLogEntry)
	}{
		{"id", func(e *AuditLogEntry) { e.ID = uuid.New() }},
		{"actor", func(e *AuditLogEntry) { e.Actor = "mallory" }},
		{"subject", func(e *AuditLogEntry) { e.Subject = "patient-43" }},
		{"operation", func(e *AuditLogEntry) { e.Operation = OpRead }},
		{"data type", func(e *AuditLogEntry) { e.DataType = DataMedicalRecord }},
		{"access result", func(e *AuditLogEntry) { e.AccessResult = AccessDenied }},
		{"timestamp", func(e *AuditLogEntry) { e.Timestamp = e.Timestamp.Add(time.Microsecond) }},
		{"old values", func(e *AuditLogEntry) { e.OldValues["status"] = "on_hold" }},
		{"new values", func(e *AuditLogEntry) { e.NewValues["reason"] = "edited" }},
		{"new values removed", func(e *AuditLogEntry) { e.NewValues = nil }},
		{"justification", func(e *AuditLogEntry) { e.Justification = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sampleEntry()
			tt.mutate(e)
			got, err := ComputeChecksum(e)
			if err != nil {
				t.Fatalf("ComputeChecksum() error: %v", err)
			}
			if got == base {
				t.Errorf("changing %s did not change the checksum", tt.name)
			}
		})
	}
}

func TestNormalizeValues(t *testing.T) {
	got, err := normalizeValues(map[string]any{"count": 3, "tags": []string{"a"}})
	if err != nil {
		t.Fatalf("normalizeValues() error: %v", err)
	}
	if _, ok := got["count"].(float64); !ok {
		t.Errorf("expected float64 after normalization, got %T", got["count"])
	}
	if _, ok := got["tags"].([]any); !ok {
		t.Errorf("expected []any after normalization, got %T", got["tags"])
	}

	empty, err := normalizeValues(map[string]any{})
	if err != nil || empty != nil {
		t.Errorf("expected nil for empty map, got %v, %v", empty, err)
	}

	if _, err := normalizeValues(map[string]any{"bad": make(chan int)}); err == nil {
		t.Error("expected error for unencodable value")
	}
}
