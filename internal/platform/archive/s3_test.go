package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientcore/internal/platform/hipaa"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

var cutoff = time.Date(2019, 4, 7, 12, 0, 0, 0, time.UTC)

func entries(n int) []*hipaa.AuditLogEntry {
	out := make([]*hipaa.AuditLogEntry, n)
	for i := range out {
		out[i] = &hipaa.AuditLogEntry{
			ID:           uuid.New(),
			Timestamp:    cutoff.Add(-time.Duration(i+1) * time.Hour),
			Actor:        "dr-a",
			Subject:      "patient-1",
			Operation:    hipaa.OpRead,
			DataType:     hipaa.DataPatientData,
			AccessResult: hipaa.AccessGranted,
			Checksum:     "abc",
		}
	}
	return out
}

func TestS3Archiver_Archive(t *testing.T) {
	fake := &fakePutter{}
	a := newS3Archiver(fake, "audit-archive", "prod", testLogger())

	batch := entries(3)
	if err := a.Archive(context.Background(), cutoff, batch); err != nil {
		t.Fatalf("Archive() error: %v", err)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("expected 1 object, got %d", len(fake.inputs))
	}

	in := fake.inputs[0]
	if *in.Bucket != "audit-archive" {
		t.Errorf("unexpected bucket %q", *in.Bucket)
	}
	if !strings.HasPrefix(*in.Key, "prod/audit/2019/04/07/20190407T120000.000000Z-") || !strings.HasSuffix(*in.Key, ".jsonl") {
		t.Errorf("unexpected key %q", *in.Key)
	}
	if *in.ContentType != contentType || in.Metadata["entry-count"] != "3" {
		t.Errorf("unexpected object attributes: %v %v", *in.ContentType, in.Metadata)
	}

	sc := bufio.NewScanner(strings.NewReader(string(fake.bodies[0])))
	var i int
	for sc.Scan() {
		var got hipaa.AuditLogEntry
		if err := json.Unmarshal(sc.Bytes(), &got); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if got.ID != batch[i].ID || got.Checksum != "abc" {
			t.Errorf("line %d: unexpected entry %+v", i, got)
		}
		i++
	}
	if i != 3 {
		t.Errorf("expected 3 lines, got %d", i)
	}
}

func TestS3Archiver_EmptyBatch(t *testing.T) {
	fake := &fakePutter{}
	a := newS3Archiver(fake, "b", "", testLogger())
	if err := a.Archive(context.Background(), cutoff, nil); err != nil {
		t.Fatal(err)
	}
	if len(fake.inputs) != 0 {
		t.Errorf("expected no upload, got %d", len(fake.inputs))
	}
}

func TestS3Archiver_PutFailure(t *testing.T) {
	fake := &fakePutter{err: errors.New("access denied")}
	a := newS3Archiver(fake, "b", "", testLogger())
	err := a.Archive(context.Background(), cutoff, entries(1))
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Errorf("expected wrapped put error, got %v", err)
	}
}

func TestS3Archiver_AbortsPurgeOnFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now.AddDate(0, 0, -3000)
	store := hipaa.NewMemoryAuditStore(hipaa.WithClock(func() time.Time { return clock }))
	if _, err := store.Append(context.Background(), &hipaa.AuditLogEntry{
		Actor: "dr-a", Subject: "p", Operation: hipaa.OpRead, DataType: hipaa.DataPatientData, AccessResult: hipaa.AccessGranted,
	}); err != nil {
		t.Fatal(err)
	}

	archiver := newS3Archiver(&fakePutter{err: errors.New("unavailable")}, "b", "", testLogger())
	m, err := hipaa.NewRetentionManager(store, hipaa.MinRetentionDays, testLogger(),
		hipaa.WithArchiver(archiver))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Purge(context.Background(), now); err == nil {
		t.Fatal("expected purge to fail when archiving fails")
	}
	if page, _ := store.Search(context.Background(), hipaa.AuditFilter{}); page.Total != 1 {
		t.Errorf("entry must survive a failed archive, total=%d", page.Total)
	}
}

func TestNewS3Archiver_RequiresBucket(t *testing.T) {
	if _, err := NewS3Archiver(context.Background(), Config{}, testLogger()); err == nil {
		t.Error("expected error for missing bucket")
	}
}
