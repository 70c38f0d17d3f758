package hipaa

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// checksumPayload fixes the field order of the digest input. encoding/json
// sorts map keys, so nested values serialize deterministically as well.
type checksumPayload struct {
	ID            string         `json:"id"`
	Actor         string         `json:"actor"`
	Subject       string         `json:"subject"`
	Operation     string         `json:"operation"`
	DataType      string         `json:"data_type"`
	AccessResult  string         `json:"access_result"`
	Timestamp     string         `json:"timestamp"`
	OldValues     map[string]any `json:"old_values"`
	NewValues     map[string]any `json:"new_values"`
	Justification string         `json:"justification"`
}

// ComputeChecksum returns the hex SHA-256 digest of the canonical
// serialization of e's content fields.
func ComputeChecksum(e *AuditLogEntry) (string, error) {
	payload := checksumPayload{
		ID:            e.ID.String(),
		Actor:         e.Actor,
		Subject:       e.Subject,
		Operation:     e.Operation,
		DataType:      e.DataType,
		AccessResult:  string(e.AccessResult),
		Timestamp:     canonicalTime(e.Timestamp),
		OldValues:     e.OldValues,
		NewValues:     e.NewValues,
		Justification: e.Justification,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hipaa checksum: encode entry %s: %w", e.ID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalTime renders t at the microsecond precision Postgres stores.
func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

// normalizeValues round-trips m through JSON so in-memory entries hold the
// same shapes (float64 numbers, []any, map[string]any) a JSONB column returns.
// Empty maps normalize to nil.
func normalizeValues(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
