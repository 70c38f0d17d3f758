package hipaa

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// AuditSummary contains aggregated statistics for audit entries.
type AuditSummary struct {
	TotalEntries   int            `json:"total_entries"`
	ByOperation    map[string]int `json:"by_operation"`
	ByDataType     map[string]int `json:"by_data_type"`
	ByAccessResult map[string]int `json:"by_access_result"`
	ByActor        map[string]int `json:"by_actor"`
	TimeRange      struct {
		First time.Time `json:"first"`
		Last  time.Time `json:"last"`
	} `json:"time_range"`
}

// eachEntry pages through every entry matching filter, ignoring its
// Limit and Offset.
func eachEntry(ctx context.Context, store AuditStore, filter AuditFilter, fn func(*AuditLogEntry) error) error {
	filter.Limit = maxSearchLimit
	filter.Offset = 0
	for {
		page, err := store.Search(ctx, filter)
		if err != nil {
			return err
		}
		for _, e := range page.Entries {
			if err := fn(e); err != nil {
				return err
			}
		}
		filter.Offset += len(page.Entries)
		if len(page.Entries) == 0 || filter.Offset >= page.Total {
			return nil
		}
	}
}

var csvHeader = []string{
	"id", "timestamp", "actor", "subject", "operation", "data_type", "access_result",
	"old_values", "new_values", "justification", "request_id", "ip_address", "checksum", "protected",
}

func encodeValues(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ExportCSV writes matching audit entries as CSV to w.
func ExportCSV(ctx context.Context, store AuditStore, filter AuditFilter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}

	err := eachEntry(ctx, store, filter, func(e *AuditLogEntry) error {
		oldValues, err := encodeValues(e.OldValues)
		if err != nil {
			return err
		}
		newValues, err := encodeValues(e.NewValues)
		if err != nil {
			return err
		}
		var requestID, ip string
		if e.Context != nil {
			requestID, ip = e.Context.RequestID, e.Context.IPAddress
		}
		record := []string{
			e.ID.String(),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Actor,
			e.Subject,
			e.Operation,
			e.DataType,
			string(e.AccessResult),
			oldValues,
			newValues,
			e.Justification,
			requestID,
			ip,
			e.Checksum,
			strconv.FormatBool(e.Protected),
		}
		return cw.Write(record)
	})
	if err != nil {
		return fmt.Errorf("audit export csv: %w", err)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("audit export csv: flush: %w", err)
	}
	return nil
}

// ExportJSON writes matching audit entries as a JSON array to w.
func ExportJSON(ctx context.Context, store AuditStore, filter AuditFilter, w io.Writer) error {
	entries := make([]*AuditLogEntry, 0)
	err := eachEntry(ctx, store, filter, func(e *AuditLogEntry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("audit export json: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("audit export json: %w", err)
	}
	return nil
}

// Summarize computes aggregate statistics for matching entries.
func Summarize(ctx context.Context, store AuditStore, filter AuditFilter) (*AuditSummary, error) {
	summary := &AuditSummary{
		ByOperation:    make(map[string]int),
		ByDataType:     make(map[string]int),
		ByAccessResult: make(map[string]int),
		ByActor:        make(map[string]int),
	}

	err := eachEntry(ctx, store, filter, func(e *AuditLogEntry) error {
		summary.ByOperation[e.Operation]++
		summary.ByDataType[e.DataType]++
		summary.ByAccessResult[string(e.AccessResult)]++
		summary.ByActor[e.Actor]++

		if summary.TotalEntries == 0 || e.Timestamp.Before(summary.TimeRange.First) {
			summary.TimeRange.First = e.Timestamp
		}
		if summary.TotalEntries == 0 || e.Timestamp.After(summary.TimeRange.Last) {
			summary.TimeRange.Last = e.Timestamp
		}
		summary.TotalEntries++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit summary: %w", err)
	}
	return summary, nil
}
