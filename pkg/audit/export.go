package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Export encodes events in the given format. Unknown formats fall back to JSON.
func Export(events []*Event, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportCSV(events)
	case ExportFormatNDJSON:
		return exportNDJSON(events)
	default:
		return exportJSON(events)
	}
}

// ContentType returns the MIME type of an export format
func ContentType(format ExportFormat) string {
	switch format {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

func exportJSON(events []*Event) ([]byte, error) {
	if events == nil {
		events = []*Event{}
	}
	return json.MarshalIndent(events, "", "  ")
}

func exportNDJSON(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}

	return buf.Bytes(), nil
}

func exportCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"ID", "TenantID", "Actor", "Action", "FromStatus", "ToStatus", "Reason", "CreatedAt"}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		row := []string{
			strconv.FormatInt(event.ID, 10),
			strconv.FormatInt(event.TenantID, 10),
			event.Actor,
			string(event.Action),
			event.FromStatus,
			event.ToStatus,
			event.Reason,
			event.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}
