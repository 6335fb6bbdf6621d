package audit

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"
)

// WriteCSV streams entries as CSV to w.
func WriteCSV(w io.Writer, entries []Entry) error {
	writer := csv.NewWriter(w)
	writer.UseCRLF = true

	header := []string{"id", "created_at", "user_id", "action", "resource", "resource_id", "ip_address", "user_agent", "details"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, entry := range entries {
		details := ""
		if len(entry.Details) > 0 {
			if data, err := json.Marshal(entry.Details); err == nil {
				details = string(data)
			}
		}
		row := []string{
			strconv.FormatInt(entry.ID, 10),
			entry.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(entry.UserID, 10),
			entry.Action,
			entry.Resource,
			entry.ResourceID,
			entry.IPAddress,
			entry.UserAgent,
			details,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
