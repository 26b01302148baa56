package journal

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// CSVHeaders returns the CSV column headers for journal records.
var CSVHeaders = []string{
	"id", "timestamp", "event", "old_state", "new_state", "fail_reason",
	"ssid", "ip", "mac", "slot", "hostname", "peer", "reason",
}

// WriteCSV writes journal records as CSV to the given writer.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(CSVHeaders); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	for _, r := range records {
		slot := ""
		if r.MAC != "" {
			slot = strconv.Itoa(r.Slot)
		}
		row := []string{
			strconv.FormatUint(r.ID, 10),
			r.Timestamp,
			r.Event,
			r.OldState,
			r.NewState,
			r.FailReason,
			r.SSID,
			r.IP,
			r.MAC,
			slot,
			r.Hostname,
			r.Peer,
			r.Reason,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
