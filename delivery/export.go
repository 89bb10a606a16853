package delivery

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// csvExporter writes delivery history rows in the export format:
// id, event_type, success, status_code, duration_ms, retry_count, timestamp.
type csvExporter struct {
	w *csv.Writer
}

func newCSVExporter(w io.Writer) *csvExporter {
	return &csvExporter{w: csv.NewWriter(w)}
}

func (e *csvExporter) writeHeader() error {
	return e.w.Write([]string{
		"id", "event_type", "success", "status_code",
		"duration_ms", "retry_count", "timestamp",
	})
}

func (e *csvExporter) writeDelivery(d *Delivery) error {
	var statusCode, durationMs int64
	if att := d.LastAttempt(); att != nil {
		statusCode = int64(att.StatusCode)
		durationMs = att.Duration.Milliseconds()
	}

	// Retries are attempts beyond the first.
	retries := d.AttemptCount - 1
	if retries < 0 {
		retries = 0
	}

	return e.w.Write([]string{
		d.ID.String(),
		d.EventType,
		strconv.FormatBool(d.Succeeded),
		strconv.FormatInt(statusCode, 10),
		strconv.FormatInt(durationMs, 10),
		strconv.Itoa(retries),
		d.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (e *csvExporter) flush() error {
	e.w.Flush()
	return e.w.Error()
}
