package storage

import (
	"context"

	"siem-correlator/internal/alerting"
)

// AlertArchive is a notification channel that appends every alert to the
// alert_archive table. Alerts are buffered, so Send returning nil means the
// alert is queued for the next batch.
type AlertArchive struct {
	writer *BatchWriter
}

// NewAlertArchive wraps a batch writer as a notification channel.
func NewAlertArchive(writer *BatchWriter) *AlertArchive {
	return &AlertArchive{writer: writer}
}

// Name returns the channel name.
func (a *AlertArchive) Name() string {
	return "clickhouse"
}

// Send buffers the alert for insertion.
func (a *AlertArchive) Send(ctx context.Context, alert *alerting.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.writer.Write(alert)
}

// Close flushes buffered alerts.
func (a *AlertArchive) Close() error {
	return a.writer.Close()
}

// Metrics returns the underlying writer statistics.
func (a *AlertArchive) Metrics() BatchWriterMetrics {
	return a.writer.Metrics()
}
