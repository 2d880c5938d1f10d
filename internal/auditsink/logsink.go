// Package auditsink provides a concrete audit.Sink for cmd/remoteshelld.
// LogSink writes one structured logrus entry per audit record; it
// stands in for the durable external sink (a database, a SIEM
// forwarder) a real deployment would plug in instead.
package auditsink

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opsconsole/remoteshell/internal/audit"
)

// LogSink writes audit records as structured log entries.
type LogSink struct {
	Logger logrus.FieldLogger
}

// Append implements audit.Sink.
func (s LogSink) Append(ctx context.Context, rec audit.Record) error {
	entry := s.Logger.WithFields(logrus.Fields{
		"audit_id":     rec.ID,
		"tenant_id":    rec.TenantID,
		"user_id":      rec.UserID,
		"host_id":      rec.HostID,
		"session_id":   rec.SessionID,
		"command":      rec.CommandText,
		"status":       rec.Status,
		"block_reason": rec.BlockReason,
		"executed_at":  rec.ExecutedAt,
		"duration_ms":  rec.Duration.Milliseconds(),
	})
	if rec.ExitCode != nil {
		entry = entry.WithField("exit_code", *rec.ExitCode)
	}
	entry.Info("command audit record")
	return nil
}
