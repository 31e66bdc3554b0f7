package fork

import (
	"time"

	"go.uber.org/zap"
)

// auditEvent is one recorded intervention against the checkpoint log.
type auditEvent struct {
	Operation          string
	SourceThreadID     string
	SourceCheckpointID string
	ResultThreadID     string
	ResultCheckpointID string
	Description        string
}

// auditLogger records intervention events as structured log entries.
type auditLogger struct {
	logger *zap.Logger
}

func newAuditLogger(logger *zap.Logger) *auditLogger {
	return &auditLogger{logger: logger.With(zap.String("component", "fork_audit"))}
}

func (a *auditLogger) record(ev auditEvent) {
	fields := []zap.Field{
		zap.String("operation", ev.Operation),
		zap.String("source_thread_id", ev.SourceThreadID),
		zap.String("source_checkpoint_id", ev.SourceCheckpointID),
		zap.String("result_thread_id", ev.ResultThreadID),
		zap.String("result_checkpoint_id", ev.ResultCheckpointID),
		zap.Time("occurred_at", time.Now().UTC()),
	}
	if ev.Description != "" {
		fields = append(fields, zap.String("description", ev.Description))
	}
	a.logger.Info("intervention recorded", fields...)
}
