package tracing

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/certainly-param/tracelens/storage"
)

// SQLiteExporter persists finished spans into the traces table. It is
// registered behind a BatchSpanProcessor, so exports arrive in batches
// off the hot path. Export failures are logged and swallowed: span loss
// is acceptable, blocking the processor queue is not.
type SQLiteExporter struct {
	store   *storage.Store
	metrics Metrics
	logger  *zap.Logger
}

// Metrics receives export batch outcomes. A nil Metrics disables
// recording.
type Metrics interface {
	RecordSpanExport(spans int, failed bool)
}

var _ sdktrace.SpanExporter = (*SQLiteExporter)(nil)

// NewSQLiteExporter creates an exporter over the store.
func NewSQLiteExporter(store *storage.Store, logger *zap.Logger) *SQLiteExporter {
	return &SQLiteExporter{
		store:  store,
		logger: logger.With(zap.String("component", "span_exporter")),
	}
}

// SetMetrics attaches batch outcome recording. Call before the exporter
// is registered with a span processor.
func (e *SQLiteExporter) SetMetrics(m Metrics) {
	e.metrics = m
}

// ExportSpans writes a batch of spans. Always returns nil; the SDK
// retries nothing and a poisoned batch would otherwise wedge the queue.
func (e *SQLiteExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	rows := make([]storage.SpanRow, 0, len(spans))
	for _, span := range spans {
		rows = append(rows, e.toRow(span))
	}

	// Batches race checkpoint writes for the single SQLite writer; the
	// transaction wrapper retries transient lock errors.
	err := e.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trace_id"}, {Name: "span_id"}},
			UpdateAll: true,
		}).Create(&rows).Error
	})
	if err != nil {
		e.logger.Error("span export failed",
			zap.Int("batch_size", len(rows)),
			zap.Error(err),
		)
		e.recordBatch(len(rows), true)
		return nil
	}

	e.logger.Debug("spans exported", zap.Int("batch_size", len(rows)))
	e.recordBatch(len(rows), false)
	return nil
}

func (e *SQLiteExporter) toRow(span sdktrace.ReadOnlySpan) storage.SpanRow {
	sc := span.SpanContext()

	attrs := make(map[string]any, len(span.Attributes())+2)
	threadID := ""
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
		if string(kv.Key) == attrThreadID {
			threadID = kv.Value.AsString()
		}
	}

	// Surface span status inside the attributes blob so readers can
	// classify node outcomes without a separate status column.
	switch span.Status().Code {
	case codes.Error:
		attrs["status"] = "error"
		attrs["status_description"] = span.Status().Description
	case codes.Ok:
		attrs["status"] = "ok"
	default:
		attrs["status"] = "unset"
	}

	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		e.logger.Warn("span attributes not JSON-representable",
			zap.String("span", span.Name()))
		attrJSON = []byte("{}")
	}

	var parent *string
	if span.Parent().HasSpanID() {
		p := span.Parent().SpanID().String()
		parent = &p
	}

	return storage.SpanRow{
		TraceID:      sc.TraceID().String(),
		SpanID:       sc.SpanID().String(),
		ParentSpanID: parent,
		Name:         span.Name(),
		Attributes:   string(attrJSON),
		StartTime:    span.StartTime(),
		EndTime:      span.EndTime(),
		ThreadID:     threadID,
	}
}

func (e *SQLiteExporter) recordBatch(spans int, failed bool) {
	if e.metrics != nil {
		e.metrics.RecordSpanExport(spans, failed)
	}
}

// Shutdown implements sdktrace.SpanExporter. The store is owned by the
// caller and closed separately.
func (e *SQLiteExporter) Shutdown(ctx context.Context) error {
	return nil
}
