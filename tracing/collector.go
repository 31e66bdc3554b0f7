// Package tracing instruments agent node and tool executions as OTel
// spans and persists them through a SQLite-backed span exporter. Spans
// are correlated to checkpoints only by thread_id.
package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/certainly-param/tracelens/storage"
	"github.com/certainly-param/tracelens/types"
)

const (
	// Span name prefixes. Graph reconstruction keys off these.
	NodeSpanPrefix = "agent.node."
	ToolSpanPrefix = "agent.tool."

	attrThreadID = "thread_id"
	attrNodeName = "agent.node_name"
	attrToolName = "agent.tool_name"

	// maxAttrValueLen truncates tool input/output attributes.
	maxAttrValueLen = 2048
)

// Collector opens instrumentation spans around node and tool executions.
type Collector struct {
	tracer trace.Tracer
	logger *zap.Logger
}

// NewCollector creates a collector over a tracer.
func NewCollector(tracer trace.Tracer, logger *zap.Logger) *Collector {
	return &Collector{
		tracer: tracer,
		logger: logger.With(zap.String("component", "trace_collector")),
	}
}

// Unit is one in-flight instrumented execution. End must be called on
// every exit path.
type Unit struct {
	span trace.Span
}

// StartNode opens a span for a graph node execution.
func (c *Collector) StartNode(ctx context.Context, nodeName, threadID string) (context.Context, *Unit) {
	ctx, span := c.tracer.Start(ctx, NodeSpanPrefix+nodeName,
		trace.WithAttributes(
			attribute.String(attrThreadID, threadID),
			attribute.String(attrNodeName, nodeName),
		),
	)
	return ctx, &Unit{span: span}
}

// StartTool opens a span for a tool invocation. Tool spans nest under
// the calling node's span through ctx.
func (c *Collector) StartTool(ctx context.Context, toolName, threadID string) (context.Context, *Unit) {
	ctx, span := c.tracer.Start(ctx, ToolSpanPrefix+toolName,
		trace.WithAttributes(
			attribute.String(attrThreadID, threadID),
			attribute.String(attrToolName, toolName),
		),
	)
	return ctx, &Unit{span: span}
}

// End closes the span. A non-nil err records error status and the error
// message; nil records ok.
func (u *Unit) End(err error) {
	if err != nil {
		u.span.SetStatus(codes.Error, err.Error())
		u.span.RecordError(err)
	} else {
		u.span.SetStatus(codes.Ok, "")
	}
	u.span.End()
}

// SetAttr sets a string attribute, truncating oversized values.
func (u *Unit) SetAttr(key, value string) {
	u.span.SetAttributes(attribute.String(key, truncate(value)))
}

// SetStateSnapshot records a compact view of the state at this point:
// sorted key list, not values.
func (u *Unit) SetStateSnapshot(state types.State) {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	u.span.SetAttributes(attribute.StringSlice("agent.state_keys", keys))
}

// SetToolIO records tool input and output as truncated attributes.
func (u *Unit) SetToolIO(input, output any) {
	u.span.SetAttributes(
		attribute.String("agent.tool_input", truncate(stringify(input))),
		attribute.String("agent.tool_output", truncate(stringify(output))),
	)
}

func truncate(s string) string {
	if len(s) > maxAttrValueLen {
		return s[:maxAttrValueLen] + "...(truncated)"
	}
	return s
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Record is a decoded persisted span.
type Record struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id"`
	Name         string         `json:"name"`
	Attributes   map[string]any `json:"attributes"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	ThreadID     string         `json:"thread_id"`
}

// ListSpans returns a thread's spans ordered by start time. Rows with
// unparseable attributes are returned with empty attributes rather than
// dropped.
func ListSpans(ctx context.Context, store *storage.Store, threadID string) ([]Record, error) {
	db, err := store.Conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []storage.SpanRow
	err = db.Where("thread_id = ?", threadID).
		Order("start_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to list spans").WithCause(err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		attrs := map[string]any{}
		if row.Attributes != "" {
			_ = json.Unmarshal([]byte(row.Attributes), &attrs)
		}
		records = append(records, Record{
			TraceID:      row.TraceID,
			SpanID:       row.SpanID,
			ParentSpanID: row.ParentSpanID,
			Name:         row.Name,
			Attributes:   attrs,
			StartTime:    row.StartTime,
			EndTime:      row.EndTime,
			ThreadID:     row.ThreadID,
		})
	}

	return records, nil
}
