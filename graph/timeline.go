package graph

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/certainly-param/tracelens/checkpoint"
	"github.com/certainly-param/tracelens/tracing"
)

// TimelineEvent is one entry in a thread's merged history.
type TimelineEvent struct {
	Kind      string         `json:"kind"` // "checkpoint" or "span"
	Timestamp time.Time      `json:"timestamp"`
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Timeline merges a thread's checkpoints and spans into a single event
// stream ordered by timestamp. Ties keep checkpoints before spans.
func (b *Builder) Timeline(ctx context.Context, threadID string) ([]TimelineEvent, error) {
	checkpoints, err := b.log.ListAll(ctx, threadID)
	if err != nil {
		return nil, err
	}
	spans, err := tracing.ListSpans(ctx, b.store, threadID)
	if err != nil {
		return nil, err
	}

	events := make([]TimelineEvent, 0, len(checkpoints)+len(spans))
	for _, cp := range checkpoints {
		summary := checkpoint.Summarize(cp.State)
		events = append(events, TimelineEvent{
			Kind:      "checkpoint",
			Timestamp: cp.CreatedAt,
			ID:        cp.CheckpointID,
			Label:     "checkpoint",
			Detail: map[string]any{
				"parent_checkpoint_id": cp.ParentCheckpointID,
				"state_keys":           summary.Keys,
			},
		})
	}
	for _, span := range spans {
		label := span.Name
		switch {
		case strings.HasPrefix(span.Name, tracing.NodeSpanPrefix):
			label = strings.TrimPrefix(span.Name, tracing.NodeSpanPrefix)
		case strings.HasPrefix(span.Name, tracing.ToolSpanPrefix):
			label = strings.TrimPrefix(span.Name, tracing.ToolSpanPrefix)
		}
		events = append(events, TimelineEvent{
			Kind:      "span",
			Timestamp: span.StartTime,
			ID:        span.SpanID,
			Label:     label,
			Detail: map[string]any{
				"name":   span.Name,
				"status": span.Attributes["status"],
			},
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	return events, nil
}
