// Package graph reconstructs a navigable execution graph for one thread
// by joining its checkpoint log and its recorded spans, and computes
// structural diffs between checkpoint states.
package graph

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/certainly-param/tracelens/checkpoint"
	"github.com/certainly-param/tracelens/storage"
	"github.com/certainly-param/tracelens/tracing"
)

// NodeStatus classifies a graph node's execution outcome.
type NodeStatus string

const (
	StatusActive    NodeStatus = "active"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
)

// Node is one executed unit in the reconstructed graph.
type Node struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Kind       string     `json:"kind"` // "node" or "tool"
	Status     NodeStatus `json:"status"`
	Timestamp  time.Time  `json:"timestamp"`
	DurationMS float64    `json:"duration_ms"`
}

// Edge connects two nodes.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
}

// Metadata summarizes the thread behind a graph.
type Metadata struct {
	ThreadID        string     `json:"thread_id"`
	FirstCheckpoint *time.Time `json:"first_checkpoint"`
	LastCheckpoint  *time.Time `json:"last_checkpoint"`
	CheckpointCount int        `json:"checkpoint_count"`
	SpanCount       int        `json:"span_count"`
}

// Graph is a reconstructed thread execution.
type Graph struct {
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Metadata Metadata `json:"metadata"`
}

// Builder reconstructs graphs from persisted data.
type Builder struct {
	store  *storage.Store
	log    *checkpoint.Log
	logger *zap.Logger
}

// NewBuilder creates a graph builder.
func NewBuilder(store *storage.Store, log *checkpoint.Log, logger *zap.Logger) *Builder {
	return &Builder{
		store:  store,
		log:    log,
		logger: logger.With(zap.String("component", "graph_builder")),
	}
}

// Build reconstructs the execution graph for a thread. An unknown or
// empty thread yields an empty graph, not an error.
func (b *Builder) Build(ctx context.Context, threadID string) (*Graph, error) {
	var (
		checkpoints []*checkpoint.Tuple
		spans       []tracing.Record
	)

	// The two lineages are independent; fetch them concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		checkpoints, err = b.log.ListAll(gctx, threadID)
		return err
	})
	g.Go(func() error {
		var err error
		spans, err = tracing.ListSpans(gctx, b.store, threadID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	graph := &Graph{
		Nodes: []Node{},
		Edges: []Edge{},
		Metadata: Metadata{
			ThreadID:        threadID,
			CheckpointCount: len(checkpoints),
			SpanCount:       len(spans),
		},
	}

	if len(checkpoints) > 0 {
		// List returns newest first.
		first := checkpoints[len(checkpoints)-1].CreatedAt
		last := checkpoints[0].CreatedAt
		graph.Metadata.FirstCheckpoint = &first
		graph.Metadata.LastCheckpoint = &last
	}

	// spans arrive ordered by start_time ascending; ties keep input order.
	var nodeSpans []tracing.Record
	nodeSpanIDs := make(map[string]bool)
	for _, span := range spans {
		if strings.HasPrefix(span.Name, tracing.NodeSpanPrefix) {
			nodeSpans = append(nodeSpans, span)
			nodeSpanIDs[span.SpanID] = true
			graph.Nodes = append(graph.Nodes, toNode(span, "node", tracing.NodeSpanPrefix))
		}
	}

	// Tool spans qualify only when parented by a tracked node span;
	// orphans are dropped silently.
	var toolEdges []Edge
	for _, span := range spans {
		if !strings.HasPrefix(span.Name, tracing.ToolSpanPrefix) {
			continue
		}
		if span.ParentSpanID == nil || !nodeSpanIDs[*span.ParentSpanID] {
			continue
		}
		graph.Nodes = append(graph.Nodes, toNode(span, "tool", tracing.ToolSpanPrefix))
		toolEdges = append(toolEdges, Edge{
			Source: *span.ParentSpanID,
			Target: span.SpanID,
			Label:  strings.TrimPrefix(span.Name, tracing.ToolSpanPrefix),
		})
	}

	seen := make(map[[2]string]bool)
	addEdge := func(e Edge) {
		key := [2]string{e.Source, e.Target}
		if seen[key] {
			return
		}
		seen[key] = true
		graph.Edges = append(graph.Edges, e)
	}

	for i := 1; i < len(nodeSpans); i++ {
		addEdge(Edge{
			Source: nodeSpans[i-1].SpanID,
			Target: nodeSpans[i].SpanID,
			Label:  "execution",
		})
	}
	for _, e := range toolEdges {
		addEdge(e)
	}

	b.logger.Debug("graph built",
		zap.String("thread_id", threadID),
		zap.Int("nodes", len(graph.Nodes)),
		zap.Int("edges", len(graph.Edges)),
	)
	return graph, nil
}

func toNode(span tracing.Record, kind, prefix string) Node {
	status := StatusCompleted
	if span.EndTime.IsZero() || span.EndTime.Before(span.StartTime) {
		status = StatusActive
	} else if s, ok := span.Attributes["status"].(string); ok && s == "error" {
		status = StatusFailed
	}

	var durationMS float64
	if status != StatusActive {
		durationMS = float64(span.EndTime.Sub(span.StartTime).Microseconds()) / 1000.0
	}

	return Node{
		ID:         span.SpanID,
		Label:      strings.TrimPrefix(span.Name, prefix),
		Kind:       kind,
		Status:     status,
		Timestamp:  span.StartTime,
		DurationMS: durationMS,
	}
}
