package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/certainly-param/tracelens/checkpoint"
	"github.com/certainly-param/tracelens/graph"
	"github.com/certainly-param/tracelens/storage"
	"github.com/certainly-param/tracelens/tracing"
	"github.com/certainly-param/tracelens/types"
)

// RunsHandler serves the read side of the API: run listings, graphs,
// checkpoints, spans, timelines and diffs. All endpoints are idempotent.
type RunsHandler struct {
	store   *storage.Store
	log     *checkpoint.Log
	builder *graph.Builder
	logger  *zap.Logger
}

// NewRunsHandler creates the read handler.
func NewRunsHandler(store *storage.Store, log *checkpoint.Log, builder *graph.Builder, logger *zap.Logger) *RunsHandler {
	return &RunsHandler{
		store:   store,
		log:     log,
		builder: builder,
		logger:  logger.With(zap.String("component", "runs_handler")),
	}
}

// checkpointView is a listing entry: metadata plus a state summary
// instead of the full payload.
type checkpointView struct {
	CheckpointID       string                  `json:"checkpoint_id"`
	CheckpointNS       string                  `json:"checkpoint_ns"`
	ParentCheckpointID *string                 `json:"parent_checkpoint_id"`
	Metadata           map[string]any          `json:"metadata"`
	CreatedAt          time.Time               `json:"created_at"`
	StateSummary       checkpoint.StateSummary `json:"state_summary"`
}

// HandleListRuns serves GET /api/v1/runs.
func (h *RunsHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)

	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	WriteSuccess(w, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// HandleGraph serves GET /api/v1/runs/{thread_id}/graph.
func (h *RunsHandler) HandleGraph(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	g, err := h.builder.Build(r.Context(), threadID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	WriteSuccess(w, g)
}

// HandleListCheckpoints serves GET /api/v1/runs/{thread_id}/checkpoints.
// Query params: before (RFC3339), limit.
func (h *RunsHandler) HandleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	opts := checkpoint.ListOptions{Limit: parseLimit(r, 0)}
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		before, err := time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"before must be an RFC3339 timestamp", h.logger)
			return
		}
		opts.Before = &before
	}

	tuples, err := h.log.List(r.Context(), threadID, opts)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	views := make([]checkpointView, 0, len(tuples))
	for _, t := range tuples {
		views = append(views, checkpointView{
			CheckpointID:       t.CheckpointID,
			CheckpointNS:       t.CheckpointNS,
			ParentCheckpointID: t.ParentCheckpointID,
			Metadata:           t.Metadata,
			CreatedAt:          t.CreatedAt,
			StateSummary:       checkpoint.Summarize(t.State),
		})
	}

	WriteSuccess(w, map[string]any{
		"thread_id":   threadID,
		"checkpoints": views,
		"count":       len(views),
	})
}

// HandleGetCheckpoint serves GET
// /api/v1/runs/{thread_id}/checkpoints/{checkpoint_id}, with full state.
func (h *RunsHandler) HandleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	checkpointID := r.PathValue("checkpoint_id")

	tuple, err := h.log.Get(r.Context(), threadID, checkpointID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	WriteSuccess(w, tuple)
}

// HandleSpans serves GET /api/v1/runs/{thread_id}/spans.
func (h *RunsHandler) HandleSpans(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	spans, err := tracing.ListSpans(r.Context(), h.store, threadID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	WriteSuccess(w, map[string]any{
		"thread_id": threadID,
		"spans":     spans,
		"count":     len(spans),
	})
}

// HandleTimeline serves GET /api/v1/runs/{thread_id}/timeline.
func (h *RunsHandler) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	events, err := h.builder.Timeline(r.Context(), threadID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	WriteSuccess(w, map[string]any{
		"thread_id": threadID,
		"events":    events,
		"count":     len(events),
	})
}

// HandleDiff serves GET
// /api/v1/runs/{thread_id}/checkpoints/{checkpoint_id}/diff?compare_to=<id>.
// The named checkpoint is the "old" side, compare_to the "new" side.
func (h *RunsHandler) HandleDiff(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	checkpointID := r.PathValue("checkpoint_id")
	compareTo := r.URL.Query().Get("compare_to")

	if compareTo == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"compare_to query parameter is required", h.logger)
		return
	}

	a, err := h.log.Get(r.Context(), threadID, checkpointID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	b, err := h.log.Get(r.Context(), threadID, compareTo)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	WriteSuccess(w, map[string]any{
		"thread_id":    threadID,
		"checkpoint_a": checkpointID,
		"checkpoint_b": compareTo,
		"diff":         graph.Diff(a.State, b.State),
	})
}

func (h *RunsHandler) writeErr(w http.ResponseWriter, err error) {
	var apiErr *types.Error
	if errors.As(err, &apiErr) {
		WriteError(w, apiErr, h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, "internal error").WithCause(err), h.logger)
}

func parseLimit(r *http.Request, def int) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
