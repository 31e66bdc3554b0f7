// Package fork implements history interventions: resuming from a
// historical checkpoint, branching into a named parallel thread, and
// in-place state correction. Resume and branch never mutate the source
// thread; they seed a new chain root under a new thread id.
package fork

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/certainly-param/tracelens/checkpoint"
	"github.com/certainly-param/tracelens/types"
)

// Engine performs fork operations over a checkpoint log.
type Engine struct {
	log     *checkpoint.Log
	audit   *auditLogger
	metrics Metrics
	logger  *zap.Logger
}

// Metrics receives operation outcomes. A nil Metrics disables recording.
type Metrics interface {
	RecordForkOperation(operation, status string)
}

// NewEngine creates a fork engine.
func NewEngine(log *checkpoint.Log, logger *zap.Logger) *Engine {
	return &Engine{
		log:    log,
		audit:  newAuditLogger(logger),
		logger: logger.With(zap.String("component", "fork_engine")),
	}
}

// SetMetrics attaches operation outcome recording.
func (e *Engine) SetMetrics(m Metrics) {
	e.metrics = m
}

func (e *Engine) recordOp(operation string, err error) {
	if e.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordForkOperation(operation, status)
}

// ResumeRequest resumes execution from a historical checkpoint.
type ResumeRequest struct {
	ThreadID      string
	CheckpointID  string
	Modifications types.State // optional shallow overlay
	Origin        checkpoint.Origin
}

// BranchRequest creates a named parallel exploration from a checkpoint.
type BranchRequest struct {
	ThreadID      string
	CheckpointID  string
	BranchName    string // optional; generated when empty
	Modifications types.State
	Origin        checkpoint.Origin
}

// UpdateStateRequest replaces a checkpoint's state in the same thread.
type UpdateStateRequest struct {
	ThreadID     string
	CheckpointID string
	NewState     types.State
	Description  string
	Origin       checkpoint.Origin
}

// Result describes the outcome of a fork operation.
type Result struct {
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id"`
	Message      string `json:"message"`
}

// Resume seeds a new thread from a historical checkpoint, optionally
// overlaying modifications. The source thread is untouched.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) (res *Result, err error) {
	defer func() { e.recordOp("resume", err) }()
	state, err := e.loadSourceState(ctx, req.ThreadID, req.CheckpointID, req.Modifications, req.Origin)
	if err != nil {
		return nil, err
	}

	newThreadID := fmt.Sprintf("%s_resume_%s", req.ThreadID, shortID())
	newCheckpointID := req.CheckpointID + "_resume_start"

	metadata := map[string]any{
		"source":                  "resume",
		"resumed_from_thread":     req.ThreadID,
		"resumed_from_checkpoint": req.CheckpointID,
		"modifications_applied":   len(req.Modifications) > 0,
		"resumed_at":              time.Now().UTC().Format(time.RFC3339),
	}

	if err := e.appendRoot(ctx, newThreadID, newCheckpointID, state, metadata, req.Origin); err != nil {
		return nil, err
	}

	e.audit.record(auditEvent{
		Operation:          "resume",
		SourceThreadID:     req.ThreadID,
		SourceCheckpointID: req.CheckpointID,
		ResultThreadID:     newThreadID,
		ResultCheckpointID: newCheckpointID,
	})

	return &Result{
		ThreadID:     newThreadID,
		CheckpointID: newCheckpointID,
		Message:      fmt.Sprintf("resumed from checkpoint %s into thread %s", req.CheckpointID, newThreadID),
	}, nil
}

// Branch seeds a named parallel thread from a historical checkpoint.
func (e *Engine) Branch(ctx context.Context, req BranchRequest) (res *Result, err error) {
	defer func() { e.recordOp("branch", err) }()
	branchName := req.BranchName
	if branchName == "" {
		branchName = "branch_" + shortID()
	}
	if err := validateBranchName(branchName); err != nil {
		return nil, err
	}

	state, err := e.loadSourceState(ctx, req.ThreadID, req.CheckpointID, req.Modifications, req.Origin)
	if err != nil {
		return nil, err
	}

	newThreadID := fmt.Sprintf("%s_%s", req.ThreadID, branchName)
	newCheckpointID := req.CheckpointID + "_branch_start"

	metadata := map[string]any{
		"source":                   "branch",
		"branch_name":              branchName,
		"branched_from_thread":     req.ThreadID,
		"branched_from_checkpoint": req.CheckpointID,
		"modifications_applied":    len(req.Modifications) > 0,
		"branched_at":              time.Now().UTC().Format(time.RFC3339),
	}

	if err := e.appendRoot(ctx, newThreadID, newCheckpointID, state, metadata, req.Origin); err != nil {
		return nil, err
	}

	e.audit.record(auditEvent{
		Operation:          "branch",
		SourceThreadID:     req.ThreadID,
		SourceCheckpointID: req.CheckpointID,
		ResultThreadID:     newThreadID,
		ResultCheckpointID: newCheckpointID,
		Description:        branchName,
	})

	return &Result{
		ThreadID:     newThreadID,
		CheckpointID: newCheckpointID,
		Message:      fmt.Sprintf("branched %q from checkpoint %s into thread %s", branchName, req.CheckpointID, newThreadID),
	}, nil
}

// UpdateState appends a corrected checkpoint in the SAME thread, with the
// source checkpoint as parent. The new state replaces the old wholesale.
func (e *Engine) UpdateState(ctx context.Context, req UpdateStateRequest) (res *Result, err error) {
	defer func() { e.recordOp("update_state", err) }()
	if req.NewState == nil {
		return nil, types.NewError(types.ErrValidation, "new state cannot be nil")
	}
	if req.Origin == checkpoint.OriginNetwork {
		if err := req.NewState.ValidateStructured(); err != nil {
			return nil, err
		}
	}

	// Verify the source exists before minting the replacement id.
	if _, err := e.log.Get(ctx, req.ThreadID, req.CheckpointID); err != nil {
		return nil, err
	}

	newCheckpointID := fmt.Sprintf("%s_modified_%s", req.CheckpointID, shortID())
	parent := req.CheckpointID

	metadata := map[string]any{
		"source":        "update_state",
		"modified_from": req.CheckpointID,
		"modified_at":   time.Now().UTC().Format(time.RFC3339),
	}
	if req.Description != "" {
		metadata["description"] = req.Description
	}

	err = e.log.Put(ctx, checkpoint.PutRequest{
		ThreadID:           req.ThreadID,
		CheckpointID:       newCheckpointID,
		State:              req.NewState.Clone(),
		ParentCheckpointID: &parent,
		Metadata:           metadata,
		Origin:             req.Origin,
	})
	if err != nil {
		return nil, err
	}

	e.audit.record(auditEvent{
		Operation:          "update_state",
		SourceThreadID:     req.ThreadID,
		SourceCheckpointID: req.CheckpointID,
		ResultThreadID:     req.ThreadID,
		ResultCheckpointID: newCheckpointID,
		Description:        req.Description,
	})

	return &Result{
		ThreadID:     req.ThreadID,
		CheckpointID: newCheckpointID,
		Message:      fmt.Sprintf("state updated, new checkpoint %s", newCheckpointID),
	}, nil
}

// loadSourceState fetches the source checkpoint and applies the overlay.
// Overlay keys replace source keys wholesale; there is no deep merge.
func (e *Engine) loadSourceState(ctx context.Context, threadID, checkpointID string, mods types.State, origin checkpoint.Origin) (types.State, error) {
	if origin == checkpoint.OriginNetwork && mods != nil {
		if err := mods.ValidateStructured(); err != nil {
			return nil, err
		}
	}

	tuple, err := e.log.Get(ctx, threadID, checkpointID)
	if err != nil {
		return nil, err
	}

	state := tuple.State.Clone()
	if len(mods) > 0 {
		state = state.Merge(mods)
	}
	return state, nil
}

// appendRoot writes a new chain root: parent checkpoint id is nil.
func (e *Engine) appendRoot(ctx context.Context, threadID, checkpointID string, state types.State, metadata map[string]any, origin checkpoint.Origin) error {
	return e.log.Put(ctx, checkpoint.PutRequest{
		ThreadID:           threadID,
		CheckpointID:       checkpointID,
		State:              state,
		ParentCheckpointID: nil,
		Metadata:           metadata,
		Origin:             origin,
	})
}

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

func validateBranchName(name string) error {
	if len(name) > 64 {
		return types.NewError(types.ErrValidation, "branch name exceeds 64 characters")
	}
	if !branchNamePattern.MatchString(name) {
		return types.NewError(types.ErrValidation, "branch name may only contain letters, digits, underscores and hyphens")
	}
	return nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
