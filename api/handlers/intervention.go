package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/certainly-param/tracelens/checkpoint"
	"github.com/certainly-param/tracelens/fork"
	"github.com/certainly-param/tracelens/types"
)

// InterventionHandler serves the write side of the API: update-state,
// resume, branch and pre-write validation. All state arriving here is
// network-originated: structured-only, size-capped.
type InterventionHandler struct {
	engine        *fork.Engine
	maxStateBytes int64
	logger        *zap.Logger
}

// NewInterventionHandler creates the write handler.
func NewInterventionHandler(engine *fork.Engine, maxStateBytes int64, logger *zap.Logger) *InterventionHandler {
	return &InterventionHandler{
		engine:        engine,
		maxStateBytes: maxStateBytes,
		logger:        logger.With(zap.String("component", "intervention_handler")),
	}
}

type updateStateRequest struct {
	State       map[string]any `json:"state"`
	Description string         `json:"description,omitempty"`
}

type resumeRequest struct {
	CheckpointID  string         `json:"checkpoint_id"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

type branchRequest struct {
	CheckpointID  string         `json:"checkpoint_id"`
	BranchName    string         `json:"branch_name,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

type validateRequest struct {
	State map[string]any `json:"state"`
}

// HandleUpdateState serves PUT
// /api/v1/runs/{thread_id}/checkpoints/{checkpoint_id}/state.
func (h *InterventionHandler) HandleUpdateState(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxStateBytes)

	var req updateStateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.State == nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"state is required", h.logger)
		return
	}

	result, err := h.engine.UpdateState(r.Context(), fork.UpdateStateRequest{
		ThreadID:     r.PathValue("thread_id"),
		CheckpointID: r.PathValue("checkpoint_id"),
		NewState:     types.State(req.State),
		Description:  req.Description,
		Origin:       checkpoint.OriginNetwork,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}

	WriteSuccess(w, result)
}

// HandleResume serves POST /api/v1/runs/{thread_id}/resume.
func (h *InterventionHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxStateBytes)

	var req resumeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.CheckpointID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"checkpoint_id is required", h.logger)
		return
	}

	result, err := h.engine.Resume(r.Context(), fork.ResumeRequest{
		ThreadID:      r.PathValue("thread_id"),
		CheckpointID:  req.CheckpointID,
		Modifications: stateOrNil(req.Modifications),
		Origin:        checkpoint.OriginNetwork,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}

	WriteSuccess(w, result)
}

// HandleBranch serves POST /api/v1/runs/{thread_id}/branch.
func (h *InterventionHandler) HandleBranch(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxStateBytes)

	var req branchRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.CheckpointID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"checkpoint_id is required", h.logger)
		return
	}

	result, err := h.engine.Branch(r.Context(), fork.BranchRequest{
		ThreadID:      r.PathValue("thread_id"),
		CheckpointID:  req.CheckpointID,
		BranchName:    req.BranchName,
		Modifications: stateOrNil(req.Modifications),
		Origin:        checkpoint.OriginNetwork,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}

	WriteSuccess(w, result)
}

// HandleValidate serves POST /api/v1/runs/{thread_id}/validate: dry-run
// validation of a state payload without writing anything.
func (h *InterventionHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxStateBytes)

	var req validateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	var errs []string
	var warnings []string

	if req.State == nil {
		errs = append(errs, "state is required")
	} else {
		state := types.State(req.State)
		if err := state.ValidateStructured(); err != nil {
			errs = append(errs, err.Error())
		}
		if step, ok := state["step"].(float64); ok && step < 0 {
			errs = append(errs, "step cannot be negative")
		}
		if len(state) == 0 {
			warnings = append(warnings, "state is empty")
		}
	}

	WriteSuccess(w, map[string]any{
		"valid":    len(errs) == 0,
		"errors":   errs,
		"warnings": warnings,
	})
}

func (h *InterventionHandler) writeErr(w http.ResponseWriter, err error) {
	// Request bodies over the cap trip MaxBytesReader during decode.
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		WriteError(w, types.NewError(types.ErrPayloadTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", h.maxStateBytes)), h.logger)
		return
	}

	var apiErr *types.Error
	if errors.As(err, &apiErr) {
		WriteError(w, apiErr, h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, "internal error").WithCause(err), h.logger)
}

func stateOrNil(m map[string]any) types.State {
	if m == nil {
		return nil
	}
	return types.State(m)
}
