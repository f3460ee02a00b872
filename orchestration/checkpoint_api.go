package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/praxisworks/praxis/core"
	"github.com/praxisworks/praxis/telemetry"
)

// =============================================================================
// CheckpointAPI - HTTP API for Checkpoint Resolution
// =============================================================================
//
// CheckpointAPI exposes the checkpoint coordinator over HTTP:
//   - GET  /api/checkpoints                 - List pending checkpoints
//   - GET  /api/checkpoints/{id}            - Get checkpoint details
//   - POST /api/checkpoints/{id}/approve    - Approve a pending checkpoint
//   - POST /api/checkpoints/{id}/reject     - Reject a pending checkpoint
//   - POST /api/checkpoints/{id}/resolve    - Resolve a typed checkpoint
//
// This is the engine's reference surface. Applications embedding the engine
// can mount it on their own mux or implement custom handlers against the
// CheckpointController interface.
//
// Usage:
//
//	api := NewCheckpointAPI(coordinator, WithCheckpointAPILogger(logger))
//	api.RegisterRoutes(mux)
//
// =============================================================================

// CheckpointController is the decision surface the API exposes. It is
// implemented by CheckpointCoordinator.
type CheckpointController interface {
	// Approve resolves a pending checkpoint with an approval.
	Approve(ctx context.Context, checkpointID, userID, feedback string) (*CheckpointRecord, error)

	// Reject resolves a pending checkpoint with a rejection. The gated step
	// and its task fail.
	Reject(ctx context.Context, checkpointID, userID, reason string) (*CheckpointRecord, error)

	// Resolve applies a typed resolution payload (input, modify, select, qa).
	Resolve(ctx context.Context, checkpointID, userID string, res Resolution) (*CheckpointRecord, error)

	// ListPending returns pending checkpoints matching the filter.
	ListPending(ctx context.Context, filter CheckpointFilter) ([]*CheckpointRecord, error)

	// GetCheckpoint returns one record or core.ErrCheckpointNotFound.
	GetCheckpoint(ctx context.Context, checkpointID string) (*CheckpointRecord, error)
}

var _ CheckpointController = (*CheckpointCoordinator)(nil)

// CheckpointAPI provides the HTTP surface for checkpoint decisions.
type CheckpointAPI struct {
	controller CheckpointController
	logger     core.Logger
}

// NewCheckpointAPI creates the checkpoint HTTP handler.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewCheckpointAPI(controller CheckpointController, opts ...CheckpointAPIOption) *CheckpointAPI {
	a := &CheckpointAPI{
		controller: controller,
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CheckpointAPIOption configures optional dependencies for CheckpointAPI.
type CheckpointAPIOption func(*CheckpointAPI)

// WithCheckpointAPILogger sets the logger for the checkpoint API.
func WithCheckpointAPILogger(logger core.Logger) CheckpointAPIOption {
	return func(a *CheckpointAPI) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			a.logger = cal.WithComponent("praxis/orchestration")
		} else {
			a.logger = logger
		}
	}
}

// -----------------------------------------------------------------------------
// HTTP Handlers
// -----------------------------------------------------------------------------

// DecisionRequest is the body accepted by the approve, reject and resolve
// endpoints. UserID names the decider; the remaining fields apply per
// endpoint.
type DecisionRequest struct {
	UserID   string `json:"user_id"`
	Feedback string `json:"feedback,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Resolution carries the typed payload for the resolve endpoint.
	Resolution *Resolution `json:"resolution,omitempty"`
}

// ListCheckpointsResponse is the response for the list endpoint.
type ListCheckpointsResponse struct {
	Checkpoints []*CheckpointRecord `json:"checkpoints"`
	Count       int                 `json:"count"`
}

// ErrorResponse is the JSON error body returned by every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HandleListCheckpoints returns pending checkpoints awaiting a decision.
//
// Method: GET
// Path: /api/checkpoints
// Query Parameters:
//   - user_id (optional): Filter by task owner
//   - task_id (optional): Filter by task
//
// Responses:
//   - 200 OK: List of pending checkpoints, oldest first
//   - 500 Internal Server Error: Storage error
func (a *CheckpointAPI) HandleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}

	filter := CheckpointFilter{
		UserID: r.URL.Query().Get("user_id"),
		TaskID: r.URL.Query().Get("task_id"),
	}

	telemetry.AddSpanEvent(ctx, "checkpoint.api.list",
		attribute.String("user_id", filter.UserID),
		attribute.String("task_id", filter.TaskID),
	)

	records, err := a.controller.ListPending(ctx, filter)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		if a.logger != nil {
			a.logger.ErrorWithContext(ctx, "Failed to list checkpoints", map[string]interface{}{
				"operation": "checkpoint_api_list",
				"error":     err.Error(),
			})
		}
		a.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list checkpoints: %s", err.Error()))
		return
	}

	a.writeJSON(w, http.StatusOK, &ListCheckpointsResponse{
		Checkpoints: records,
		Count:       len(records),
	})
}

// HandleCheckpoint dispatches /api/checkpoints/{id} and
// /api/checkpoints/{id}/{action} requests.
//
// GET /api/checkpoints/{id} returns the record. POST with an action of
// approve, reject or resolve applies the decision.
//
// Responses:
//   - 200 OK: Record (GET) or resolved record (POST)
//   - 400 Bad Request: Invalid body or resolution payload
//   - 404 Not Found: Checkpoint not found
//   - 409 Conflict: Checkpoint already decided
//   - 500 Internal Server Error: Processing error
func (a *CheckpointAPI) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	// Expects /api/checkpoints/{id} or /api/checkpoints/{id}/{action}.
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/checkpoints"), "/")
	if rest == "" {
		a.writeError(w, http.StatusBadRequest, "checkpoint id is required in path")
		return
	}
	parts := strings.Split(rest, "/")
	checkpointID := parts[0]

	if len(parts) == 1 {
		a.handleGet(w, r, checkpointID)
		return
	}
	if len(parts) == 2 {
		a.handleDecision(w, r, checkpointID, parts[1])
		return
	}
	a.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path))
}

func (a *CheckpointAPI) handleGet(w http.ResponseWriter, r *http.Request, checkpointID string) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}

	telemetry.AddSpanEvent(ctx, "checkpoint.api.get",
		attribute.String("checkpoint_id", checkpointID),
	)

	record, err := a.controller.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		a.writeDecisionError(ctx, w, "checkpoint_api_get", checkpointID, err)
		return
	}
	a.writeJSON(w, http.StatusOK, record)
}

func (a *CheckpointAPI) handleDecision(w http.ResponseWriter, r *http.Request, checkpointID, action string) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.RecordSpanError(ctx, err)
		if a.logger != nil {
			a.logger.WarnWithContext(ctx, "Failed to decode decision request", map[string]interface{}{
				"operation":     "checkpoint_api_decide",
				"checkpoint_id": checkpointID,
				"error":         err.Error(),
			})
		}
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	telemetry.AddSpanEvent(ctx, "checkpoint.api.decision.received",
		attribute.String("checkpoint_id", checkpointID),
		attribute.String("action", action),
		attribute.String("user_id", req.UserID),
	)

	if a.logger != nil {
		a.logger.InfoWithContext(ctx, "Processing checkpoint decision", map[string]interface{}{
			"operation":     "checkpoint_api_decide",
			"checkpoint_id": checkpointID,
			"action":        action,
			"user_id":       req.UserID,
		})
	}

	var record *CheckpointRecord
	var err error
	switch action {
	case "approve":
		record, err = a.controller.Approve(ctx, checkpointID, req.UserID, req.Feedback)
	case "reject":
		record, err = a.controller.Reject(ctx, checkpointID, req.UserID, req.Reason)
	case "resolve":
		if req.Resolution == nil {
			a.writeError(w, http.StatusBadRequest, "resolution is required")
			return
		}
		record, err = a.controller.Resolve(ctx, checkpointID, req.UserID, *req.Resolution)
	default:
		a.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		a.writeDecisionError(ctx, w, "checkpoint_api_decide", checkpointID, err)
		return
	}

	telemetry.AddSpanEvent(ctx, "checkpoint.api.decision.processed",
		attribute.String("checkpoint_id", checkpointID),
		attribute.String("action", action),
		attribute.String("status", string(record.Status)),
	)

	if a.logger != nil {
		a.logger.InfoWithContext(ctx, "Checkpoint decision processed", map[string]interface{}{
			"operation":     "checkpoint_api_decide_complete",
			"checkpoint_id": checkpointID,
			"action":        action,
			"status":        record.Status,
		})
	}

	a.writeJSON(w, http.StatusOK, record)
}

// writeDecisionError maps coordinator errors onto HTTP statuses. Validation
// failures keep the checkpoint pending, so they return 400 rather than 409.
func (a *CheckpointAPI) writeDecisionError(ctx context.Context, w http.ResponseWriter, operation, checkpointID string, err error) {
	telemetry.RecordSpanError(ctx, err)

	switch {
	case errors.Is(err, core.ErrCheckpointNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
		return
	case IsCheckpointDecided(err):
		a.writeError(w, http.StatusConflict, err.Error())
		return
	case IsInvalidResolution(err):
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if a.logger != nil {
		a.logger.ErrorWithContext(ctx, "Checkpoint decision failed", map[string]interface{}{
			"operation":     operation,
			"checkpoint_id": checkpointID,
			"error":         err.Error(),
		})
	}
	a.writeError(w, http.StatusInternalServerError, err.Error())
}

// -----------------------------------------------------------------------------
// Helper Methods
// -----------------------------------------------------------------------------

// writeJSON writes a JSON response with the given status code.
func (a *CheckpointAPI) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent; nothing to do but log.
		if a.logger != nil {
			a.logger.ErrorWithContext(context.Background(), "Failed to encode response", map[string]interface{}{
				"operation": "checkpoint_api_response",
				"error":     err.Error(),
			})
		}
	}
}

// writeError writes a JSON error response.
func (a *CheckpointAPI) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Error intentionally ignored - already in the error handling path.
	_ = json.NewEncoder(w).Encode(&ErrorResponse{
		Error: message,
		Code:  http.StatusText(status),
	})
}

// -----------------------------------------------------------------------------
// Convenience Registration
// -----------------------------------------------------------------------------

// RegisterRoutes registers the checkpoint handlers with the given ServeMux.
//
// Registered routes:
//   - GET  /api/checkpoints
//   - GET  /api/checkpoints/{id}
//   - POST /api/checkpoints/{id}/approve
//   - POST /api/checkpoints/{id}/reject
//   - POST /api/checkpoints/{id}/resolve
func (a *CheckpointAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/checkpoints", a.HandleListCheckpoints)
	// Prefix matching covers /api/checkpoints/{id} and {id}/{action}.
	mux.HandleFunc("/api/checkpoints/", a.HandleCheckpoint)
}
