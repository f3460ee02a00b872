package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisworks/praxis/core"
)

// ============================================================================
// Fixtures
// ============================================================================

type apiFixture struct {
	*coordFixture
	server *httptest.Server
}

// newAPIFixture mounts the checkpoint API over a real coordinator backed by
// in-memory stores.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newCoordFixture(t)
	mux := http.NewServeMux()
	NewCheckpointAPI(f.coord).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &apiFixture{coordFixture: f, server: server}
}

func (f *apiFixture) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func (f *apiFixture) post(t *testing.T, path string, body interface{}) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, payload
}

func decodeRecord(t *testing.T, body []byte) *CheckpointRecord {
	t.Helper()
	var record CheckpointRecord
	require.NoError(t, json.Unmarshal(body, &record))
	return &record
}

func decodeError(t *testing.T, body []byte) *ErrorResponse {
	t.Helper()
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	return &er
}

// ============================================================================
// Endpoints
// ============================================================================

// TestCheckpointAPIList verifies the list endpoint and its filters.
func TestCheckpointAPIList(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, first := f.gate(t, nil)

	other := gatedTask("user-2", nil)
	require.NoError(t, f.tasks.CreateTask(ctx, other))
	_, proceed, err := f.coord.Evaluate(ctx, other, other.Steps[0])
	require.NoError(t, err)
	require.False(t, proceed)

	status, body := f.get(t, "/api/checkpoints")
	require.Equal(t, http.StatusOK, status)
	var listResp ListCheckpointsResponse
	require.NoError(t, json.Unmarshal(body, &listResp))
	assert.Equal(t, 2, listResp.Count)

	status, body = f.get(t, "/api/checkpoints?user_id=user-2")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &listResp))
	require.Equal(t, 1, listResp.Count)
	assert.Equal(t, other.ID, listResp.Checkpoints[0].TaskID)

	status, body = f.get(t, "/api/checkpoints?task_id="+first.TaskID)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &listResp))
	require.Equal(t, 1, listResp.Count)
	assert.Equal(t, first.ID, listResp.Checkpoints[0].ID)
}

// TestCheckpointAPIGet verifies single-record retrieval and its error cases.
func TestCheckpointAPIGet(t *testing.T) {
	f := newAPIFixture(t)

	_, record := f.gate(t, nil)

	status, body := f.get(t, "/api/checkpoints/"+record.ID)
	require.Equal(t, http.StatusOK, status)
	got := decodeRecord(t, body)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, CheckpointStatusPending, got.Status)

	status, body = f.get(t, "/api/checkpoints/cp-missing")
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Not Found", decodeError(t, body).Code)

	status, body = f.get(t, "/api/checkpoints/")
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, decodeError(t, body).Error, "checkpoint id is required")
}

// TestCheckpointAPIApprove verifies approval over HTTP resumes the task and
// that a second decision conflicts.
func TestCheckpointAPIApprove(t *testing.T) {
	f := newAPIFixture(t)

	task, record := f.gate(t, nil)

	status, body := f.post(t, "/api/checkpoints/"+record.ID+"/approve", DecisionRequest{
		UserID:   "user-1",
		Feedback: "looks right",
	})
	require.Equal(t, http.StatusOK, status)
	got := decodeRecord(t, body)
	assert.Equal(t, CheckpointStatusApproved, got.Status)
	assert.Equal(t, "user-1", got.DecidedBy)
	assert.Equal(t, "looks right", got.Feedback)

	storedTask, storedStep := f.storedStep(t, task.ID)
	assert.Equal(t, core.TaskStatusExecuting, storedTask.Status)
	assert.Equal(t, core.StepStatusPending, storedStep.Status)

	status, body = f.post(t, "/api/checkpoints/"+record.ID+"/approve", DecisionRequest{UserID: "user-2"})
	require.Equal(t, http.StatusConflict, status)
	assert.Contains(t, decodeError(t, body).Error, "already decided")
}

// TestCheckpointAPIReject verifies rejection over HTTP fails the task.
func TestCheckpointAPIReject(t *testing.T) {
	f := newAPIFixture(t)

	task, record := f.gate(t, nil)

	status, body := f.post(t, "/api/checkpoints/"+record.ID+"/reject", DecisionRequest{
		UserID: "user-1",
		Reason: "numbers look off",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, CheckpointStatusRejected, decodeRecord(t, body).Status)

	storedTask, storedStep := f.storedStep(t, task.ID)
	assert.Equal(t, core.TaskStatusFailed, storedTask.Status)
	assert.Equal(t, "Rejected by user: numbers look off", storedStep.Error)
}

// TestCheckpointAPIResolve verifies typed resolution over HTTP, including
// validation failures that keep the checkpoint pending.
func TestCheckpointAPIResolve(t *testing.T) {
	cfg := &core.CheckpointConfig{
		CheckpointType:   core.CheckpointModify,
		ModifiableFields: []string{"tone"},
	}

	t.Run("valid payload", func(t *testing.T) {
		f := newAPIFixture(t)
		task, record := f.gate(t, cfg)

		status, body := f.post(t, "/api/checkpoints/"+record.ID+"/resolve", DecisionRequest{
			UserID:     "user-1",
			Resolution: &Resolution{ModifiedInputs: map[string]interface{}{"tone": "brief"}},
		})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, CheckpointStatusApproved, decodeRecord(t, body).Status)

		_, storedStep := f.storedStep(t, task.ID)
		assert.Equal(t, map[string]interface{}{"tone": "brief"}, storedStep.InputsOverride)
	})

	t.Run("validation failure keeps checkpoint pending", func(t *testing.T) {
		f := newAPIFixture(t)
		_, record := f.gate(t, cfg)

		status, body := f.post(t, "/api/checkpoints/"+record.ID+"/resolve", DecisionRequest{
			UserID:     "user-1",
			Resolution: &Resolution{ModifiedInputs: map[string]interface{}{"audience": "execs"}},
		})
		require.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, decodeError(t, body).Error, "not modifiable")

		stored, err := f.checkpoints.GetCheckpoint(context.Background(), record.ID)
		require.NoError(t, err)
		assert.Equal(t, CheckpointStatusPending, stored.Status)
	})

	t.Run("missing resolution", func(t *testing.T) {
		f := newAPIFixture(t)
		_, record := f.gate(t, cfg)

		status, body := f.post(t, "/api/checkpoints/"+record.ID+"/resolve", DecisionRequest{UserID: "user-1"})
		require.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, decodeError(t, body).Error, "resolution is required")
	})
}

// ============================================================================
// Request validation
// ============================================================================

// TestCheckpointAPIUnknownAction verifies unrecognized actions return 404.
func TestCheckpointAPIUnknownAction(t *testing.T) {
	f := newAPIFixture(t)
	_, record := f.gate(t, nil)

	status, body := f.post(t, "/api/checkpoints/"+record.ID+"/escalate", DecisionRequest{UserID: "user-1"})
	require.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, decodeError(t, body).Error, `unknown action "escalate"`)

	status, body = f.post(t, "/api/checkpoints/"+record.ID+"/approve/extra", DecisionRequest{UserID: "user-1"})
	require.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, decodeError(t, body).Error, "unknown path")
}

// TestCheckpointAPIBadJSON verifies malformed bodies are rejected.
func TestCheckpointAPIBadJSON(t *testing.T) {
	f := newAPIFixture(t)
	_, record := f.gate(t, nil)

	resp, err := http.Post(f.server.URL+"/api/checkpoints/"+record.ID+"/approve", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, body).Error, "invalid JSON")

	stored, err := f.checkpoints.GetCheckpoint(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckpointStatusPending, stored.Status)
}

// TestCheckpointAPIMethodNotAllowed verifies method enforcement per route.
func TestCheckpointAPIMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	_, record := f.gate(t, nil)

	status, _ := f.post(t, "/api/checkpoints", DecisionRequest{})
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	status, _ = f.post(t, "/api/checkpoints/"+record.ID, DecisionRequest{})
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	status, _ = f.get(t, "/api/checkpoints/"+record.ID+"/approve")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}
