package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/certainly-param/tracelens/checkpoint"
	"github.com/certainly-param/tracelens/config"
	"github.com/certainly-param/tracelens/fork"
	"github.com/certainly-param/tracelens/graph"
	"github.com/certainly-param/tracelens/storage"
	"github.com/certainly-param/tracelens/types"
)

// newTestAPI wires the full read/write API over a temp store and returns
// the routed mux plus the checkpoint log for seeding.
func newTestAPI(t *testing.T) (*http.ServeMux, *checkpoint.Log, *storage.Store) {
	t.Helper()

	cfg := config.DefaultStorageConfig()
	cfg.Path = filepath.Join(t.TempDir(), "api.db")
	cfg.MaxStateBytes = 64 << 10

	store, err := storage.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Init(context.Background()))

	log := checkpoint.NewLog(store, checkpoint.Options{}, zap.NewNop())
	builder := graph.NewBuilder(store, log, zap.NewNop())
	engine := fork.NewEngine(log, zap.NewNop())

	runs := NewRunsHandler(store, log, builder, zap.NewNop())
	intervention := NewInterventionHandler(engine, store.MaxStateBytes(), zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs", runs.HandleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/graph", runs.HandleGraph)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/checkpoints", runs.HandleListCheckpoints)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/checkpoints/{checkpoint_id}", runs.HandleGetCheckpoint)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/checkpoints/{checkpoint_id}/diff", runs.HandleDiff)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/spans", runs.HandleSpans)
	mux.HandleFunc("GET /api/v1/runs/{thread_id}/timeline", runs.HandleTimeline)
	mux.HandleFunc("PUT /api/v1/runs/{thread_id}/checkpoints/{checkpoint_id}/state", intervention.HandleUpdateState)
	mux.HandleFunc("POST /api/v1/runs/{thread_id}/resume", intervention.HandleResume)
	mux.HandleFunc("POST /api/v1/runs/{thread_id}/branch", intervention.HandleBranch)
	mux.HandleFunc("POST /api/v1/runs/{thread_id}/validate", intervention.HandleValidate)

	return mux, log, store
}

func doGet(t *testing.T, mux *http.ServeMux, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func seedAPICheckpoint(t *testing.T, log *checkpoint.Log, threadID, checkpointID string, state types.State, at time.Time) {
	t.Helper()
	require.NoError(t, log.Put(context.Background(), checkpoint.PutRequest{
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		State:        state,
		Origin:       checkpoint.OriginInternal,
		CreatedAt:    at,
	}))
}

func TestListRunsEndpoint(t *testing.T) {
	mux, log, _ := newTestAPI(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedAPICheckpoint(t, log, "run-1", "cp-0", types.State{"step": float64(0)}, base)

	rec, resp := doGet(t, mux, "/api/v1/runs")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(1), data["count"])
}

func TestGetCheckpointEndpoint(t *testing.T) {
	mux, log, _ := newTestAPI(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedAPICheckpoint(t, log, "run-1", "cp-0", types.State{"query": "hello"}, base)

	rec, resp := doGet(t, mux, "/api/v1/runs/run-1/checkpoints/cp-0")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "cp-0", data["checkpoint_id"])
	state := data["state"].(map[string]any)
	assert.Equal(t, "hello", state["query"])
}

func TestGetCheckpointNotFound(t *testing.T) {
	mux, _, _ := newTestAPI(t)

	rec, resp := doGet(t, mux, "/api/v1/runs/run-1/checkpoints/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestListCheckpointsEndpoint(t *testing.T) {
	mux, log, _ := newTestAPI(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		seedAPICheckpoint(t, log, "run-1", "cp-"+string(rune('0'+i)),
			types.State{"step": float64(i)}, base.Add(time.Duration(i)*time.Second))
	}

	rec, resp := doGet(t, mux, "/api/v1/runs/run-1/checkpoints?limit=2")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(2), data["count"])

	// Newest first; summaries only, no full state.
	views := data["checkpoints"].([]any)
	first := views[0].(map[string]any)
	assert.Equal(t, "cp-2", first["checkpoint_id"])
	assert.NotContains(t, first, "state")
}

func TestListCheckpointsBadBefore(t *testing.T) {
	mux, _, _ := newTestAPI(t)

	rec, resp := doGet(t, mux, "/api/v1/runs/run-1/checkpoints?before=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
}

func TestGraphEndpointEmptyThread(t *testing.T) {
	mux, _, _ := newTestAPI(t)

	rec, resp := doGet(t, mux, "/api/v1/runs/unknown/graph")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]any)
	assert.Empty(t, data["nodes"])
	assert.Empty(t, data["edges"])
}

func TestDiffEndpoint(t *testing.T) {
	mux, log, _ := newTestAPI(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedAPICheckpoint(t, log, "run-1", "cp-0", types.State{"step": float64(0), "query": "a"}, base)
	seedAPICheckpoint(t, log, "run-1", "cp-1", types.State{"step": float64(1), "query": "a", "answer": "b"}, base.Add(time.Second))

	rec, resp := doGet(t, mux, "/api/v1/runs/run-1/checkpoints/cp-0/diff?compare_to=cp-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "cp-0", data["checkpoint_a"])
	diff := data["diff"].(map[string]any)
	added := diff["added"].(map[string]any)
	assert.Equal(t, "b", added["answer"])
	modified := diff["modified"].(map[string]any)
	assert.Contains(t, modified, "step")
}

func TestDiffEndpointMissingCompareTo(t *testing.T) {
	mux, log, _ := newTestAPI(t)
	seedAPICheckpoint(t, log, "run-1", "cp-0", types.State{"step": float64(0)},
		time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	rec, resp := doGet(t, mux, "/api/v1/runs/run-1/checkpoints/cp-0/diff")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
}

func TestSpansEndpointEmpty(t *testing.T) {
	mux, _, _ := newTestAPI(t)

	rec, resp := doGet(t, mux, "/api/v1/runs/run-1/spans")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(0), data["count"])
}

func TestTimelineEndpoint(t *testing.T) {
	mux, log, _ := newTestAPI(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedAPICheckpoint(t, log, "run-1", "cp-0", types.State{"step": float64(0)}, base)

	rec, resp := doGet(t, mux, "/api/v1/runs/run-1/timeline")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(1), data["count"])
	events := data["events"].([]any)
	event := events[0].(map[string]any)
	assert.Equal(t, "checkpoint", event["kind"])
}
