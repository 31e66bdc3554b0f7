package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/certainly-param/tracelens/config"
	"github.com/certainly-param/tracelens/storage"
	"github.com/certainly-param/tracelens/types"
)

func newTestLog(t *testing.T, opts Options) *Log {
	t.Helper()

	cfg := config.DefaultStorageConfig()
	cfg.Path = filepath.Join(t.TempDir(), "checkpoints.db")

	store, err := storage.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Init(context.Background()))

	return NewLog(store, opts, zap.NewNop())
}

func TestPutGetRoundTrip(t *testing.T) {
	log := newTestLog(t, Options{})
	ctx := context.Background()

	state := types.State{
		"step":    float64(3),
		"query":   "weather in oslo",
		"results": []any{"sunny", map[string]any{"temp": 21.5}},
	}
	parent := "cp-2"

	err := log.Put(ctx, PutRequest{
		ThreadID:           "run-1",
		CheckpointID:       "cp-3",
		State:              state,
		ParentCheckpointID: &parent,
		Metadata:           map[string]any{"step": float64(3)},
		Origin:             OriginInternal,
	})
	require.NoError(t, err)

	got, err := log.Get(ctx, "run-1", "cp-3")
	require.NoError(t, err)

	assert.Equal(t, state, got.State)
	assert.Equal(t, "run-1", got.ThreadID)
	require.NotNil(t, got.ParentCheckpointID)
	assert.Equal(t, "cp-2", *got.ParentCheckpointID)
	assert.Equal(t, map[string]any{"step": float64(3)}, got.Metadata)
	assert.Equal(t, FormatJSON, got.Format)
}

func TestPutValidation(t *testing.T) {
	log := newTestLog(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  PutRequest
		code types.ErrorCode
	}{
		{
			name: "empty thread id",
			req:  PutRequest{CheckpointID: "cp-0", State: types.State{}},
			code: types.ErrValidation,
		},
		{
			name: "empty checkpoint id",
			req:  PutRequest{ThreadID: "run-1", State: types.State{}},
			code: types.ErrValidation,
		},
		{
			name: "nil state",
			req:  PutRequest{ThreadID: "run-1", CheckpointID: "cp-0"},
			code: types.ErrValidation,
		},
		{
			name: "unstructured state on network origin",
			req: PutRequest{
				ThreadID:     "run-1",
				CheckpointID: "cp-0",
				State:        types.State{"ch": make(chan int)},
				Origin:       OriginNetwork,
			},
			code: types.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := log.Put(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
		})
	}
}

func TestPutOversizedRejected(t *testing.T) {
	log := newTestLog(t, Options{MaxStateBytes: 1024})
	ctx := context.Background()

	err := log.Put(ctx, PutRequest{
		ThreadID:     "run-1",
		CheckpointID: "cp-0",
		State:        types.State{"blob": strings.Repeat("x", 2048)},
		Origin:       OriginNetwork,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrPayloadTooLarge, types.GetErrorCode(err))

	// Nothing was written.
	_, err = log.Get(ctx, "run-1", "cp-0")
	assert.True(t, types.IsNotFound(err))
}

func TestGetNotFound(t *testing.T) {
	log := newTestLog(t, Options{})

	_, err := log.Get(context.Background(), "run-1", "missing")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))

	_, err = log.Latest(context.Background(), "empty-thread")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func seedThread(t *testing.T, log *Log, threadID string, n int, base time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, log.Put(ctx, PutRequest{
			ThreadID:     threadID,
			CheckpointID: fmt.Sprintf("cp-%d", i),
			State:        types.State{"step": float64(i)},
			Origin:       OriginInternal,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func TestListOrderingAndLimit(t *testing.T) {
	log := newTestLog(t, Options{})
	ctx := context.Background()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	seedThread(t, log, "run-1", 5, base)

	tuples, err := log.List(ctx, "run-1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, tuples, 5)

	// Newest first, created_at non-increasing.
	for i := 1; i < len(tuples); i++ {
		assert.False(t, tuples[i].CreatedAt.After(tuples[i-1].CreatedAt))
	}
	assert.Equal(t, "cp-4", tuples[0].CheckpointID)

	limited, err := log.List(ctx, "run-1", ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListBeforeStrict(t *testing.T) {
	log := newTestLog(t, Options{})
	ctx := context.Background()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	seedThread(t, log, "run-1", 5, base)

	cut := base.Add(2 * time.Second)
	tuples, err := log.List(ctx, "run-1", ListOptions{Before: &cut})
	require.NoError(t, err)

	// Strictly before: cp-0 and cp-1 only.
	require.Len(t, tuples, 2)
	for _, tuple := range tuples {
		assert.True(t, tuple.CreatedAt.Before(cut))
	}
}

func TestListAllBeyondCap(t *testing.T) {
	log := newTestLog(t, Options{})
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	total := MaxListLimit + 10
	rows := make([]storage.CheckpointRow, 0, total)
	for i := 0; i < total; i++ {
		rows = append(rows, storage.CheckpointRow{
			ThreadID:       "run-long",
			CheckpointID:   fmt.Sprintf("cp-%04d", i),
			CheckpointData: []byte(`{"step":1}`),
			Metadata:       "{}",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
	}
	db, err := log.store.Conn(ctx)
	require.NoError(t, err)
	require.NoError(t, db.CreateInBatches(rows, 100).Error)

	capped, err := log.List(ctx, "run-long", ListOptions{Limit: total})
	require.NoError(t, err)
	assert.Len(t, capped, MaxListLimit)

	all, err := log.ListAll(ctx, "run-long")
	require.NoError(t, err)
	require.Len(t, all, total)
	assert.Equal(t, fmt.Sprintf("cp-%04d", total-1), all[0].CheckpointID)
	assert.Equal(t, "cp-0000", all[total-1].CheckpointID)
}

func TestLatest(t *testing.T) {
	log := newTestLog(t, Options{})
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	seedThread(t, log, "run-1", 3, base)

	latest, err := log.Latest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "cp-2", latest.CheckpointID)
	assert.Equal(t, float64(2), latest.State["step"])
}

func TestPutUpsertReplacesState(t *testing.T) {
	log := newTestLog(t, Options{})
	ctx := context.Background()

	for _, step := range []float64{1, 2} {
		require.NoError(t, log.Put(ctx, PutRequest{
			ThreadID:     "run-1",
			CheckpointID: "cp-0",
			State:        types.State{"step": step},
			Origin:       OriginInternal,
		}))
	}

	got, err := log.Get(ctx, "run-1", "cp-0")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.State["step"])

	tuples, err := log.List(ctx, "run-1", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, tuples, 1)
}

func TestBinaryFallbackInternalOnly(t *testing.T) {
	log := newTestLog(t, Options{AllowBinaryFallback: true})
	ctx := context.Background()

	// complex128 is gob-encodable but not JSON-representable.
	state := types.State{"raw": complex(1, 2)}

	err := log.Put(ctx, PutRequest{
		ThreadID:     "run-1",
		CheckpointID: "cp-bin",
		State:        state,
		Origin:       OriginInternal,
	})
	require.NoError(t, err)

	got, err := log.Get(ctx, "run-1", "cp-bin")
	require.NoError(t, err)
	assert.Equal(t, FormatGob, got.Format)
	assert.Equal(t, complex(1, 2), got.State["raw"])

	// The same payload from the network is rejected before serialization.
	err = log.Put(ctx, PutRequest{
		ThreadID:     "run-1",
		CheckpointID: "cp-net",
		State:        state,
		Origin:       OriginNetwork,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestSummarize(t *testing.T) {
	state := types.State{
		"step":    float64(4),
		"results": []any{"a", "b"},
		"errors":  []any{"boom"},
	}

	s := Summarize(state)
	assert.Equal(t, 4, s.StepCount)
	assert.True(t, s.HasResults)
	assert.Equal(t, 1, s.ErrorCount)
	assert.Equal(t, []string{"errors", "results", "step"}, s.Keys)
}
