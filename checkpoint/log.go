// Package checkpoint implements the append-only checkpoint log: validated,
// size-capped writes of structured agent state keyed by
// (thread_id, checkpoint_id), with lineage through parent pointers.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/certainly-param/tracelens/storage"
	"github.com/certainly-param/tracelens/types"
)

// Origin identifies who produced a write. Network-originated state must
// be structured; the binary fallback is reserved for internal producers.
type Origin string

const (
	OriginInternal Origin = "internal"
	OriginNetwork  Origin = "network"
)

// Tuple is a fully decoded checkpoint.
type Tuple struct {
	ThreadID           string         `json:"thread_id"`
	CheckpointID       string         `json:"checkpoint_id"`
	CheckpointNS       string         `json:"checkpoint_ns"`
	State              types.State    `json:"state"`
	ParentCheckpointID *string        `json:"parent_checkpoint_id"`
	Metadata           map[string]any `json:"metadata"`
	CreatedAt          time.Time      `json:"created_at"`
	Format             Format         `json:"-"`
}

// PutRequest is a checkpoint write.
type PutRequest struct {
	ThreadID           string
	CheckpointID       string
	CheckpointNS       string
	State              types.State
	ParentCheckpointID *string
	Metadata           map[string]any
	Origin             Origin
	CreatedAt          time.Time // zero means now
}

// ListOptions filters a checkpoint listing.
type ListOptions struct {
	Before *time.Time // strictly earlier than
	Limit  int        // 0 means default, capped at MaxListLimit
}

const (
	defaultListLimit = 50

	// MaxListLimit caps a single checkpoint listing.
	MaxListLimit = 500
)

// Metrics receives write outcomes. A nil Metrics disables recording.
type Metrics interface {
	RecordCheckpointWrite(status string)
	RecordCheckpointBytes(format string, size int)
}

// Options configures a Log.
type Options struct {
	// MaxStateBytes caps the serialized payload. Zero means the store's
	// configured ceiling.
	MaxStateBytes int64

	// AllowBinaryFallback permits gob encoding for internally-originated
	// state that is not JSON-representable.
	AllowBinaryFallback bool

	// Metrics, when set, records write outcomes and payload sizes.
	Metrics Metrics
}

// Log is the checkpoint log over a persistent store.
type Log struct {
	store  *storage.Store
	codec  Codec
	opts   Options
	logger *zap.Logger
}

// NewLog creates a checkpoint log.
func NewLog(store *storage.Store, opts Options, logger *zap.Logger) *Log {
	if opts.MaxStateBytes <= 0 {
		opts.MaxStateBytes = store.MaxStateBytes()
	}
	return &Log{
		store:  store,
		opts:   opts,
		logger: logger.With(zap.String("component", "checkpoint_log")),
	}
}

// Put validates, serializes and persists a checkpoint. Writes with the
// same (thread_id, checkpoint_id) replace the existing row; the last
// writer wins.
func (l *Log) Put(ctx context.Context, req PutRequest) error {
	err := l.put(ctx, req)
	if l.opts.Metrics != nil {
		l.opts.Metrics.RecordCheckpointWrite(writeStatus(err))
	}
	return err
}

func writeStatus(err error) string {
	if err == nil {
		return "ok"
	}
	switch types.GetErrorCode(err) {
	case types.ErrValidation, types.ErrPayloadTooLarge:
		return "validation_error"
	default:
		return "storage_error"
	}
}

func (l *Log) put(ctx context.Context, req PutRequest) error {
	if req.ThreadID == "" {
		return types.NewError(types.ErrValidation, "thread_id cannot be empty")
	}
	if req.CheckpointID == "" {
		return types.NewError(types.ErrValidation, "checkpoint_id cannot be empty")
	}
	if req.State == nil {
		return types.NewError(types.ErrValidation, "state cannot be nil")
	}

	allowFallback := l.opts.AllowBinaryFallback && req.Origin != OriginNetwork

	if req.Origin == OriginNetwork {
		if err := req.State.ValidateStructured(); err != nil {
			return err
		}
	}

	data, format, err := l.codec.Encode(req.State, allowFallback)
	if err != nil {
		return err
	}
	if format == FormatGob {
		l.logger.Warn("checkpoint serialized with binary fallback",
			zap.String("code", string(types.ErrSerializationFallback)),
			zap.String("thread_id", req.ThreadID),
			zap.String("checkpoint_id", req.CheckpointID),
		)
	}

	if int64(len(data)) > l.opts.MaxStateBytes {
		return types.NewError(types.ErrPayloadTooLarge,
			fmt.Sprintf("serialized state is %d bytes, limit is %d", len(data), l.opts.MaxStateBytes))
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return types.NewError(types.ErrValidation, "metadata is not JSON-representable").WithCause(err)
	}

	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := storage.CheckpointRow{
		ThreadID:           req.ThreadID,
		CheckpointID:       req.CheckpointID,
		CheckpointNS:       req.CheckpointNS,
		CheckpointData:     data,
		ParentCheckpointID: req.ParentCheckpointID,
		Metadata:           string(metaJSON),
		CreatedAt:          createdAt,
	}

	// Checkpoint writes contend with span export batches for the single
	// writer; the transaction wrapper retries transient lock errors.
	err = l.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_id"}, {Name: "checkpoint_id"}},
			UpdateAll: true,
		}).Create(&row).Error
	})
	if err != nil {
		return types.NewError(types.ErrStorageUnavailable, "failed to write checkpoint").WithCause(err)
	}

	if l.opts.Metrics != nil {
		l.opts.Metrics.RecordCheckpointBytes(string(format), len(data))
	}

	l.logger.Debug("checkpoint written",
		zap.String("thread_id", req.ThreadID),
		zap.String("checkpoint_id", req.CheckpointID),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Get fetches one checkpoint by id.
func (l *Log) Get(ctx context.Context, threadID, checkpointID string) (*Tuple, error) {
	db, err := l.store.Conn(ctx)
	if err != nil {
		return nil, err
	}

	var row storage.CheckpointRow
	err = db.Where("thread_id = ? AND checkpoint_id = ?", threadID, checkpointID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrNotFound,
				fmt.Sprintf("checkpoint %s not found in thread %s", checkpointID, threadID))
		}
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to read checkpoint").WithCause(err)
	}

	return l.decodeRow(&row)
}

// Latest fetches the newest checkpoint in a thread.
func (l *Log) Latest(ctx context.Context, threadID string) (*Tuple, error) {
	db, err := l.store.Conn(ctx)
	if err != nil {
		return nil, err
	}

	var row storage.CheckpointRow
	err = db.Where("thread_id = ?", threadID).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrNotFound,
				fmt.Sprintf("no checkpoints found for thread %s", threadID))
		}
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to read checkpoint").WithCause(err)
	}

	return l.decodeRow(&row)
}

// List returns a thread's checkpoints, newest first.
func (l *Log) List(ctx context.Context, threadID string, opts ListOptions) ([]*Tuple, error) {
	db, err := l.store.Conn(ctx)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q := db.Where("thread_id = ?", threadID)
	if opts.Before != nil {
		q = q.Where("created_at < ?", *opts.Before)
	}

	var rows []storage.CheckpointRow
	if err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to list checkpoints").WithCause(err)
	}

	return l.decodeRows(rows), nil
}

// ListAll returns every checkpoint of a thread, newest first, with no
// paging cap. Graph and timeline reconstruction need the full history;
// for API listings use List.
func (l *Log) ListAll(ctx context.Context, threadID string) ([]*Tuple, error) {
	db, err := l.store.Conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []storage.CheckpointRow
	err = db.Where("thread_id = ?", threadID).Order("created_at DESC").Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to list checkpoints").WithCause(err)
	}

	return l.decodeRows(rows), nil
}

func (l *Log) decodeRows(rows []storage.CheckpointRow) []*Tuple {
	tuples := make([]*Tuple, 0, len(rows))
	for i := range rows {
		t, err := l.decodeRow(&rows[i])
		if err != nil {
			// A single undecodable row should not break the listing.
			l.logger.Warn("skipping undecodable checkpoint",
				zap.String("thread_id", rows[i].ThreadID),
				zap.String("checkpoint_id", rows[i].CheckpointID),
				zap.Error(err),
			)
			continue
		}
		tuples = append(tuples, t)
	}
	return tuples
}

func (l *Log) decodeRow(row *storage.CheckpointRow) (*Tuple, error) {
	state, format, err := l.codec.Decode(row.CheckpointData)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &metadata); err != nil {
			l.logger.Warn("checkpoint metadata is not valid JSON",
				zap.String("checkpoint_id", row.CheckpointID))
			metadata = map[string]any{}
		}
	}

	return &Tuple{
		ThreadID:           row.ThreadID,
		CheckpointID:       row.CheckpointID,
		CheckpointNS:       row.CheckpointNS,
		State:              state,
		ParentCheckpointID: row.ParentCheckpointID,
		Metadata:           metadata,
		CreatedAt:          row.CreatedAt,
		Format:             format,
	}, nil
}

// StateSummary is a compact view of a checkpoint's state used in listing
// responses instead of the full payload.
type StateSummary struct {
	Keys       []string `json:"keys"`
	StepCount  int      `json:"step_count"`
	HasResults bool     `json:"has_results"`
	ErrorCount int      `json:"error_count"`
}

// Summarize builds a StateSummary from decoded state.
func Summarize(state types.State) StateSummary {
	s := StateSummary{Keys: make([]string, 0, len(state))}
	for k := range state {
		s.Keys = append(s.Keys, k)
	}
	sort.Strings(s.Keys)

	switch v := state["step"].(type) {
	case float64:
		s.StepCount = int(v)
	case int:
		s.StepCount = v
	}

	if results, ok := state["results"].([]any); ok && len(results) > 0 {
		s.HasResults = true
	}
	if errs, ok := state["errors"].([]any); ok {
		s.ErrorCount = len(errs)
	}

	return s
}
