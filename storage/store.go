// Package storage provides the persistent store backing checkpoint and
// trace data. It owns a single SQLite file opened through gorm with the
// pure-Go glebarez driver, runs in WAL mode, and exposes an explicit
// Open/Init/Close lifecycle.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/certainly-param/tracelens/config"
	"github.com/certainly-param/tracelens/internal/database"
	"github.com/certainly-param/tracelens/types"
)

// Store is the durable home of checkpoints and spans.
type Store struct {
	pool   *database.PoolManager
	cfg    config.StorageConfig
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool
}

// Open opens the SQLite database at cfg.Path and returns a store handle.
// The schema is not created until Init is called.
func Open(cfg config.StorageConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, types.NewError(types.ErrValidation, "storage path cannot be empty")
	}

	dsn := buildDSN(cfg)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to open database").WithCause(err)
	}

	poolCfg := database.DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}

	pool, err := database.NewPoolManager(db, poolCfg, logger)
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to initialize connection pool").WithCause(err)
	}

	s := &Store{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "storage")),
	}

	// The DSN pragmas only apply to the connection that ran them; issue
	// them again explicitly so every pooled connection behaves the same.
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		s.logger.Warn("failed to enable WAL mode", zap.Error(err))
	}

	s.logger.Info("store opened", zap.String("path", cfg.Path))
	return s, nil
}

// buildDSN appends WAL and busy-timeout pragmas to the file path so new
// connections come up with the right journal mode.
func buildDSN(cfg config.StorageConfig) string {
	busyMs := int64(5000)
	if cfg.BusyTimeout > 0 {
		busyMs = cfg.BusyTimeout.Milliseconds()
	}

	params := url.Values{}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout("+strconv.FormatInt(busyMs, 10)+")")
	params.Add("_pragma", "foreign_keys(1)")

	return cfg.Path + "?" + params.Encode()
}

// Init creates the schema. Safe to call more than once; existing tables
// and indexes are left untouched.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	db := s.pool.DB().WithContext(ctx)
	if err := db.AutoMigrate(&CheckpointRow{}, &SpanRow{}); err != nil {
		return types.NewError(types.ErrStorageUnavailable, "schema migration failed").WithCause(err)
	}

	s.initialized = true
	s.logger.Info("schema initialized")
	return nil
}

// Conn returns a context-scoped database session, initializing the schema
// on first use if Init was not called explicitly.
func (s *Store) Conn(ctx context.Context) (*gorm.DB, error) {
	s.mu.Lock()
	needInit := !s.initialized
	s.mu.Unlock()

	if needInit {
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
	}

	return s.pool.DB().WithContext(ctx), nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return types.NewError(types.ErrStorageUnavailable, "database unreachable").WithCause(err)
	}
	return nil
}

// WithTransaction runs fn inside a transaction, retrying transient SQLite
// lock contention. Initializes the store on first use, like Conn.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if _, err := s.Conn(ctx); err != nil {
		return err
	}
	return s.pool.WithTransactionRetry(ctx, 3, fn)
}

// MaxStateBytes returns the configured per-checkpoint payload ceiling.
func (s *Store) MaxStateBytes() int64 {
	if s.cfg.MaxStateBytes > 0 {
		return s.cfg.MaxStateBytes
	}
	return config.DefaultMaxStateBytes
}

// Stats reports connection pool statistics for health and metrics.
func (s *Store) Stats() PoolStats {
	st := s.pool.Stats()
	return PoolStats{
		OpenConnections: st.OpenConnections,
		InUse:           st.InUse,
		Idle:            st.Idle,
	}
}

// PoolStats is a snapshot of the connection pool.
type PoolStats struct {
	OpenConnections int `json:"open_connections"`
	InUse           int `json:"in_use"`
	Idle            int `json:"idle"`
}

// Close closes the store. Further calls are no-ops.
func (s *Store) Close() error {
	s.logger.Info("closing store")
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("failed to close pool: %w", err)
	}
	return nil
}

// RunSummary describes one thread's persisted footprint, derived from the
// checkpoint and span tables.
type RunSummary struct {
	ThreadID        string     `json:"thread_id"`
	CheckpointCount int64      `json:"checkpoint_count"`
	SpanCount       int64      `json:"span_count"`
	FirstSeen       *time.Time `json:"first_seen"`
	LastSeen        *time.Time `json:"last_seen"`
}

// ListRuns returns a summary per thread, most recently active first.
// Threads that only have spans (no checkpoints yet) are included.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	db, err := s.Conn(ctx)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}

	type row struct {
		ThreadID  string
		FirstSeen string
		LastSeen  string
	}

	var rows []row
	// Union of both lineages keyed by thread_id.
	err = db.Raw(`
		SELECT thread_id, MIN(ts) AS first_seen, MAX(ts) AS last_seen FROM (
			SELECT thread_id, created_at AS ts FROM checkpoints
			UNION ALL
			SELECT thread_id, start_time AS ts FROM traces WHERE thread_id <> ''
		) GROUP BY thread_id ORDER BY last_seen DESC LIMIT ?`, limit).Scan(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "failed to list runs").WithCause(err)
	}

	summaries := make([]RunSummary, 0, len(rows))
	for _, r := range rows {
		var cpCount, spanCount int64
		if err := db.Model(&CheckpointRow{}).Where("thread_id = ?", r.ThreadID).Count(&cpCount).Error; err != nil {
			return nil, types.NewError(types.ErrStorageUnavailable, "failed to count checkpoints").WithCause(err)
		}
		if err := db.Model(&SpanRow{}).Where("thread_id = ?", r.ThreadID).Count(&spanCount).Error; err != nil {
			return nil, types.NewError(types.ErrStorageUnavailable, "failed to count spans").WithCause(err)
		}
		first, err := parseStoredTime(r.FirstSeen)
		if err != nil {
			return nil, types.NewError(types.ErrStorageUnavailable, "failed to list runs").WithCause(err)
		}
		last, err := parseStoredTime(r.LastSeen)
		if err != nil {
			return nil, types.NewError(types.ErrStorageUnavailable, "failed to list runs").WithCause(err)
		}
		summaries = append(summaries, RunSummary{
			ThreadID:        r.ThreadID,
			CheckpointCount: cpCount,
			SpanCount:       spanCount,
			FirstSeen:       &first,
			LastSeen:        &last,
		})
	}

	return summaries, nil
}

// storedTimeFormats mirrors the layouts the sqlite driver writes for
// datetime columns. Aggregate expressions such as MIN(ts) lose column
// affinity, so their values arrive as TEXT and must be parsed here.
var storedTimeFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseStoredTime(s string) (time.Time, error) {
	trimmed := strings.TrimSuffix(s, "Z")
	for _, layout := range storedTimeFormats {
		if t, err := time.ParseInLocation(layout, trimmed, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
