package storage

import "time"

// CheckpointRow is a persisted checkpoint record.
//
// The primary key is (thread_id, checkpoint_id); writes with the same key
// replace the existing row.
type CheckpointRow struct {
	ThreadID           string    `gorm:"column:thread_id;primaryKey;index:idx_checkpoints_thread_created,priority:1" json:"thread_id"`
	CheckpointID       string    `gorm:"column:checkpoint_id;primaryKey" json:"checkpoint_id"`
	CheckpointNS       string    `gorm:"column:checkpoint_ns;not null;default:''" json:"checkpoint_ns"`
	CheckpointData     []byte    `gorm:"column:checkpoint_data;not null" json:"-"`
	ParentCheckpointID *string   `gorm:"column:parent_checkpoint_id" json:"parent_checkpoint_id"`
	Metadata           string    `gorm:"column:metadata;not null;default:'{}'" json:"metadata"`
	CreatedAt          time.Time `gorm:"column:created_at;index:idx_checkpoints_thread_created,priority:2" json:"created_at"`
}

// TableName returns the checkpoints table name.
func (CheckpointRow) TableName() string {
	return "checkpoints"
}

// SpanRow is a persisted trace span record.
//
// The primary key is (trace_id, span_id). Spans are correlated to
// checkpoints only through thread_id; the two lineages never reference
// each other directly.
type SpanRow struct {
	TraceID      string    `gorm:"column:trace_id;primaryKey" json:"trace_id"`
	SpanID       string    `gorm:"column:span_id;primaryKey" json:"span_id"`
	ParentSpanID *string   `gorm:"column:parent_span_id;index:idx_traces_parent_span" json:"parent_span_id"`
	Name         string    `gorm:"column:name;not null" json:"name"`
	Attributes   string    `gorm:"column:attributes;not null;default:'{}'" json:"attributes"`
	StartTime    time.Time `gorm:"column:start_time;index:idx_traces_thread_start,priority:2" json:"start_time"`
	EndTime      time.Time `gorm:"column:end_time" json:"end_time"`
	ThreadID     string    `gorm:"column:thread_id;index:idx_traces_thread_start,priority:1" json:"thread_id"`
}

// TableName returns the traces table name.
func (SpanRow) TableName() string {
	return "traces"
}
