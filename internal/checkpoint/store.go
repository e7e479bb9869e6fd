package checkpoint

import (
	"time"
)

// TaskStatus represents the final status of a migrated object
type TaskStatus string

const (
	StatusCompleted TaskStatus = "completed"
	StatusSkipped   TaskStatus = "skipped"
	StatusFailed    TaskStatus = "failed"
)

// TaskRecord represents a task record in the checkpoint store
type TaskRecord struct {
	RunID     string     `json:"run_id"`
	Bucket    string     `json:"bucket"`
	Key       string     `json:"key"`
	Size      int64      `json:"size"`
	ETag      string     `json:"etag"`
	Status    TaskStatus `json:"status"`
	Kind      string     `json:"kind,omitempty"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Matches reports whether the record describes a completed copy of an
// object with the given size and etag.
func (r *TaskRecord) Matches(size int64, etag string) bool {
	return r != nil && r.Status == StatusCompleted && r.Size == size && r.ETag == etag
}

// Store defines the interface for checkpoint persistence
type Store interface {
	GetTask(bucket, key string) (*TaskRecord, error)
	SaveTask(record *TaskRecord) error
	ListFailedTasks(bucket string) ([]*TaskRecord, error)

	Close() error
}
