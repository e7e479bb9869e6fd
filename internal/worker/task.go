package worker

import (
	"time"

	"s3migrate/internal/storage"
)

// Task represents one object to migrate. Each task is consumed exactly once.
type Task struct {
	Object       storage.ObjectInfo
	SourceBucket string
	TargetBucket string
}

// Key returns the object key, identical on source and target.
func (t Task) Key() string { return t.Object.Key }

// Status is the final state of a task.
type Status int

const (
	StatusSuccess Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of processing one Task.
type Outcome struct {
	Task             Task
	Status           Status
	Strategy         Strategy
	BytesTransferred int64
	Kind             storage.Kind
	Err              error
	// Attempts is the highest attempt number reached by any retried step.
	Attempts int
	// Existing marks a success that copied nothing because the object was
	// already present on the target or recorded in the checkpoint.
	Existing bool
	Finished time.Time
	Duration time.Duration
}

// Recorder receives every outcome produced by a Pool.
type Recorder interface {
	Record(Outcome)
}

// Config contains worker configuration
type Config struct {
	ChunkSize       int64
	PartConcurrency int
	DirectRead      bool
	MaxDirectSize   int64
	IsSourceR2      bool
	CopyInPlace     bool
	MaxRetries      int
	RetryBackoff    time.Duration
	SkipExisting    bool
	Resume          bool
	RunID           string
}
