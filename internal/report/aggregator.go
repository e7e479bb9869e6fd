package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"s3migrate/internal/worker"
)

const (
	// ArtifactThreshold is the number of failures above which failure lists
	// are written to disk.
	ArtifactThreshold = 10

	progressLogInterval = 10
)

// Aggregator accumulates outcomes into a Report. All mutation goes through
// its methods, serialized by one mutex.
type Aggregator struct {
	mu         sync.Mutex
	report     *Report
	processed  int
	finalized  bool
	failureDir string
	observers  []func(worker.Outcome)
	logger     *zap.Logger
}

// NewAggregator creates an empty run report.
func NewAggregator(runID, failureDir string, started time.Time, logger *zap.Logger) *Aggregator {
	if failureDir == "" {
		failureDir = "."
	}
	return &Aggregator{
		report: &Report{
			RunID:   runID,
			Started: started,
			Buckets: make(map[string]*BucketStats),
		},
		failureDir: failureDir,
		logger:     logger,
	}
}

// Observe registers fn to be called after each recorded outcome.
func (a *Aggregator) Observe(fn func(worker.Outcome)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// bucket must be called with a.mu held.
func (a *Aggregator) bucket(name string) *BucketStats {
	b, ok := a.report.Buckets[name]
	if !ok {
		b = &BucketStats{}
		a.report.Buckets[name] = b
		a.report.BucketOrder = append(a.report.BucketOrder, name)
	}
	return b
}

// BeginBucket registers a bucket so it appears in the report even when empty.
func (a *Aggregator) BeginBucket(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bucket(name)
}

// AddListed counts n listed objects for a bucket.
func (a *Aggregator) AddListed(name string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bucket(name).Listed += n
}

// AbortBucket marks a bucket as failed as a whole. Outcomes already
// recorded for it are kept.
func (a *Aggregator) AbortBucket(name string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.bucket(name)
	if b.Fatal == nil {
		b.Fatal = err
	}
}

// Record implements worker.Recorder.
func (a *Aggregator) Record(out worker.Outcome) {
	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		a.logger.Warn("Outcome recorded after finalize", zap.String("key", out.Task.Key()))
		return
	}

	b := a.bucket(out.Task.SourceBucket)
	switch out.Status {
	case worker.StatusSuccess:
		b.Succeeded++
		b.Bytes += out.BytesTransferred
		if out.Existing {
			b.Existing++
		}
	case worker.StatusSkipped:
		b.Skipped++
	default:
		b.Failed++
	}
	if out.Status != worker.StatusSuccess {
		errMsg := ""
		if out.Err != nil {
			errMsg = out.Err.Error()
		}
		a.report.Failures = append(a.report.Failures, Failure{
			Bucket:      out.Task.SourceBucket,
			Key:         out.Task.Key(),
			Kind:        out.Kind,
			Status:      out.Status,
			Attempts:    out.Attempts,
			LastAttempt: out.Finished,
			Err:         errMsg,
		})
	}

	a.processed++
	if a.processed%progressLogInterval == 0 {
		a.logger.Info("Progress",
			zap.String("bucket", out.Task.SourceBucket),
			zap.Int("processed", a.processed),
			zap.Int("bucket_succeeded", b.Succeeded),
			zap.Int("bucket_failed", b.Failed+b.Skipped),
		)
	}
	observers := a.observers
	a.mu.Unlock()

	for _, fn := range observers {
		fn(out)
	}
}

// Finalize freezes the report. When more than ArtifactThreshold objects
// failed, each bucket with failures gets a failed_objects_<bucket>_<unix>.txt
// list in the failure directory.
func (a *Aggregator) Finalize(now time.Time) (*Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return a.report, nil
	}
	a.finalized = true
	a.report.Finished = now

	if len(a.report.Failures) <= ArtifactThreshold {
		return a.report, nil
	}

	if err := os.MkdirAll(a.failureDir, 0o755); err != nil {
		return a.report, fmt.Errorf("failed to create failure directory: %w", err)
	}

	var errs []error
	for _, name := range a.report.BucketOrder {
		path, err := a.writeArtifact(name, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if path != "" {
			a.report.Artifacts = append(a.report.Artifacts, path)
			a.logger.Info("Wrote failed object list", zap.String("bucket", name), zap.String("path", path))
		}
	}
	return a.report, errors.Join(errs...)
}

// writeArtifact must be called with a.mu held. It returns "" when the bucket
// has no failures.
func (a *Aggregator) writeArtifact(bucket string, now time.Time) (string, error) {
	var sb strings.Builder
	for _, f := range a.report.Failures {
		if f.Bucket == bucket {
			fmt.Fprintf(&sb, "%s\t%s\t%s\n", f.Bucket, f.Key, f.Kind)
		}
	}
	if sb.Len() == 0 {
		return "", nil
	}

	path := filepath.Join(a.failureDir, fmt.Sprintf("failed_objects_%s_%d.txt", bucket, now.Unix()))
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write failure list for %s: %w", bucket, err)
	}
	return path, nil
}
