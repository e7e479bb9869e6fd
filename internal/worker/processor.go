package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"s3migrate/internal/checkpoint"
	"s3migrate/internal/metrics"
	"s3migrate/internal/storage"
)

const defaultContentType = "application/octet-stream"

// ErrSourceMissing marks a NotFound returned while reading the source object.
// Only those outcomes are reported as skipped.
var ErrSourceMissing = errors.New("source object missing")

// Processor turns a Task into exactly one Outcome.
type Processor interface {
	Process(ctx context.Context, task Task) Outcome
}

// TaskProcessor handles individual task processing
type TaskProcessor struct {
	config     Config
	srcClient  storage.Client
	dstClient  storage.Client
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	logger     *zap.Logger

	// sleep overrides the wait between retries.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTaskProcessor creates a processor. store and collector may be nil.
func NewTaskProcessor(
	config Config,
	srcClient storage.Client,
	dstClient storage.Client,
	store checkpoint.Store,
	collector *metrics.Collector,
	logger *zap.Logger,
) *TaskProcessor {
	return &TaskProcessor{
		config:     config,
		srcClient:  srcClient,
		dstClient:  dstClient,
		checkpoint: store,
		metrics:    collector,
		logger:     logger,
	}
}

// Process processes a single migration task. Per-object errors are reported
// in the outcome and never returned.
func (p *TaskProcessor) Process(ctx context.Context, task Task) Outcome {
	start := time.Now()
	obj := task.Object
	logger := p.logger.With(
		zap.String("bucket", task.SourceBucket),
		zap.String("key", obj.Key),
		zap.Int64("size", obj.Size),
	)

	if err := ctx.Err(); err != nil {
		out := Outcome{
			Task:   task,
			Status: StatusFailed,
			Kind:   storage.KindCanceled,
			Err:    storage.NewError("process", storage.KindCanceled, err),
		}
		return p.finish(out, start, logger)
	}

	if p.completedInCheckpoint(task, logger) {
		logger.Debug("Skipping object completed in checkpoint")
		return p.finish(Outcome{Task: task, Status: StatusSuccess, Existing: true}, start, logger)
	}

	if p.config.SkipExisting && p.existsOnTarget(ctx, task, logger) {
		logger.Debug("Skipping existing object")
		out := p.finish(Outcome{Task: task, Status: StatusSuccess, Existing: true}, start, logger)
		p.markTask(out, logger)
		return out
	}

	strategy := SelectStrategy(obj, p.config)
	out := p.Transfer(ctx, task, strategy)
	out = p.finish(out, start, logger)
	p.markTask(out, logger)
	return out
}

// Transfer moves one object with the given strategy.
func (p *TaskProcessor) Transfer(ctx context.Context, task Task, strategy Strategy) Outcome {
	logger := p.logger.With(
		zap.String("bucket", task.SourceBucket),
		zap.String("key", task.Key()),
		zap.String("strategy", strategy.String()),
	)

	var (
		n        int64
		attempts int
		err      error
	)
	switch strategy {
	case CopyInPlace:
		n, attempts, err = p.copyInPlace(ctx, task, logger)
	case DirectReadWrite:
		n, attempts, err = p.directReadWrite(ctx, task, logger)
	case ChunkedReadWrite:
		n, attempts, err = p.chunkedReadWrite(ctx, task, logger)
	case ChunkedWholeBuffer:
		n, attempts, err = p.chunkedWholeBuffer(ctx, task, logger)
	default:
		err = storage.NewError("transfer", storage.KindInvalid, fmt.Errorf("unknown strategy %d", strategy))
	}

	out := Outcome{
		Task:             task,
		Strategy:         strategy,
		BytesTransferred: n,
		Attempts:         attempts,
		Err:              err,
		Kind:             storage.Classify(err),
	}
	switch {
	case err == nil:
		out.Status = StatusSuccess
	case out.Kind == storage.KindNotFound && errors.Is(err, ErrSourceMissing):
		// the object disappeared after listing
		out.Status = StatusSkipped
	default:
		out.Status = StatusFailed
	}
	return out
}

func (p *TaskProcessor) retrier(logger *zap.Logger) Retrier {
	return Retrier{
		MaxAttempts: p.config.MaxRetries,
		Base:        p.config.RetryBackoff,
		Sleep:       p.sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			kind := storage.Classify(err)
			p.metrics.IncRetry(kind.String())
			logger.Warn("Attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.String("kind", kind.String()),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
		},
	}
}

func putOptions(obj storage.ObjectInfo) storage.PutOptions {
	// Use original content-type if available, otherwise fallback to application/octet-stream
	contentType := obj.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	return storage.PutOptions{
		ContentType: contentType,
		Metadata:    obj.Metadata,
	}
}

// sourceOptions fills what the listing entry lacks from metadata fetched
// from the source.
func sourceOptions(obj, info storage.ObjectInfo) storage.PutOptions {
	if obj.ContentType == "" {
		obj.ContentType = info.ContentType
	}
	if obj.Metadata == nil {
		obj.Metadata = info.Metadata
	}
	return putOptions(obj)
}

// sourceErr tags a NotFound from a source read with ErrSourceMissing.
func sourceErr(err error) error {
	if storage.Classify(err) != storage.KindNotFound || errors.Is(err, ErrSourceMissing) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSourceMissing, err)
}

// readWhole fetches the full object. The byte count actually read wins over
// the listed size.
func (p *TaskProcessor) readWhole(ctx context.Context, task Task, logger *zap.Logger) ([]byte, storage.ObjectInfo, int, error) {
	var (
		data []byte
		info storage.ObjectInfo
	)
	attempts, err := p.retrier(logger).Do(ctx, func(ctx context.Context) error {
		obj, err := p.srcClient.GetObject(ctx, task.SourceBucket, task.Key())
		if err != nil {
			return err
		}
		defer obj.Close()

		data, err = io.ReadAll(obj)
		if err != nil {
			return err
		}
		if st, err := obj.Stat(); err == nil {
			info = st
		}
		return nil
	})
	if err != nil {
		return nil, info, attempts, fmt.Errorf("failed to read source object: %w", sourceErr(err))
	}

	if int64(len(data)) != task.Object.Size {
		logger.Warn("Object size changed since listing",
			zap.Int64("listed", task.Object.Size),
			zap.Int("read", len(data)))
	}
	return data, info, attempts, nil
}

func (p *TaskProcessor) directReadWrite(ctx context.Context, task Task, logger *zap.Logger) (int64, int, error) {
	data, info, readAttempts, err := p.readWhole(ctx, task, logger)
	if err != nil {
		return 0, readAttempts, err
	}

	n, writeAttempts, err := p.putBuffer(ctx, task, data, sourceOptions(task.Object, info), logger)
	return n, max(readAttempts, writeAttempts), err
}

// putBuffer writes data to the target with a single PutObject.
func (p *TaskProcessor) putBuffer(ctx context.Context, task Task, data []byte, opts storage.PutOptions, logger *zap.Logger) (int64, int, error) {
	attempts, err := p.retrier(logger).Do(ctx, func(ctx context.Context) error {
		return p.dstClient.PutObject(ctx, task.TargetBucket, task.Key(), bytes.NewReader(data), int64(len(data)), opts)
	})
	if err != nil {
		return 0, attempts, fmt.Errorf("failed to write target object: %w", err)
	}
	return int64(len(data)), attempts, nil
}

func (p *TaskProcessor) copyInPlace(ctx context.Context, task Task, logger *zap.Logger) (int64, int, error) {
	attempts, err := p.retrier(logger).Do(ctx, func(ctx context.Context) error {
		return p.dstClient.CopyObject(ctx, task.SourceBucket, task.Key(), task.TargetBucket, task.Key())
	})
	if err != nil {
		// S3 reports a missing copy source as NoSuchKey and a missing
		// target bucket as NoSuchBucket.
		var serr *storage.Error
		if errors.As(err, &serr) && serr.Code == "NoSuchKey" {
			err = sourceErr(err)
		}
		return 0, attempts, fmt.Errorf("failed to copy object: %w", err)
	}
	return task.Object.Size, attempts, nil
}

// chunkedReadWrite streams the object part by part with ranged reads. The
// source is stat'ed first because listings carry no content type or user
// metadata.
func (p *TaskProcessor) chunkedReadWrite(ctx context.Context, task Task, logger *zap.Logger) (int64, int, error) {
	var info storage.ObjectInfo
	headAttempts, err := p.retrier(logger).Do(ctx, func(ctx context.Context) error {
		var err error
		info, err = p.srcClient.HeadObject(ctx, task.SourceBucket, task.Key())
		return err
	})
	if err != nil {
		return 0, headAttempts, fmt.Errorf("failed to stat source object: %w", sourceErr(err))
	}

	src := rangeSource{client: p.srcClient, bucket: task.SourceBucket, key: task.Key()}
	n, attempts, err := p.uploadMultipart(ctx, task, src, task.Object.Size, sourceOptions(task.Object, info), logger)
	return n, max(headAttempts, attempts), err
}

func (p *TaskProcessor) chunkedWholeBuffer(ctx context.Context, task Task, logger *zap.Logger) (int64, int, error) {
	data, info, readAttempts, err := p.readWhole(ctx, task, logger)
	if err != nil {
		return 0, readAttempts, err
	}
	opts := sourceOptions(task.Object, info)

	var (
		n        int64
		attempts int
	)
	if len(data) == 0 {
		// a multipart upload needs at least one part
		n, attempts, err = p.putBuffer(ctx, task, data, opts, logger)
	} else {
		n, attempts, err = p.uploadMultipart(ctx, task, bufferSource(data), int64(len(data)), opts, logger)
	}
	return n, max(readAttempts, attempts), err
}

func (p *TaskProcessor) completedInCheckpoint(task Task, logger *zap.Logger) bool {
	if p.checkpoint == nil || !p.config.Resume {
		return false
	}
	record, err := p.checkpoint.GetTask(task.SourceBucket, task.Key())
	if err != nil {
		logger.Warn("Failed to read checkpoint", zap.Error(err))
		return false
	}
	return record.Matches(task.Object.Size, task.Object.ETag)
}

// existsOnTarget reports whether the target already holds an object of the
// same size. Folder markers are always copied.
func (p *TaskProcessor) existsOnTarget(ctx context.Context, task Task, logger *zap.Logger) bool {
	if strings.HasSuffix(task.Key(), "/") {
		return false
	}
	info, err := p.dstClient.HeadObject(ctx, task.TargetBucket, task.Key())
	if err != nil {
		if storage.Classify(err) != storage.KindNotFound {
			logger.Warn("Failed to check target object, transferring", zap.Error(err))
		}
		return false
	}
	return info.Size == task.Object.Size
}

func (p *TaskProcessor) finish(out Outcome, start time.Time, logger *zap.Logger) Outcome {
	out.Finished = time.Now()
	out.Duration = out.Finished.Sub(start)
	p.metrics.ObserveObject(out.Status.String(), out.Strategy.String(), out.BytesTransferred, out.Duration)

	fields := []zap.Field{
		zap.String("strategy", out.Strategy.String()),
		zap.Int("attempts", out.Attempts),
		zap.Duration("duration", out.Duration),
	}
	switch out.Status {
	case StatusSuccess:
		if !out.Existing {
			logger.Info("Object migrated", append(fields, zap.Int64("bytes", out.BytesTransferred))...)
		}
	case StatusSkipped:
		logger.Warn("Object skipped", append(fields, zap.String("kind", out.Kind.String()), zap.Error(out.Err))...)
	default:
		if out.Kind == storage.KindCanceled {
			logger.Debug("Object canceled", fields...)
		} else {
			logger.Error("Object failed", append(fields, zap.String("kind", out.Kind.String()), zap.Error(out.Err))...)
		}
	}
	return out
}

// markTask writes the outcome to the checkpoint. Canceled objects are left
// untouched so the next run picks them up.
func (p *TaskProcessor) markTask(out Outcome, logger *zap.Logger) {
	if p.checkpoint == nil || out.Kind == storage.KindCanceled {
		return
	}

	record := &checkpoint.TaskRecord{
		RunID:    p.config.RunID,
		Bucket:   out.Task.SourceBucket,
		Key:      out.Task.Key(),
		Size:     out.Task.Object.Size,
		ETag:     out.Task.Object.ETag,
		Attempts: out.Attempts,
	}
	switch out.Status {
	case StatusSuccess:
		record.Status = checkpoint.StatusCompleted
	case StatusSkipped:
		record.Status = checkpoint.StatusSkipped
	default:
		record.Status = checkpoint.StatusFailed
	}
	if out.Err != nil {
		record.Kind = out.Kind.String()
		record.LastError = out.Err.Error()
	}

	if err := p.checkpoint.SaveTask(record); err != nil {
		logger.Error("Failed to save checkpoint record", zap.Error(err))
	}
}
