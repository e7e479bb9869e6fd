package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"s3migrate/internal/storage"
	"s3migrate/internal/worker"
)

// BucketLister walks a bucket listing page by page.
type BucketLister struct {
	client storage.Client
	retry  worker.Retrier
	logger *zap.Logger
}

// NewBucketLister creates a lister. Each page fetch is retried with retry.
func NewBucketLister(client storage.Client, retry worker.Retrier, logger *zap.Logger) *BucketLister {
	return &BucketLister{client: client, retry: retry, logger: logger}
}

// List yields every object under prefix in provider order. The error
// channel receives at most one error and is closed after the object channel.
// Callers must drain the object channel or cancel ctx. Calling List again
// restarts from the beginning.
func (l *BucketLister) List(ctx context.Context, bucket, prefix string) (<-chan storage.ObjectInfo, <-chan error) {
	objCh := make(chan storage.ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(objCh)

		token := ""
		for page := 1; ; page++ {
			var result storage.ObjectPage
			_, err := l.retry.Do(ctx, func(ctx context.Context) error {
				var err error
				result, err = l.client.ListObjectsPage(ctx, bucket, prefix, token)
				return err
			})
			if err != nil {
				errCh <- fmt.Errorf("failed to list page %d of %s: %w", page, bucket, err)
				return
			}

			for _, obj := range result.Objects {
				select {
				case objCh <- obj:
				case <-ctx.Done():
					errCh <- storage.NewError("list objects", storage.KindCanceled, ctx.Err())
					return
				}
			}

			if !result.Truncated {
				return
			}
			if result.NextToken == "" || result.NextToken == token {
				errCh <- &storage.Error{
					Op:     "list objects",
					Bucket: bucket,
					Kind:   storage.KindInvalid,
					Err:    fmt.Errorf("continuation token did not advance after page %d", page),
				}
				return
			}
			token = result.NextToken
		}
	}()

	return objCh, errCh
}

// Count counts the objects and bytes under prefix.
func (l *BucketLister) Count(ctx context.Context, bucket, prefix string) (int64, int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var totalObjects, totalSize int64
	objCh, errCh := l.List(ctx, bucket, prefix)
	for obj := range objCh {
		totalObjects++
		totalSize += obj.Size
	}
	if err := <-errCh; err != nil {
		return totalObjects, totalSize, fmt.Errorf("error counting objects: %w", err)
	}
	return totalObjects, totalSize, nil
}

// ListAndEnqueue lists bucket and sends one task per object to tasks. listed
// is called for every object seen. In dry-run mode objects are only logged
// and tasks may be nil. It returns the number of objects listed.
func (l *BucketLister) ListAndEnqueue(ctx context.Context, bucket, prefix string, tasks chan<- worker.Task, listed func(storage.ObjectInfo), dryRun bool) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		totalObjects int
		totalSize    int64
	)
	objCh, errCh := l.List(ctx, bucket, prefix)
	for obj := range objCh {
		if err := ctx.Err(); err != nil {
			return totalObjects, storage.NewError("enqueue", storage.KindCanceled, err)
		}
		if dryRun {
			totalObjects++
			totalSize += obj.Size
			if listed != nil {
				listed(obj)
			}
			l.logger.Info("Would migrate object",
				zap.String("bucket", bucket),
				zap.String("key", obj.Key),
				zap.Int64("size", obj.Size),
			)
			continue
		}

		task := worker.Task{Object: obj, SourceBucket: bucket, TargetBucket: bucket}
		select {
		case tasks <- task:
			totalObjects++
			totalSize += obj.Size
			if listed != nil {
				listed(obj)
			}
			l.logger.Debug("Enqueued object", zap.String("key", obj.Key))
		case <-ctx.Done():
			return totalObjects, storage.NewError("enqueue", storage.KindCanceled, ctx.Err())
		}
	}

	if err := <-errCh; err != nil {
		return totalObjects, fmt.Errorf("error listing objects: %w", err)
	}

	l.logger.Info("Finished listing objects",
		zap.String("bucket", bucket),
		zap.Int("total_objects", totalObjects),
		zap.Int64("total_size_bytes", totalSize),
	)
	return totalObjects, nil
}
