package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"s3migrate/internal/storage"
	"s3migrate/internal/storage/storagetest"
	"s3migrate/internal/worker"
)

func testRetrier() worker.Retrier {
	return worker.Retrier{MaxAttempts: 3}
}

// stuckTokenClient serves the first page forever with a constant token.
type stuckTokenClient struct {
	*storagetest.Memory
}

func (c stuckTokenClient) ListObjectsPage(ctx context.Context, bucket, prefix, token string) (storage.ObjectPage, error) {
	page, err := c.Memory.ListObjectsPage(ctx, bucket, prefix, "")
	page.Truncated = true
	page.NextToken = "same"
	return page, err
}

func TestListerWalksAllPages(t *testing.T) {
	src := storagetest.NewMemory()
	src.PageSize = 4
	fill(src, "b", 10, 5)

	lister := NewBucketLister(src, testRetrier(), zaptest.NewLogger(t))
	objCh, errCh := lister.List(context.Background(), "b", "")

	var keys []string
	for obj := range objCh {
		keys = append(keys, obj.Key)
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, src.Keys("b"), keys)
	assert.Equal(t, 3, src.Count(storagetest.OpListObjects))
}

func TestListerCount(t *testing.T) {
	src := storagetest.NewMemory()
	src.PageSize = 2
	fill(src, "b", 5, 10)
	src.PutBytes("b", "other/x", []byte("xyz"))

	lister := NewBucketLister(src, testRetrier(), zaptest.NewLogger(t))

	objects, size, err := lister.Count(context.Background(), "b", "")
	require.NoError(t, err)
	assert.Equal(t, int64(6), objects)
	assert.Equal(t, int64(10+11+12+13+14+3), size)

	objects, size, err = lister.Count(context.Background(), "b", "other/")
	require.NoError(t, err)
	assert.Equal(t, int64(1), objects)
	assert.Equal(t, int64(3), size)
}

func TestListerRetriesPages(t *testing.T) {
	src := storagetest.NewMemory()
	src.PageSize = 2
	fill(src, "b", 4, 1)
	src.SetHook(func(c storagetest.Call) error {
		if c.Op == storagetest.OpListObjects && c.Key == "2" && c.N < 3 {
			return &storage.Error{Op: c.Op, Code: "SlowDown", Status: 503, Kind: storage.KindTransient}
		}
		return nil
	})

	lister := NewBucketLister(src, testRetrier(), zaptest.NewLogger(t))
	tasks := make(chan worker.Task, 10)
	n, err := lister.ListAndEnqueue(context.Background(), "b", "", tasks, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, src.Count(storagetest.OpListObjects))
}

func TestListerRejectsStuckToken(t *testing.T) {
	src := storagetest.NewMemory()
	src.PageSize = 1
	fill(src, "b", 3, 1)

	lister := NewBucketLister(stuckTokenClient{src}, testRetrier(), zaptest.NewLogger(t))
	objects, _, err := lister.Count(context.Background(), "b", "")
	require.Error(t, err)
	assert.Equal(t, storage.KindInvalid, storage.Classify(err))
	assert.Equal(t, int64(2), objects)
}

func TestListAndEnqueueBuildsTasks(t *testing.T) {
	src := storagetest.NewMemory()
	fill(src, "photos", 3, 10)

	lister := NewBucketLister(src, testRetrier(), zaptest.NewLogger(t))
	tasks := make(chan worker.Task, 3)
	var seen []string
	n, err := lister.ListAndEnqueue(context.Background(), "photos", "", tasks, func(obj storage.ObjectInfo) {
		seen = append(seen, obj.Key)
	}, false)
	require.NoError(t, err)
	close(tasks)

	assert.Equal(t, 3, n)
	assert.Equal(t, src.Keys("photos"), seen)
	for task := range tasks {
		assert.Equal(t, "photos", task.SourceBucket)
		assert.Equal(t, "photos", task.TargetBucket)
		assert.Equal(t, int64(10+indexOf(seen, task.Key())), task.Object.Size)
	}
}

func TestListAndEnqueueDryRun(t *testing.T) {
	src := storagetest.NewMemory()
	fill(src, "b", 4, 10)

	lister := NewBucketLister(src, testRetrier(), zaptest.NewLogger(t))
	listed := 0
	n, err := lister.ListAndEnqueue(context.Background(), "b", "", nil, func(storage.ObjectInfo) { listed++ }, true)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, listed)
}

func TestListAndEnqueueCanceled(t *testing.T) {
	src := storagetest.NewMemory()
	fill(src, "b", 5, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lister := NewBucketLister(src, testRetrier(), zaptest.NewLogger(t))
	tasks := make(chan worker.Task, 1)
	var listed int
	n, err := lister.ListAndEnqueue(ctx, "b", "", tasks, func(storage.ObjectInfo) {
		listed++
		cancel()
	}, false)
	require.Error(t, err)
	assert.Equal(t, storage.KindCanceled, storage.Classify(err))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, listed)
}

func indexOf(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}
