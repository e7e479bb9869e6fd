package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"s3migrate/internal/storage"
	"s3migrate/internal/storage/storagetest"
)

func testRetrier() Retrier {
	return Retrier{MaxAttempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }}
}

func newSession(t *testing.T, m *storagetest.Memory) *Session {
	t.Helper()
	m.MakeBucket("dst")
	sess, attempts, err := Initiate(context.Background(), m, "dst", "big.bin", storage.PutOptions{}, testRetrier(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, SessionInitiated, sess.State())
	return sess
}

func TestSessionCompletesOutOfOrderParts(t *testing.T) {
	m := storagetest.NewMemory()
	sess := newSession(t, m)
	ctx := context.Background()

	for _, n := range []int{2, 3, 1} {
		_, err := sess.UploadPart(ctx, n, []byte{byte('a' + n - 1)})
		require.NoError(t, err)
	}
	assert.Equal(t, SessionUploadingParts, sess.State())
	assert.Equal(t, int64(3), sess.NextOffset)

	require.NoError(t, sess.Complete(ctx))
	assert.Equal(t, SessionCompleted, sess.State())

	data, ok := m.Bytes("dst", "big.bin")
	require.True(t, ok)
	assert.Equal(t, "abc", string(data))
	assert.Equal(t, 0, m.OpenUploads())
}

func TestSessionRejectsGap(t *testing.T) {
	m := storagetest.NewMemory()
	sess := newSession(t, m)
	ctx := context.Background()

	_, err := sess.UploadPart(ctx, 1, []byte("a"))
	require.NoError(t, err)
	_, err = sess.UploadPart(ctx, 3, []byte("c"))
	require.NoError(t, err)

	err = sess.Complete(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartSequence))
	assert.Equal(t, storage.KindInvalid, storage.Classify(err))
	assert.Equal(t, 0, m.Count(storagetest.OpComplete), "invalid sequence must not reach the server")

	require.NoError(t, sess.Abort(ctx))
	assert.Equal(t, SessionAborted, sess.State())
	assert.Equal(t, 0, m.OpenUploads())
}

func TestSessionEmptyCompleteAborts(t *testing.T) {
	m := storagetest.NewMemory()
	sess := newSession(t, m)

	err := sess.Complete(context.Background())
	assert.True(t, errors.Is(err, ErrEmptyUpload))
	assert.Equal(t, SessionAborted, sess.State())
	assert.Len(t, m.Aborted(), 1)
}

func TestSessionAbortIgnoresCancellation(t *testing.T) {
	m := storagetest.NewMemory()
	sess := newSession(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sess.Abort(ctx))
	assert.Equal(t, []string{sess.UploadID}, m.Aborted())

	// closed sessions refuse further work
	_, err := sess.UploadPart(context.Background(), 1, []byte("x"))
	assert.True(t, errors.Is(err, ErrSessionClosed))
	require.NoError(t, sess.Abort(context.Background()))
	assert.Len(t, m.Aborted(), 1)
}

func TestSessionPartRetry(t *testing.T) {
	m := storagetest.NewMemory()
	sess := newSession(t, m)
	m.SetHook(func(c storagetest.Call) error {
		if c.Op == storagetest.OpUploadPart && c.N <= 2 {
			return transient("SlowDown")
		}
		return nil
	})

	attempts, err := sess.UploadPart(context.Background(), 1, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, sess.Attempts())
}

func TestInitiateFailure(t *testing.T) {
	m := storagetest.NewMemory()
	m.MakeBucket("dst")
	m.SetHook(func(c storagetest.Call) error {
		if c.Op == storagetest.OpNewMultipart {
			return &storage.Error{Op: "initiate", Code: "AccessDenied", Status: 403, Kind: storage.KindAuth}
		}
		return nil
	})

	sess, attempts, err := Initiate(context.Background(), m, "dst", "k", storage.PutOptions{}, testRetrier(), nil, zaptest.NewLogger(t))
	assert.Nil(t, sess)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, storage.KindAuth, storage.Classify(err))
}

func TestChunkSizeFor(t *testing.T) {
	const mib = 1024 * 1024

	assert.Equal(t, int64(8*mib), chunkSizeFor(100*mib, 8*mib))
	assert.Equal(t, int64(8*mib), chunkSizeFor(8*mib*MaxParts, 8*mib))

	// one byte over the limit needs a bigger, MiB aligned chunk
	got := chunkSizeFor(8*mib*MaxParts+1, 8*mib)
	assert.Equal(t, int64(9*mib), got)
	assert.LessOrEqual(t, (8*mib*MaxParts+1+got-1)/got, int64(MaxParts))

	assert.Equal(t, int64(DefaultChunkSize), chunkSizeFor(10, 0))
}

type shortRangeClient struct {
	*storagetest.Memory
}

func (c shortRangeClient) GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (io.ReadCloser, error) {
	body, err := c.Memory.GetObjectRange(ctx, bucket, key, start, end)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	return io.NopCloser(bytes.NewReader(data[:len(data)/2])), nil
}

func TestRangeSourceShortRead(t *testing.T) {
	m := storagetest.NewMemory()
	m.PutBytes("src", "k", pattern(100))

	_, err := rangeSource{client: shortRangeClient{m}, bucket: "src", key: "k"}.part(context.Background(), 0, 50)
	assert.Equal(t, storage.KindIntegrity, storage.Classify(err))

	data, err := rangeSource{client: m, bucket: "src", key: "k"}.part(context.Background(), 50, 50)
	require.NoError(t, err)
	assert.Equal(t, pattern(100)[50:], data)
}
