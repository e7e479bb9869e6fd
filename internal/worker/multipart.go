package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"s3migrate/internal/metrics"
	"s3migrate/internal/storage"
)

const (
	// MaxParts is the S3 limit on parts per multipart upload.
	MaxParts = 10000

	// DefaultChunkSize is used when no chunk size is configured.
	DefaultChunkSize = 8 * 1024 * 1024

	abortTimeout    = 30 * time.Second
	partLogInterval = 10
	chunkAlignment  = 1024 * 1024
)

var (
	// ErrPartSequence means the recorded parts are not 1..N without gaps.
	ErrPartSequence = errors.New("multipart parts are not contiguous from 1")
	// ErrEmptyUpload means Complete was attempted before any part was uploaded.
	ErrEmptyUpload = errors.New("multipart upload has no parts")
	// ErrSessionClosed means the session was already completed or aborted.
	ErrSessionClosed = errors.New("multipart session is closed")
)

// SessionState is the lifecycle state of a multipart Session.
type SessionState int

const (
	SessionInitiated SessionState = iota
	SessionUploadingParts
	SessionCompleted
	SessionAborted
)

func (s SessionState) String() string {
	switch s {
	case SessionInitiated:
		return "Initiated"
	case SessionUploadingParts:
		return "UploadingParts"
	case SessionCompleted:
		return "Completed"
	case SessionAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Session is one multipart upload of one object. It is safe for concurrent
// UploadPart calls.
type Session struct {
	UploadID   string
	Bucket     string
	Key        string
	Parts      []storage.CompletedPart
	NextOffset int64

	mu          sync.Mutex
	state       SessionState
	maxAttempts int

	client  storage.Client
	retry   Retrier
	metrics *metrics.Collector
	logger  *zap.Logger
}

// Initiate starts a multipart upload on client. No session exists when it fails.
func Initiate(ctx context.Context, client storage.Client, bucket, key string, opts storage.PutOptions, retry Retrier, collector *metrics.Collector, logger *zap.Logger) (*Session, int, error) {
	var uploadID string
	attempts, err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		uploadID, err = client.NewMultipartUpload(ctx, bucket, key, opts)
		return err
	})
	if err != nil {
		return nil, attempts, fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	s := &Session{
		UploadID:    uploadID,
		Bucket:      bucket,
		Key:         key,
		state:       SessionInitiated,
		maxAttempts: attempts,
		client:      client,
		retry:       retry,
		metrics:     collector,
		logger:      logger.With(zap.String("upload_id", uploadID)),
	}
	s.logger.Debug("Multipart upload initiated")
	return s, attempts, nil
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the highest attempt number any step of the session reached.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxAttempts
}

// UploadPart uploads data as part n.
func (s *Session) UploadPart(ctx context.Context, n int, data []byte) (int, error) {
	return s.uploadFrom(ctx, n, func(context.Context) ([]byte, error) { return data, nil })
}

// uploadFrom runs fetch and the upload of its result as one retried step.
func (s *Session) uploadFrom(ctx context.Context, n int, fetch func(ctx context.Context) ([]byte, error)) (int, error) {
	s.mu.Lock()
	if s.state != SessionInitiated && s.state != SessionUploadingParts {
		s.mu.Unlock()
		return 0, &storage.Error{Op: fmt.Sprintf("upload part %d", n), Bucket: s.Bucket, Key: s.Key, Kind: storage.KindInvalid, Err: ErrSessionClosed}
	}
	s.state = SessionUploadingParts
	s.mu.Unlock()

	var (
		etag string
		size int64
	)
	attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
		data, err := fetch(ctx)
		if err != nil {
			return err
		}
		size = int64(len(data))
		etag, err = s.client.UploadPart(ctx, s.Bucket, s.Key, s.UploadID, n, bytes.NewReader(data), size)
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if attempts > s.maxAttempts {
		s.maxAttempts = attempts
	}
	if err != nil {
		return attempts, fmt.Errorf("failed to upload part %d: %w", n, err)
	}

	s.Parts = append(s.Parts, storage.CompletedPart{PartNumber: n, ETag: etag})
	s.NextOffset += size
	s.metrics.IncParts()
	if n%partLogInterval == 0 {
		s.logger.Info("Multipart progress", zap.Int("parts", len(s.Parts)), zap.Int64("bytes", s.NextOffset))
	}
	return attempts, nil
}

// Complete finishes the upload. Parts are sorted by number and must run
// 1..N without gaps; a violation is never sent to the server.
func (s *Session) Complete(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionCompleted || s.state == SessionAborted {
		s.mu.Unlock()
		return &storage.Error{Op: "complete multipart upload", Bucket: s.Bucket, Key: s.Key, Kind: storage.KindInvalid, Err: ErrSessionClosed}
	}
	parts := append([]storage.CompletedPart(nil), s.Parts...)
	s.mu.Unlock()

	if len(parts) == 0 {
		if err := s.Abort(ctx); err != nil {
			s.logger.Warn("Failed to abort empty multipart upload", zap.Error(err))
		}
		return &storage.Error{Op: "complete multipart upload", Bucket: s.Bucket, Key: s.Key, Kind: storage.KindInvalid, Err: ErrEmptyUpload}
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return &storage.Error{
				Op:     "complete multipart upload",
				Bucket: s.Bucket,
				Key:    s.Key,
				Kind:   storage.KindInvalid,
				Err:    fmt.Errorf("%w: found part %d at position %d", ErrPartSequence, p.PartNumber, i+1),
			}
		}
	}

	attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.client.CompleteMultipartUpload(ctx, s.Bucket, s.Key, s.UploadID, parts)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if attempts > s.maxAttempts {
		s.maxAttempts = attempts
	}
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	s.Parts = parts
	s.state = SessionCompleted
	s.logger.Debug("Multipart upload completed", zap.Int("parts", len(parts)))
	return nil
}

// Abort releases the upload. It runs even when ctx is already canceled.
func (s *Session) Abort(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionCompleted || s.state == SessionAborted {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionAborted
	s.mu.Unlock()

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	_, err := s.retry.Do(abortCtx, func(ctx context.Context) error {
		return s.client.AbortMultipartUpload(ctx, s.Bucket, s.Key, s.UploadID)
	})
	if err != nil {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	s.logger.Debug("Multipart upload aborted")
	return nil
}

// partSource supplies the bytes of one part.
type partSource interface {
	part(ctx context.Context, offset, length int64) ([]byte, error)
}

// rangeSource reads each part with a ranged GET.
type rangeSource struct {
	client storage.Client
	bucket string
	key    string
}

func (r rangeSource) part(ctx context.Context, offset, length int64) ([]byte, error) {
	body, err := r.client.GetObjectRange(ctx, r.bucket, r.key, offset, offset+length-1)
	if err != nil {
		return nil, sourceErr(err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, length))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) < length {
		return nil, &storage.Error{
			Op:     "read range",
			Bucket: r.bucket,
			Key:    r.key,
			Kind:   storage.KindIntegrity,
			Err:    fmt.Errorf("short read at offset %d: got %d of %d bytes", offset, len(data), length),
		}
	}
	return data, nil
}

// bufferSource slices parts out of an object already held in memory.
type bufferSource []byte

func (b bufferSource) part(_ context.Context, offset, length int64) ([]byte, error) {
	return b[offset : offset+length], nil
}

// chunkSizeFor returns the part size for an object of the given size,
// raised to a 1 MiB multiple when chunk would need more than MaxParts parts.
func chunkSizeFor(size, chunk int64) int64 {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if size <= chunk*MaxParts {
		return chunk
	}
	need := (size + MaxParts - 1) / MaxParts
	return (need + chunkAlignment - 1) / chunkAlignment * chunkAlignment
}

// uploadMultipart copies size bytes from src into a new multipart upload.
// Any exit other than success leaves the session aborted.
func (p *TaskProcessor) uploadMultipart(ctx context.Context, task Task, src partSource, size int64, opts storage.PutOptions, logger *zap.Logger) (int64, int, error) {
	chunk := chunkSizeFor(size, p.config.ChunkSize)
	if chunk != p.config.ChunkSize {
		logger.Info("Raised chunk size to stay within part limit",
			zap.Int64("chunk_size", chunk),
			zap.Int("max_parts", MaxParts))
	}

	sess, attempts, err := Initiate(ctx, p.dstClient, task.TargetBucket, task.Key(), opts, p.retrier(logger), p.metrics, logger)
	if err != nil {
		return 0, attempts, err
	}
	defer func() {
		if sess.State() != SessionCompleted {
			if abortErr := sess.Abort(ctx); abortErr != nil {
				logger.Error("Failed to abort multipart upload", zap.String("upload_id", sess.UploadID), zap.Error(abortErr))
			}
		}
	}()

	concurrency := p.config.PartConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	partCount := int((size + chunk - 1) / chunk)
	for n := 1; n <= partCount; n++ {
		if gctx.Err() != nil {
			break
		}
		n := n
		offset := int64(n-1) * chunk
		length := chunk
		if offset+length > size {
			length = size - offset
		}
		g.Go(func() error {
			_, err := sess.uploadFrom(gctx, n, func(ctx context.Context) ([]byte, error) {
				return src.part(ctx, offset, length)
			})
			return err
		})
	}

	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		err = storage.NewError("upload parts", storage.KindCanceled, ctx.Err())
	}
	if err != nil {
		return sess.NextOffset, sess.Attempts(), err
	}

	if err := sess.Complete(ctx); err != nil {
		return sess.NextOffset, sess.Attempts(), err
	}
	return size, sess.Attempts(), nil
}
