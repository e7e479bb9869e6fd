// Package storagetest provides an in-memory storage.Client for tests.
package storagetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"s3migrate/internal/storage"
)

// Operation names passed to fault hooks.
const (
	OpProbe          = "Probe"
	OpBucketExists   = "BucketExists"
	OpCreateBucket   = "CreateBucket"
	OpListObjects    = "ListObjectsPage"
	OpGetObject      = "GetObject"
	OpGetObjectRange = "GetObjectRange"
	OpHeadObject     = "HeadObject"
	OpPutObject      = "PutObject"
	OpCopyObject     = "CopyObject"
	OpNewMultipart   = "NewMultipartUpload"
	OpUploadPart     = "UploadPart"
	OpComplete       = "CompleteMultipartUpload"
	OpAbort          = "AbortMultipartUpload"
)

// Call describes one client call seen by a Hook.
type Call struct {
	Op         string
	Bucket     string
	Key        string
	PartNumber int
	// N is the 1-based count of calls with the same Op, Bucket, Key and PartNumber.
	N int
}

// Hook may return an error to inject a failure for a call.
type Hook func(call Call) error

type object struct {
	data []byte
	info storage.ObjectInfo
}

type upload struct {
	bucket string
	key    string
	opts   storage.PutOptions
	parts  map[int][]byte
}

// Memory is a concurrency-safe in-memory storage.Client.
type Memory struct {
	mu       sync.Mutex
	buckets  map[string]map[string]*object
	uploads  map[string]*upload
	nextID   int
	calls    map[Call]int
	opCounts map[string]int
	aborted  []string
	hook     Hook

	// PageSize bounds the number of keys per listing page.
	PageSize int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		buckets:  make(map[string]map[string]*object),
		uploads:  make(map[string]*upload),
		calls:    make(map[Call]int),
		opCounts: make(map[string]int),
		PageSize: 1000,
	}
}

// SetHook installs a fault injection hook.
func (m *Memory) SetHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// MakeBucket creates a bucket directly, bypassing hooks.
func (m *Memory) MakeBucket(bucket string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string]*object)
	}
}

// PutBytes stores an object directly, bypassing hooks.
func (m *Memory) PutBytes(bucket, key string, data []byte) {
	m.MakeBucket(bucket)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(bucket, key, data, storage.PutOptions{})
}

// Bytes returns a copy of an object's content.
func (m *Memory) Bytes(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, false
	}
	obj, ok := b[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Info returns the stored metadata for an object.
func (m *Memory) Info(bucket, key string) (storage.ObjectInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return storage.ObjectInfo{}, false
	}
	return obj.info, true
}

// Keys returns the sorted keys of a bucket.
func (m *Memory) Keys(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedKeys(bucket, "")
}

// Count returns how many times op was called.
func (m *Memory) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opCounts[op]
}

// OpenUploads returns the number of multipart uploads neither completed nor aborted.
func (m *Memory) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// Aborted returns the upload ids that were aborted.
func (m *Memory) Aborted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.aborted...)
}

// enter records a call and runs the hook. Callers must not hold m.mu.
func (m *Memory) enter(ctx context.Context, op, bucket, key string, part int) error {
	if err := ctx.Err(); err != nil {
		return &storage.Error{Op: op, Bucket: bucket, Key: key, Kind: storage.KindCanceled, Err: err}
	}

	m.mu.Lock()
	c := Call{Op: op, Bucket: bucket, Key: key, PartNumber: part}
	m.calls[c]++
	c.N = m.calls[c]
	m.opCounts[op]++
	hook := m.hook
	m.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(c); err != nil {
		if _, ok := err.(*storage.Error); ok {
			return err
		}
		return &storage.Error{Op: op, Bucket: bucket, Key: key, Kind: storage.Classify(err), Err: err}
	}
	return nil
}

func notFound(op, bucket, key, code string) error {
	return &storage.Error{Op: op, Bucket: bucket, Key: key, Code: code, Status: 404, Kind: storage.KindNotFound}
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// store must be called with m.mu held.
func (m *Memory) store(bucket, key string, data []byte, opts storage.PutOptions) {
	cp := append([]byte(nil), data...)
	m.buckets[bucket][key] = &object{
		data: cp,
		info: storage.ObjectInfo{
			Bucket:      bucket,
			Key:         key,
			Size:        int64(len(cp)),
			ETag:        etagOf(cp),
			ContentType: opts.ContentType,
			Metadata:    opts.Metadata,
		},
	}
}

// sortedKeys must be called with m.mu held.
func (m *Memory) sortedKeys(bucket, prefix string) []string {
	keys := make([]string, 0, len(m.buckets[bucket]))
	for k := range m.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) lookup(op, bucket, key string) (*object, error) {
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, notFound(op, bucket, key, "NoSuchBucket")
	}
	obj, ok := b[key]
	if !ok {
		return nil, notFound(op, bucket, key, "NoSuchKey")
	}
	return obj, nil
}

// Probe implements storage.Client.
func (m *Memory) Probe(ctx context.Context, bucket string) error {
	return m.enter(ctx, OpProbe, bucket, "", 0)
}

// BucketExists implements storage.Client.
func (m *Memory) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := m.enter(ctx, OpBucketExists, bucket, "", 0); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets[bucket]
	return ok, nil
}

// CreateBucket implements storage.Client.
func (m *Memory) CreateBucket(ctx context.Context, bucket string) error {
	if err := m.enter(ctx, OpCreateBucket, bucket, "", 0); err != nil {
		return err
	}
	m.MakeBucket(bucket)
	return nil
}

// ListObjectsPage implements storage.Client. Tokens are offsets into the sorted key list.
func (m *Memory) ListObjectsPage(ctx context.Context, bucket, prefix, token string) (storage.ObjectPage, error) {
	if err := m.enter(ctx, OpListObjects, bucket, token, 0); err != nil {
		return storage.ObjectPage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return storage.ObjectPage{}, notFound(OpListObjects, bucket, "", "NoSuchBucket")
	}

	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil {
			return storage.ObjectPage{}, &storage.Error{Op: OpListObjects, Bucket: bucket, Kind: storage.KindInvalid, Err: err}
		}
		start = n
	}

	keys := m.sortedKeys(bucket, prefix)
	end := start + m.PageSize
	if end > len(keys) {
		end = len(keys)
	}
	if start > end {
		start = end
	}

	page := storage.ObjectPage{Objects: make([]storage.ObjectInfo, 0, end-start)}
	for _, k := range keys[start:end] {
		// listings carry no content type or user metadata
		info := m.buckets[bucket][k].info
		info.ContentType = ""
		info.Metadata = nil
		page.Objects = append(page.Objects, info)
	}
	if end < len(keys) {
		page.Truncated = true
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

type memReader struct {
	*bytes.Reader
	info storage.ObjectInfo
}

func (r *memReader) Close() error                      { return nil }
func (r *memReader) Stat() (storage.ObjectInfo, error) { return r.info, nil }

// GetObject implements storage.Client.
func (m *Memory) GetObject(ctx context.Context, bucket, key string) (storage.Object, error) {
	if err := m.enter(ctx, OpGetObject, bucket, key, 0); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(OpGetObject, bucket, key)
	if err != nil {
		return nil, err
	}
	return &memReader{Reader: bytes.NewReader(append([]byte(nil), obj.data...)), info: obj.info}, nil
}

// GetObjectRange implements storage.Client. end is inclusive.
func (m *Memory) GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (io.ReadCloser, error) {
	if err := m.enter(ctx, OpGetObjectRange, bucket, key, 0); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(OpGetObjectRange, bucket, key)
	if err != nil {
		return nil, err
	}
	size := int64(len(obj.data))
	if start < 0 || start >= size || end < start {
		return nil, &storage.Error{
			Op: OpGetObjectRange, Bucket: bucket, Key: key,
			Code: "InvalidRange", Status: 416, Kind: storage.KindInvalid,
			Err: fmt.Errorf("range %d-%d outside object of %d bytes", start, end, size),
		}
	}
	if end >= size {
		end = size - 1
	}
	return &memReader{Reader: bytes.NewReader(append([]byte(nil), obj.data[start:end+1]...))}, nil
}

// HeadObject implements storage.Client.
func (m *Memory) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	if err := m.enter(ctx, OpHeadObject, bucket, key, 0); err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(OpHeadObject, bucket, key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	return obj.info, nil
}

// PutObject implements storage.Client.
func (m *Memory) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts storage.PutOptions) error {
	if err := m.enter(ctx, OpPutObject, bucket, key, 0); err != nil {
		return err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return &storage.Error{Op: OpPutObject, Bucket: bucket, Key: key, Kind: storage.KindTransient, Err: err}
	}
	if int64(len(data)) != size {
		return &storage.Error{
			Op: OpPutObject, Bucket: bucket, Key: key, Code: "IncompleteBody", Kind: storage.KindInvalid,
			Err: fmt.Errorf("read %d bytes, want %d", len(data), size),
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return notFound(OpPutObject, bucket, key, "NoSuchBucket")
	}
	m.store(bucket, key, data, opts)
	return nil
}

// CopyObject implements storage.Client.
func (m *Memory) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	if err := m.enter(ctx, OpCopyObject, dstBucket, dstKey, 0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(OpCopyObject, srcBucket, srcKey)
	if err != nil {
		return err
	}
	if _, ok := m.buckets[dstBucket]; !ok {
		return notFound(OpCopyObject, dstBucket, dstKey, "NoSuchBucket")
	}
	m.store(dstBucket, dstKey, obj.data, storage.PutOptions{ContentType: obj.info.ContentType, Metadata: obj.info.Metadata})
	return nil
}

// NewMultipartUpload implements storage.Client.
func (m *Memory) NewMultipartUpload(ctx context.Context, bucket, key string, opts storage.PutOptions) (string, error) {
	if err := m.enter(ctx, OpNewMultipart, bucket, key, 0); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return "", notFound(OpNewMultipart, bucket, key, "NoSuchBucket")
	}
	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = &upload{bucket: bucket, key: key, opts: opts, parts: make(map[int][]byte)}
	return id, nil
}

// UploadPart implements storage.Client.
func (m *Memory) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	if err := m.enter(ctx, OpUploadPart, bucket, key, partNumber); err != nil {
		return "", err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", &storage.Error{Op: OpUploadPart, Bucket: bucket, Key: key, Kind: storage.KindTransient, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return "", notFound(OpUploadPart, bucket, key, "NoSuchUpload")
	}
	up.parts[partNumber] = data
	return etagOf(data), nil
}

// CompleteMultipartUpload implements storage.Client.
func (m *Memory) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []storage.CompletedPart) error {
	if err := m.enter(ctx, OpComplete, bucket, key, 0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return notFound(OpComplete, bucket, key, "NoSuchUpload")
	}

	var buf bytes.Buffer
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return &storage.Error{Op: OpComplete, Bucket: bucket, Key: key, Code: "InvalidPartOrder", Status: 400, Kind: storage.KindInvalid}
		}
		data, ok := up.parts[p.PartNumber]
		if !ok || etagOf(data) != p.ETag {
			return &storage.Error{Op: OpComplete, Bucket: bucket, Key: key, Code: "InvalidPart", Status: 400, Kind: storage.KindInvalid}
		}
		buf.Write(data)
	}
	m.store(bucket, key, buf.Bytes(), up.opts)
	delete(m.uploads, uploadID)
	return nil
}

// AbortMultipartUpload implements storage.Client.
func (m *Memory) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if err := m.enter(ctx, OpAbort, bucket, key, 0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[uploadID]; !ok {
		return notFound(OpAbort, bucket, key, "NoSuchUpload")
	}
	delete(m.uploads, uploadID)
	m.aborted = append(m.aborted, uploadID)
	return nil
}

var _ storage.Client = (*Memory)(nil)
