package storage

import (
	"context"
	"io"
	"time"
)

// Client defines the interface for S3-compatible storage operations.
// Every error returned by an implementation is a *Error carrying a Kind.
type Client interface {
	// Endpoint operations
	Probe(ctx context.Context, bucket string) error

	// Bucket operations
	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, bucket string) error
	ListObjectsPage(ctx context.Context, bucket, prefix, token string) (ObjectPage, error)

	// Object operations
	GetObject(ctx context.Context, bucket, key string) (Object, error)
	GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (io.ReadCloser, error)
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error

	// Multipart operations
	NewMultipartUpload(ctx context.Context, bucket, key string, opts PutOptions) (string, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// Object represents an object stream
type Object interface {
	io.ReadCloser
	Stat() (ObjectInfo, error)
}

// ObjectInfo describes one listed object. Values are never mutated after listing.
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// ObjectPage is one page of a bucket listing.
type ObjectPage struct {
	Objects   []ObjectInfo
	NextToken string
	Truncated bool
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// CompletedPart represents a completed multipart upload part
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Driver names accepted in Config.Driver.
const (
	DriverMinIO = "minio"
	DriverAWS   = "aws"
)

// Config contains client configuration
type Config struct {
	Driver    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
	PathStyle bool
}

// New creates a client for the configured driver.
func New(cfg Config) (Client, error) {
	switch cfg.Driver {
	case "", DriverMinIO:
		return NewMinIOClient(cfg)
	case DriverAWS:
		return NewAWSClient(cfg)
	default:
		return nil, &Error{Op: "new client", Kind: KindInvalid, Err: errUnknownDriver(cfg.Driver)}
	}
}
