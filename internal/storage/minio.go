package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// listPageSize is the number of keys requested per listing call.
const listPageSize = 1000

// MinIOClient implements the Client interface using minio-go
type MinIOClient struct {
	client *minio.Client
	core   *minio.Core
	region string
}

// NewMinIOClient creates a new MinIO client
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	// Clean and validate endpoint
	endpoint, tls, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure || tls,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOClient{
		client: client,
		core:   &minio.Core{Client: client},
		region: cfg.Region,
	}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format.
// The second result reports whether the URL asked for https.
func cleanEndpoint(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint cannot be empty")
	}

	// If endpoint doesn't have protocol, it must already be host:port
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", false, fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, false, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", false, fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, parsedURL.Scheme == "https", nil
}

// wrapMinIOError classifies a minio-go error at the client boundary.
func wrapMinIOError(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	var serr *Error
	if errors.As(err, &serr) {
		return err
	}

	resp := minio.ToErrorResponse(err)
	e := &Error{
		Op:     op,
		Bucket: bucket,
		Key:    key,
		Code:   resp.Code,
		Status: resp.StatusCode,
		Err:    err,
	}
	if resp.Code == "" && resp.StatusCode == 0 {
		e.Kind = classifyGeneric(err)
	} else {
		e.Kind = KindFromCode(resp.Code, resp.StatusCode)
	}
	return e
}

// Probe checks that the endpoint answers with the configured credentials.
func (c *MinIOClient) Probe(ctx context.Context, bucket string) error {
	_, err := c.client.BucketExists(ctx, bucket)
	return wrapMinIOError("probe", bucket, "", err)
}

// BucketExists reports whether the bucket exists
func (c *MinIOClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, wrapMinIOError("head bucket", bucket, "", err)
	}
	return ok, nil
}

// CreateBucket creates the bucket, treating "already owned by you" as success
func (c *MinIOClient) CreateBucket(ctx context.Context, bucket string) error {
	err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.region})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return wrapMinIOError("create bucket", bucket, "", err)
	}
	return nil
}

// ListObjectsPage fetches one page of a ListObjectsV2 listing
func (c *MinIOClient) ListObjectsPage(ctx context.Context, bucket, prefix, token string) (ObjectPage, error) {
	if err := ctx.Err(); err != nil {
		return ObjectPage{}, wrapMinIOError("list objects", bucket, "", err)
	}

	result, err := c.core.ListObjectsV2(bucket, prefix, "", token, "", listPageSize)
	if err != nil {
		return ObjectPage{}, wrapMinIOError("list objects", bucket, "", err)
	}

	page := ObjectPage{
		Objects:   make([]ObjectInfo, 0, len(result.Contents)),
		NextToken: result.NextContinuationToken,
		Truncated: result.IsTruncated,
	}
	for _, obj := range result.Contents {
		page.Objects = append(page.Objects, ObjectInfo{
			Bucket:       bucket,
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         strings.Trim(obj.ETag, `"`),
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
		})
	}
	return page, nil
}

// GetObject retrieves an object
func (c *MinIOClient) GetObject(ctx context.Context, bucket, key string) (Object, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapMinIOError("get object", bucket, key, err)
	}
	return &minioObject{Object: obj, bucket: bucket, key: key}, nil
}

// GetObjectRange retrieves the inclusive byte range [start, end] of an object
func (c *MinIOClient) GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, &Error{Op: "get object range", Bucket: bucket, Key: key, Kind: KindInvalid, Err: err}
	}

	obj, err := c.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, wrapMinIOError("get object range", bucket, key, err)
	}
	return &minioObject{Object: obj, bucket: bucket, key: key}, nil
}

// PutObject uploads an object
func (c *MinIOClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error {
	putOpts := minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	}

	_, err := c.client.PutObject(ctx, bucket, key, reader, size, putOpts)
	return wrapMinIOError("put object", bucket, key, err)
}

// HeadObject gets object metadata
func (c *MinIOClient) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, wrapMinIOError("head object", bucket, key, err)
	}

	return ObjectInfo{
		Bucket:       bucket,
		Key:          info.Key,
		Size:         info.Size,
		ETag:         strings.Trim(info.ETag, `"`),
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		Metadata:     info.UserMetadata,
	}, nil
}

// CopyObject performs a server-side copy on this endpoint
func (c *MinIOClient) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := c.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	return wrapMinIOError("copy object", dstBucket, dstKey, err)
}

// NewMultipartUpload initiates a multipart upload
func (c *MinIOClient) NewMultipartUpload(ctx context.Context, bucket, key string, opts PutOptions) (string, error) {
	putOpts := minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	}

	uploadID, err := c.core.NewMultipartUpload(ctx, bucket, key, putOpts)
	if err != nil {
		return "", wrapMinIOError("initiate multipart upload", bucket, key, err)
	}
	return uploadID, nil
}

// UploadPart uploads a part
func (c *MinIOClient) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	part, err := c.core.PutObjectPart(ctx, bucket, key, uploadID, partNumber, reader, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", wrapMinIOError(fmt.Sprintf("upload part %d", partNumber), bucket, key, err)
	}
	return part.ETag, nil
}

// CompleteMultipartUpload completes a multipart upload
func (c *MinIOClient) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	minioParts := make([]minio.CompletePart, len(parts))
	for i, part := range parts {
		minioParts[i] = minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		}
	}

	_, err := c.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, minioParts, minio.PutObjectOptions{})
	return wrapMinIOError("complete multipart upload", bucket, key, err)
}

// AbortMultipartUpload aborts a multipart upload
func (c *MinIOClient) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	err := c.core.AbortMultipartUpload(ctx, bucket, key, uploadID)
	return wrapMinIOError("abort multipart upload", bucket, key, err)
}

// minioObject wraps minio.Object so read errors carry a Kind
type minioObject struct {
	*minio.Object
	bucket string
	key    string
}

func (o *minioObject) Read(p []byte) (int, error) {
	n, err := o.Object.Read(p)
	if err != nil && err != io.EOF {
		return n, wrapMinIOError("read object", o.bucket, o.key, err)
	}
	return n, err
}

func (o *minioObject) Stat() (ObjectInfo, error) {
	info, err := o.Object.Stat()
	if err != nil {
		return ObjectInfo{}, wrapMinIOError("stat object", o.bucket, o.key, err)
	}

	return ObjectInfo{
		Bucket:       o.bucket,
		Key:          info.Key,
		Size:         info.Size,
		ETag:         strings.Trim(info.ETag, `"`),
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		Metadata:     info.UserMetadata,
	}, nil
}
