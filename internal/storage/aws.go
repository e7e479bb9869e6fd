package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const defaultAWSRegion = "us-east-1"

// AWSClient implements the Client interface using aws-sdk-go-v2. It is the
// driver of choice for providers that only accept virtual-host addressing.
type AWSClient struct {
	client *s3.Client
	region string
}

// NewAWSClient creates a new aws-sdk-go-v2 backed client
func NewAWSClient(cfg Config) (*AWSClient, error) {
	endpoint, err := endpointURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	region := cfg.Region
	if region == "" {
		region = defaultAWSRegion
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		o.BaseEndpoint = aws.String(endpoint)
		// Retries are owned by the migration engine.
		o.RetryMaxAttempts = 1
	})

	return &AWSClient{client: client, region: region}, nil
}

// endpointURL turns a configured endpoint into a full URL for BaseEndpoint.
func endpointURL(cfg Config) (string, error) {
	if cfg.Endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	if strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://") {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
		}
		return u.Scheme + "://" + u.Host, nil
	}
	if strings.Contains(cfg.Endpoint, "/") {
		return "", fmt.Errorf("endpoint contains path but no protocol")
	}
	if cfg.Secure {
		return "https://" + cfg.Endpoint, nil
	}
	return "http://" + cfg.Endpoint, nil
}

// wrapAWSError classifies an aws-sdk-go-v2 error at the client boundary.
func wrapAWSError(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	var serr *Error
	if errors.As(err, &serr) {
		return err
	}

	e := &Error{Op: op, Bucket: bucket, Key: key, Err: err}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		e.Status = respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	switch {
	case errors.Is(err, context.Canceled):
		e.Kind = KindCanceled
	case errors.As(err, &apiErr):
		e.Code = apiErr.ErrorCode()
		e.Kind = KindFromCode(e.Code, e.Status)
	case e.Status != 0:
		e.Kind = KindFromCode("", e.Status)
	default:
		e.Kind = classifyGeneric(err)
	}
	return e
}

// Probe checks that the endpoint answers with the configured credentials.
// A missing bucket still proves the endpoint is reachable.
func (c *AWSClient) Probe(ctx context.Context, bucket string) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	err = wrapAWSError("probe", bucket, "", err)
	if Classify(err) == KindNotFound {
		return nil
	}
	return err
}

// BucketExists reports whether the bucket exists
func (c *AWSClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		err = wrapAWSError("head bucket", bucket, "", err)
		if Classify(err) == KindNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateBucket creates the bucket, treating "already owned by you" as success
func (c *AWSClient) CreateBucket(ctx context.Context, bucket string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if c.region != defaultAWSRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.region),
		}
	}

	_, err := c.client.CreateBucket(ctx, input)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return wrapAWSError("create bucket", bucket, "", err)
	}
	return nil
}

// ListObjectsPage fetches one page of a ListObjectsV2 listing
func (c *AWSClient) ListObjectsPage(ctx context.Context, bucket, prefix, token string) (ObjectPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(listPageSize),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}

	out, err := c.client.ListObjectsV2(ctx, input)
	if err != nil {
		return ObjectPage{}, wrapAWSError("list objects", bucket, "", err)
	}

	page := ObjectPage{
		Objects:   make([]ObjectInfo, 0, len(out.Contents)),
		NextToken: aws.ToString(out.NextContinuationToken),
		Truncated: aws.ToBool(out.IsTruncated),
	}
	for _, obj := range out.Contents {
		page.Objects = append(page.Objects, ObjectInfo{
			Bucket:       bucket,
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return page, nil
}

// GetObject retrieves an object
func (c *AWSClient) GetObject(ctx context.Context, bucket, key string) (Object, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapAWSError("get object", bucket, key, err)
	}

	return &awsObject{
		body:   out.Body,
		bucket: bucket,
		key:    key,
		info: ObjectInfo{
			Bucket:       bucket,
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
			LastModified: aws.ToTime(out.LastModified),
			ContentType:  aws.ToString(out.ContentType),
			Metadata:     out.Metadata,
		},
	}, nil
}

// GetObjectRange retrieves the inclusive byte range [start, end] of an object
func (c *AWSClient) GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (io.ReadCloser, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		return nil, wrapAWSError("get object range", bucket, key, err)
	}
	return &awsObject{body: out.Body, bucket: bucket, key: key}, nil
}

// HeadObject gets object metadata
func (c *AWSClient) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, wrapAWSError("head object", bucket, key, err)
	}

	return ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     out.Metadata,
	}, nil
}

// PutObject uploads an object
func (c *AWSClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		Metadata:      opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	_, err := c.client.PutObject(ctx, input)
	return wrapAWSError("put object", bucket, key, err)
}

// CopyObject performs a server-side copy on this endpoint
func (c *AWSClient) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := c.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + url.PathEscape(srcKey)),
	})
	return wrapAWSError("copy object", dstBucket, dstKey, err)
}

// NewMultipartUpload initiates a multipart upload
func (c *AWSClient) NewMultipartUpload(ctx context.Context, bucket, key string, opts PutOptions) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	out, err := c.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", wrapAWSError("initiate multipart upload", bucket, key, err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads a part
func (c *AWSClient) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	out, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          reader,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", wrapAWSError(fmt.Sprintf("upload part %d", partNumber), bucket, key, err)
	}
	return aws.ToString(out.ETag), nil
}

// CompleteMultipartUpload completes a multipart upload
func (c *AWSClient) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(int32(part.PartNumber)),
			ETag:       aws.String(part.ETag),
		}
	}

	_, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	return wrapAWSError("complete multipart upload", bucket, key, err)
}

// AbortMultipartUpload aborts a multipart upload
func (c *AWSClient) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return wrapAWSError("abort multipart upload", bucket, key, err)
}

// awsObject adapts a GetObject body to the Object interface
type awsObject struct {
	body   io.ReadCloser
	bucket string
	key    string
	info   ObjectInfo
}

func (o *awsObject) Read(p []byte) (int, error) {
	n, err := o.body.Read(p)
	if err != nil && err != io.EOF {
		return n, wrapAWSError("read object", o.bucket, o.key, err)
	}
	return n, err
}

func (o *awsObject) Close() error {
	return o.body.Close()
}

func (o *awsObject) Stat() (ObjectInfo, error) {
	return o.info, nil
}
