package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"s3migrate/internal/storage"
)

// CheckResult is the outcome of probing one bucket on one endpoint.
type CheckResult struct {
	Role     string
	Endpoint string
	Bucket   string
	// FirstKey is the first listed key, empty when the bucket is empty.
	FirstKey string
	// Missing is set when the bucket does not exist. A missing target bucket
	// is not an error because the run creates it.
	Missing bool
	Err     error
}

// OK reports whether the bucket is usable for its role.
func (r CheckResult) OK() bool {
	if r.Err != nil {
		return false
	}
	return !r.Missing || r.Role == "target"
}

// Check lists one page of every configured bucket on the source and the
// target. It returns an error when any source bucket or any endpoint is
// unusable.
func (m *Migrator) Check(ctx context.Context, sourceOnly, targetOnly bool) ([]CheckResult, error) {
	type endpoint struct {
		role     string
		endpoint string
		client   storage.Client
	}
	var endpoints []endpoint
	if !targetOnly {
		endpoints = append(endpoints, endpoint{"source", m.cfg.Source.Endpoint, m.srcClient})
	}
	if !sourceOnly {
		endpoints = append(endpoints, endpoint{"target", m.cfg.Target.Endpoint, m.dstClient})
	}

	var (
		results []CheckResult
		errs    []error
	)
	for _, ep := range endpoints {
		for _, bucket := range m.cfg.Migration.Buckets {
			res := m.checkBucket(ctx, ep.role, ep.endpoint, ep.client, bucket)
			results = append(results, res)
			if !res.OK() {
				cause := res.Err
				if cause == nil {
					cause = errors.New("bucket does not exist")
				}
				errs = append(errs, fmt.Errorf("%s bucket %s: %w", ep.role, bucket, cause))
			}
			if storage.Classify(res.Err) == storage.KindCanceled {
				return results, res.Err
			}
		}
	}
	return results, errors.Join(errs...)
}

func (m *Migrator) checkBucket(ctx context.Context, role, endpoint string, client storage.Client, bucket string) CheckResult {
	logger := m.logger.With(zap.String("role", role), zap.String("endpoint", endpoint), zap.String("bucket", bucket))
	res := CheckResult{Role: role, Endpoint: endpoint, Bucket: bucket}

	var page storage.ObjectPage
	_, err := m.retrier(logger).Do(ctx, func(ctx context.Context) error {
		var err error
		page, err = client.ListObjectsPage(ctx, bucket, m.cfg.Migration.Prefix, "")
		return err
	})
	switch {
	case err == nil:
		if len(page.Objects) > 0 {
			res.FirstKey = page.Objects[0].Key
			logger.Info("Bucket accessible", zap.String("first_key", res.FirstKey))
		} else {
			logger.Info("Bucket accessible and empty")
		}
	case storage.Classify(err) == storage.KindNotFound:
		res.Missing = true
		if role == "target" {
			logger.Info("Bucket does not exist and will be created")
		} else {
			logger.Error("Bucket does not exist")
		}
	default:
		res.Err = err
		logger.Error("Bucket not accessible", zap.String("kind", storage.Classify(err).String()), zap.Error(err))
	}
	return res
}
