//go:build integration

package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"go.uber.org/zap/zaptest"

	"s3migrate/internal/config"
	"s3migrate/internal/storage"
)

func startMinIO(t *testing.T, driver string) config.S3Config {
	t.Helper()
	ctx := context.Background()

	ctr, err := minio.Run(ctx, "minio/minio:latest")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	ep, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	return config.S3Config{
		Driver:    driver,
		Endpoint:  ep,
		AccessKey: ctr.Username,
		SecretKey: ctr.Password,
		Region:    "us-east-1",
		PathStyle: true,
	}
}

func TestIntegrationMigrateBetweenMinIOs(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Source = startMinIO(t, storage.DriverMinIO)
	cfg.Target = startMinIO(t, storage.DriverAWS)
	cfg.Migration.Buckets = []string{"media"}
	cfg.Migration.ChunkSize = config.MinChunkSize
	cfg.Migration.RetryBackoffMs = 100
	cfg.Migration.ShowProgress = false
	cfg.Migration.FailureDir = t.TempDir()
	cfg.Migration.Checkpoint = t.TempDir() + "/state.db"
	require.NoError(t, cfg.Validate())

	src, err := storage.New(cfg.Source.Storage())
	require.NoError(t, err)
	require.NoError(t, src.CreateBucket(ctx, "media"))

	objects := map[string][]byte{
		"empty.txt":     {},
		"small.txt":     []byte("hello"),
		"dir/":          {},
		"dir/large.bin": bytes.Repeat([]byte("0123456789abcdef"), (config.MinChunkSize*2+1024)/16),
	}
	for key, data := range objects {
		require.NoError(t, src.PutObject(ctx, "media", key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{}))
	}

	m, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close()
	m.SetOutput(io.Discard)

	results, err := m.Check(ctx, false, false)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	rep, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(objects), rep.Buckets["media"].Succeeded)
	assert.Empty(t, rep.Failures)

	dst, err := storage.New(cfg.Target.Storage())
	require.NoError(t, err)
	for key, want := range objects {
		obj, err := dst.GetObject(ctx, "media", key)
		require.NoError(t, err, key)
		got, err := io.ReadAll(obj)
		obj.Close()
		require.NoError(t, err, key)
		assert.Equal(t, want, got, fmt.Sprintf("content of %s", key))
	}
}
