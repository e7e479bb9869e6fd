package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		host    string
		tls     bool
		wantErr bool
	}{
		{in: "localhost:9000", host: "localhost:9000"},
		{in: "http://minio.local:9000", host: "minio.local:9000"},
		{in: "https://account.r2.cloudflarestorage.com", host: "account.r2.cloudflarestorage.com", tls: true},
		{in: "https://s3.example.com/", host: "s3.example.com", tls: true},
		{in: "https://s3.example.com/bucket", wantErr: true},
		{in: "s3.example.com/bucket", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, tls, err := cleanEndpoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestWrapMinIOError(t *testing.T) {
	err := wrapMinIOError("get object", "b1", "k", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404})
	assert.Equal(t, KindNotFound, Classify(err))

	err = wrapMinIOError("put object", "b1", "k", minio.ErrorResponse{Code: "SlowDown", StatusCode: 503})
	assert.Equal(t, KindTransient, Classify(err))

	err = wrapMinIOError("put object", "b1", "k", fmt.Errorf("dial: %w", context.Canceled))
	assert.Equal(t, KindCanceled, Classify(err))

	assert.NoError(t, wrapMinIOError("noop", "b1", "", nil))

	// already classified errors pass through untouched
	inner := &Error{Op: "read", Kind: KindIntegrity}
	assert.Same(t, inner, wrapMinIOError("outer", "b1", "k", inner))
}

func TestNewMinIOClient(t *testing.T) {
	c, err := NewMinIOClient(Config{Endpoint: "https://play.min.io", AccessKey: "ak", SecretKey: "sk"})
	require.NoError(t, err)
	assert.NotNil(t, c.core)

	_, err = NewMinIOClient(Config{Endpoint: "https://play.min.io/path"})
	assert.Error(t, err)
}
