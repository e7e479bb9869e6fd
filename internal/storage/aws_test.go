package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointURL(t *testing.T) {
	u, err := endpointURL(Config{Endpoint: "localhost:9000"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", u)

	u, err = endpointURL(Config{Endpoint: "r2.example.com", Secure: true})
	require.NoError(t, err)
	assert.Equal(t, "https://r2.example.com", u)

	u, err = endpointURL(Config{Endpoint: "https://acct.r2.cloudflarestorage.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://acct.r2.cloudflarestorage.com", u)

	_, err = endpointURL(Config{Endpoint: "host/path"})
	assert.Error(t, err)
}

type statusErr struct {
	error
	status int
}

func (e statusErr) HTTPStatusCode() int { return e.status }

func TestWrapAWSError(t *testing.T) {
	err := wrapAWSError("get object", "b", "k", &smithy.GenericAPIError{Code: "NoSuchKey"})
	assert.Equal(t, KindNotFound, Classify(err))

	err = wrapAWSError("upload part 3", "b", "k", &smithy.GenericAPIError{Code: "SlowDown"})
	assert.Equal(t, KindTransient, Classify(err))

	err = wrapAWSError("head object", "b", "k", statusErr{error: errors.New("not found"), status: 404})
	assert.Equal(t, KindNotFound, Classify(err))

	err = wrapAWSError("put object", "b", "k", context.Canceled)
	assert.Equal(t, KindCanceled, Classify(err))

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "put object", serr.Op)
}

func TestNewAWSClient(t *testing.T) {
	c, err := NewAWSClient(Config{Driver: DriverAWS, Endpoint: "https://acct.r2.cloudflarestorage.com", AccessKey: "ak", SecretKey: "sk", Region: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "auto", c.region)
}
