package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindFromCode(t *testing.T) {
	tests := []struct {
		code   string
		status int
		want   Kind
	}{
		{"NoSuchKey", 404, KindNotFound},
		{"NoSuchBucket", 404, KindNotFound},
		{"SlowDown", 503, KindTransient},
		{"ServiceUnavailable", 503, KindTransient},
		{"RequestTimeout", 400, KindTransient},
		{"OperationAborted", 409, KindTransient},
		{"InternalError", 500, KindTransient},
		{"AccessDenied", 403, KindAuth},
		{"SignatureDoesNotMatch", 403, KindAuth},
		{"BadDigest", 400, KindIntegrity},
		{"InvalidArgument", 400, KindInvalid},
		{"", 404, KindNotFound},
		{"", 429, KindTransient},
		{"", 502, KindTransient},
		{"", 401, KindAuth},
		{"MalformedXML", 400, KindInvalid},
		{"", 0, KindFatal},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.code, tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, KindFromCode(tt.code, tt.status))
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	wrapped := fmt.Errorf("transfer: %w", &Error{Op: "get object", Kind: KindNotFound})

	assert.Equal(t, KindNone, Classify(nil))
	assert.Equal(t, KindNotFound, Classify(wrapped))
	assert.Equal(t, KindCanceled, Classify(context.Canceled))
	assert.Equal(t, KindTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, Classify(io.ErrUnexpectedEOF))
	assert.Equal(t, KindTransient, Classify(&net.OpError{Op: "dial", Err: timeoutErr{}}))
	assert.Equal(t, KindFatal, Classify(errors.New("boom")))
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	for _, k := range []Kind{KindNotFound, KindAuth, KindInvalid, KindIntegrity, KindCanceled, KindFatal} {
		assert.False(t, k.Retryable(), k.String())
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Op: "put object", Bucket: "b1", Key: "a/b.txt", Code: "SlowDown", Kind: KindTransient, Err: errors.New("please reduce your request rate")}
	assert.Equal(t, "put object b1/a/b.txt (SlowDown): please reduce your request rate", err.Error())
	assert.Equal(t, "NotFound", KindNotFound.String())
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "gcs", Endpoint: "localhost:9000"})
	assert.Error(t, err)
	assert.Equal(t, KindInvalid, Classify(err))
}
