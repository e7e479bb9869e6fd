package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Kind is the closed set of error classes the migration engine dispatches on.
type Kind int

const (
	KindNone Kind = iota
	// KindTransient covers timeouts, connection failures, throttling and
	// server-side unavailability. Retried with backoff.
	KindTransient
	// KindNotFound means the object (or bucket) does not exist.
	KindNotFound
	// KindAuth covers missing permissions and bad credentials.
	KindAuth
	// KindInvalid covers malformed requests and protocol invariant violations.
	KindInvalid
	// KindIntegrity covers checksum mismatches and short reads.
	KindIntegrity
	// KindCanceled means the run was interrupted.
	KindCanceled
	// KindFatal is anything else that must not be retried.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindTransient:
		return "Transient"
	case KindNotFound:
		return "NotFound"
	case KindAuth:
		return "Auth"
	case KindInvalid:
		return "Invalid"
	case KindIntegrity:
		return "Integrity"
	case KindCanceled:
		return "Canceled"
	case KindFatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Retryable reports whether an operation failing with this kind may be retried.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Error is returned by every Client implementation.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Code   string
	Status int
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	target := e.Bucket
	if e.Key != "" {
		target += "/" + e.Key
	}
	msg := e.Op
	if target != "" {
		msg += " " + target
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error. Used by test doubles and callers that
// detect failures outside a client, such as short reads.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Classify returns the Kind of err. Errors not produced by a Client are
// classified by their Go type.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return classifyGeneric(err)
}

func classifyGeneric(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindFatal
}

var transientCodes = map[string]bool{
	"RequestTimeout":             true,
	"RequestTimeTooSkewed":       true,
	"InternalError":              true,
	"ServiceUnavailable":         true,
	"SlowDown":                   true,
	"SlowDownRead":               true,
	"SlowDownWrite":              true,
	"OperationAborted":           true,
	"Throttling":                 true,
	"ThrottlingException":        true,
	"RequestLimitExceeded":       true,
	"TooManyRequests":            true,
	"ConnectionError":            true,
	"ConnectTimeoutError":        true,
	"ReadTimeoutError":           true,
	"IncompleteBody":             true,
	"XMinioServerNotInitialized": true,
}

var notFoundCodes = map[string]bool{
	"NoSuchKey":     true,
	"NoSuchBucket":  true,
	"NotFound":      true,
	"NoSuchVersion": true,
	"404":           true,
}

var authCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
	"AllAccessDisabled":     true,
	"AccountProblem":        true,
	"Forbidden":             true,
	"403":                   true,
}

var integrityCodes = map[string]bool{
	"BadDigest":                   true,
	"InvalidDigest":               true,
	"XAmzContentSHA256Mismatch":   true,
	"XAmzContentChecksumMismatch": true,
}

// KindFromCode maps a provider error code and HTTP status to a Kind. The
// code wins when it is known; the status is the fallback.
func KindFromCode(code string, status int) Kind {
	switch {
	case integrityCodes[code]:
		return KindIntegrity
	case notFoundCodes[code]:
		return KindNotFound
	case authCodes[code]:
		return KindAuth
	case transientCodes[code]:
		return KindTransient
	}

	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return KindTransient
	case status >= http.StatusBadRequest:
		return KindInvalid
	}
	return KindFatal
}

func errUnknownDriver(driver string) error {
	return fmt.Errorf("unknown storage driver %q", driver)
}
