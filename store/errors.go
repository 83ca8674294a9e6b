// store/errors.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	smithy "github.com/aws/smithy-go"
)

var (
	// ErrNotFound reports a key that doesn't exist in the store.
	ErrNotFound = errors.New("object not found")

	// ErrAuth reports an authentication, authorization, or quota
	// failure. These are permanent: retrying with the same credentials
	// cannot succeed.
	ErrAuth = errors.New("authentication or quota failure")

	// ErrChecksum reports that the store-reported checksum of an
	// uploaded object didn't match the locally computed one.
	ErrChecksum = errors.New("uploaded checksum mismatch")
)

// TransientError wraps an error that is worth retrying: network
// timeouts, dropped connections, throttling, and server-side 5xx
// responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient reports whether err is retryable.
func Transient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// wrapError classifies err into the store error taxonomy: not-found and
// auth failures map to their sentinels, anything retryable is wrapped
// in a TransientError, and the rest passes through with context added.
func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	switch {
	case isNotFound(err):
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	case isAuth(err):
		return fmt.Errorf("%s: %v: %w", msg, err, ErrAuth)
	case isRetryable(err):
		return &TransientError{Err: fmt.Errorf("%s: %w", msg, err)}
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestTimeout", "SlowDown", "Throttling", "ThrottlingException",
			"InternalError", "ServiceUnavailable", "BadDigest":
			return true
		}
	}
	return false
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isConnectionError(opErr.Err)
	}
	return false
}

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isAuth(err error) bool {
	if errors.Is(err, ErrAuth) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"ExpiredToken", "TokenRefreshRequired", "AccountProblem",
			"QuotaExceeded", "NoSuchBucketPolicy":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusUnauthorized || status == http.StatusForbidden
	}
	return false
}
