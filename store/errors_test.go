// store/errors_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func TestWrapErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		name      string
		err       error
		transient bool
		sentinel  error
	}{
		{
			name:      "connection reset is transient",
			err:       fmt.Errorf("write: %w", syscall.ECONNRESET),
			transient: true,
		},
		{
			name:      "throttling is transient",
			err:       &smithy.GenericAPIError{Code: "SlowDown", Message: "slow down"},
			transient: true,
		},
		{
			name:     "missing key maps to ErrNotFound",
			err:      &smithy.GenericAPIError{Code: "NoSuchKey", Message: "no such key"},
			sentinel: ErrNotFound,
		},
		{
			name:     "bad credentials map to ErrAuth",
			err:      &smithy.GenericAPIError{Code: "InvalidAccessKeyId", Message: "bad key"},
			sentinel: ErrAuth,
		},
		{
			name:     "access denied maps to ErrAuth",
			err:      &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"},
			sentinel: ErrAuth,
		},
		{
			name: "unknown errors pass through untyped",
			err:  errors.New("something else"),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := wrapError(tc.err, "s3: op")
			assert.Equal(t, tc.transient, Transient(wrapped))
			if tc.sentinel != nil {
				assert.ErrorIs(t, wrapped, tc.sentinel)
			} else {
				assert.NotErrorIs(t, wrapped, ErrNotFound)
				assert.NotErrorIs(t, wrapped, ErrAuth)
			}
		})
	}

	assert.NoError(t, wrapError(nil, "s3: op"))
}

func TestTransientUnwraps(t *testing.T) {
	base := errors.New("timeout talking to store")
	err := &TransientError{Err: base}
	assert.True(t, Transient(fmt.Errorf("upload: %w", err)))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, base.Error(), err.Error())
}
