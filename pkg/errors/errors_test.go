package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/pkg/constants"
)

func TestPredefinedErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    AdmissionError
		code   constants.ErrorCode
		status int
	}{
		{"missing key", ErrMissingIdempotencyKey(), constants.ErrCodeMissingIdempotencyKey, http.StatusBadRequest},
		{"duplicate in progress", ErrDuplicateInProgress("k1"), constants.ErrCodeDuplicateInProgress, http.StatusConflict},
		{"key reused", ErrKeyReused("k1"), constants.ErrCodeKeyReused, http.StatusUnprocessableEntity},
		{"rate limit exceeded", ErrRateLimitExceeded("/v1/profiles", 5), constants.ErrCodeRateLimitExceeded, http.StatusTooManyRequests},
		{"store unavailable", ErrStoreUnavailable(errors.New("down")), constants.ErrCodeStoreUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, tc.err.Code())
			assert.Equal(t, tc.status, tc.err.HTTPStatus())
			assert.NotEmpty(t, tc.err.Error())
		})
	}
}

func TestErrorCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrStoreUnavailable(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(ErrKeyReused("k1"))
	require.NotNil(t, resp)
	assert.Equal(t, "IDEMPOTENCY_KEY_REUSED", resp.ErrorCode)
	assert.Contains(t, resp.Message, "k1")
}
