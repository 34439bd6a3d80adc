package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeToHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, ErrInvalidParam.HTTPStatus)
	assert.Equal(t, http.StatusNotFound, ErrRequestNotFound.HTTPStatus)
	assert.Equal(t, http.StatusNotFound, ErrSampleNotFound.HTTPStatus)
	assert.Equal(t, http.StatusPaymentRequired, ErrInsufficientCredits.HTTPStatus)
	assert.Equal(t, http.StatusConflict, ErrInvalidState.HTTPStatus)
	assert.Equal(t, http.StatusServiceUnavailable, ErrLedgerUnavailable.HTTPStatus)
}

func TestWithDetailDoesNotMutateOriginal(t *testing.T) {
	err := ErrInvalidState.WithDetail("current status: completed")
	assert.Equal(t, "current status: completed", err.Detail)
	assert.Empty(t, ErrInvalidState.Detail)
	assert.True(t, Is(err, CodeInvalidState))
}

func TestWithErrorUnwraps(t *testing.T) {
	cause := errors.New("stream unavailable")
	err := ErrPublishFailure.WithError(cause)

	require.True(t, Is(err, CodePublishFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "stream unavailable")
}

func TestAsAppError(t *testing.T) {
	appErr := AsAppError(errors.New("boom"))
	require.NotNil(t, appErr)
	assert.Equal(t, CodeUnknown, appErr.Code)

	same := AsAppError(ErrRequestNotFound)
	assert.Equal(t, CodeRequestNotFound, same.Code)
}

func TestIs(t *testing.T) {
	assert.True(t, Is(ErrInsufficientCredits, CodeInsufficientCredits))
	assert.False(t, Is(ErrInsufficientCredits, CodeInvalidState))
	assert.False(t, Is(errors.New("plain"), CodeUnknown))
	assert.False(t, Is(nil, CodeUnknown))
}
