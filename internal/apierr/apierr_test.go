package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKind_StatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:        http.StatusBadRequest,
		KindAuthentication:    http.StatusUnauthorized,
		KindForbidden:         http.StatusForbidden,
		KindNotFound:          http.StatusNotFound,
		KindConflict:          http.StatusConflict,
		KindSandboxNotRunning: http.StatusConflict,
		KindRateLimited:       http.StatusTooManyRequests,
		KindBillingLimit:      http.StatusForbidden,
		KindNoCapacity:        http.StatusServiceUnavailable,
		KindNodeUnavailable:   http.StatusServiceUnavailable,
		KindNodeLost:          http.StatusInternalServerError,
		KindInternal:          http.StatusInternalServerError,
	}
	for kind, status := range cases {
		require.Equal(t, status, kind.Status(), kind)
	}
}

func TestKind_StatusUnknownFallsBackToInternal(t *testing.T) {
	require.Equal(t, http.StatusInternalServerError, Kind("made_up").Status())
}

func TestWrap_UnwrapsToCause(t *testing.T) {
	cause := errors.New("db exploded")
	err := Wrap(KindInternal, "query failed", cause)

	require.True(t, errors.Is(err, cause))
	require.Equal(t, "query failed", err.Error())
}

func TestNew_ErrorFallsBackToKindWhenMessageEmpty(t *testing.T) {
	err := New(KindNotFound, "")
	require.Equal(t, string(KindNotFound), err.Error())
}

func TestWithRetryAfter_DoesNotMutateOriginal(t *testing.T) {
	base := New(KindRateLimited, "slow down")
	withRetry := base.WithRetryAfter(30)

	require.Equal(t, 0, base.RetryAfter)
	require.Equal(t, 30, withRetry.RetryAfter)
}

func TestWrite_KnownErrorUsesItsStatusAndEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, "req-123", New(KindNotFound, "sandbox not found"))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var env map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "not_found", env["error"])
	require.Equal(t, "sandbox not found", env["message"])
	require.Equal(t, "req-123", env["request_id"])
	require.Nil(t, env["retry_after"])
}

func TestWrite_RetryAfterSetsHeaderAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, "req-1", New(KindRateLimited, "too fast").WithRetryAfter(5))

	require.Equal(t, "5", rec.Header().Get("Retry-After"))
	var env map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, float64(5), env["retry_after"])
}

func TestWrite_UnclassifiedErrorFoldsToInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, "req-1", errors.New("boom"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var env map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "internal", env["error"])
}
