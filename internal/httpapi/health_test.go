package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandchest/sandchest/internal/kv/kvtest"
)

func TestHandleHealth(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleReady_KVHealthy(t *testing.T) {
	s := &Server{KV: kvtest.New()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	s.handleReady(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

type failingPingKV struct {
	*kvtest.Fake
}

func (f *failingPingKV) Ping(_ context.Context) (bool, error) {
	return false, errors.New("kv unreachable")
}

func TestHandleReady_KVUnhealthy(t *testing.T) {
	s := &Server{KV: &failingPingKV{Fake: kvtest.New()}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	s.handleReady(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"not_ready"}`, rec.Body.String())
}
