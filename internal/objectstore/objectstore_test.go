package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestStore points a Store at an httptest server standing in for an
// S3-compatible endpoint, the same force-path-style + static-credentials
// setup used for MinIO in production.
func newTestStore(t *testing.T, handler http.HandlerFunc) (*Store, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := New(Config{
		Bucket:          "sandchest-artifacts",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	return store, srv
}

func TestStore_PutArtifact(t *testing.T) {
	var gotPath string
	store, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
	})

	ref, err := store.PutArtifact(context.Background(), "org_1", "sb_1", "art_1", "out.txt", strings.NewReader("hello"), 5)
	require.NoError(t, err)
	require.Equal(t, "artifacts/org_1/sb_1/art_1/out.txt", ref)
	require.Contains(t, gotPath, "artifacts/org_1/sb_1/art_1/out.txt")
}

func TestStore_PutReplayLog(t *testing.T) {
	store, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ref, err := store.PutReplayLog(context.Background(), "sb_1", []byte(`{"seq":1}`))
	require.NoError(t, err)
	require.Equal(t, "replays/sb_1/events.jsonl", ref)
}

func TestStore_GetReplayLog(t *testing.T) {
	store, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"seq":1}`))
	})

	rc, err := store.GetReplayLog(context.Background(), "sb_1")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, `{"seq":1}`, string(body))
}

func TestStore_PutArtifact_ErrorPropagated(t *testing.T) {
	store, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`<Error><Code>InternalError</Code></Error>`))
	})

	_, err := store.PutArtifact(context.Background(), "org_1", "sb_1", "art_1", "out.txt", strings.NewReader("hello"), 5)
	require.Error(t, err)
}

func TestStore_SignedURL_NoNetworkCall(t *testing.T) {
	store, err := New(Config{
		Bucket:          "sandchest-artifacts",
		Region:          "us-east-1",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
	})
	require.NoError(t, err)

	url, err := store.SignedURL("artifacts/org_1/sb_1/art_1/out.txt", 15*time.Minute)
	require.NoError(t, err)
	require.Contains(t, url, "artifacts/org_1/sb_1/art_1/out.txt")
	require.Contains(t, url, "X-Amz-Signature")
}
