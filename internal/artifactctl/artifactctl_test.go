package artifactctl

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/kv/kvtest"
	"github.com/sandchest/sandchest/internal/node"
	"github.com/sandchest/sandchest/internal/objectstore"
	"github.com/sandchest/sandchest/internal/repo"
)

type fakeNodeClient struct {
	artifacts []node.CollectedArtifact
	err       error
}

func (f *fakeNodeClient) CreateSandbox(ctx context.Context, req node.CreateSandboxRequest) error {
	return nil
}
func (f *fakeNodeClient) CreateSandboxFromSnapshot(ctx context.Context, sandboxID, snapshotRef string) error {
	return nil
}
func (f *fakeNodeClient) ForkSandbox(ctx context.Context, sourceSandboxID, newSandboxID string) error {
	return nil
}
func (f *fakeNodeClient) Exec(ctx context.Context, req node.ExecRequest) (node.ExecResult, error) {
	return node.ExecResult{}, nil
}
func (f *fakeNodeClient) CreateSession(ctx context.Context, sandboxID, sessionID, shell string) error {
	return nil
}
func (f *fakeNodeClient) SessionExec(ctx context.Context, sandboxID, sessionID string, req node.ExecRequest) (node.ExecResult, error) {
	return node.ExecResult{}, nil
}
func (f *fakeNodeClient) SessionInput(ctx context.Context, sandboxID, sessionID string, data []byte) error {
	return nil
}
func (f *fakeNodeClient) DestroySession(ctx context.Context, sandboxID, sessionID string) error {
	return nil
}
func (f *fakeNodeClient) PutFile(ctx context.Context, sandboxID, path string, batch bool, body io.Reader) (int64, error) {
	return 0, nil
}
func (f *fakeNodeClient) GetFile(ctx context.Context, sandboxID, path string) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeNodeClient) ListFiles(ctx context.Context, sandboxID, path, cursor string, limit int) ([]node.FileInfo, string, error) {
	return nil, "", nil
}
func (f *fakeNodeClient) DeleteFile(ctx context.Context, sandboxID, path string) error { return nil }
func (f *fakeNodeClient) CollectArtifacts(ctx context.Context, sandboxID string, paths []string) ([]node.CollectedArtifact, error) {
	return f.artifacts, f.err
}
func (f *fakeNodeClient) StopSandbox(ctx context.Context, sandboxID string) error    { return nil }
func (f *fakeNodeClient) DestroySandbox(ctx context.Context, sandboxID string) error { return nil }

var _ node.Client = (*fakeNodeClient)(nil)

func newTestController(t *testing.T) (*Controller, sqlmock.Sqlmock, *kvtest.Fake) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	objects, err := objectstore.New(objectstore.Config{
		Bucket: "sandchest-artifacts", Region: "us-east-1", Endpoint: srv.URL,
		AccessKeyID: "test-key", SecretAccessKey: "test-secret", ForcePathStyle: true,
	})
	require.NoError(t, err)

	fakeKV := kvtest.New()
	c := New(repo.NewArtifactRepo(db), repo.NewSandboxRepo(db), billing.New(nil, repo.NewOrgQuotaRepo(db)), fakeKV, objects)
	return c, mock, fakeKV
}

func sandboxRow(mock sqlmock.Sqlmock, id, orgID string) {
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE id = \$1 AND org_id = \$2`).
		WithArgs(id, orgID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "node_id", "image_id", "profile_id", "profile_name", "image_ref",
			"status", "env", "forked_from", "fork_depth", "fork_count", "ttl_seconds",
			"failure_reason", "replay_public", "replay_expires_at", "last_activity_at",
			"created_at", "updated_at", "started_at", "ended_at",
		}).AddRow(
			id, orgID, "node_1", "img_1", "prof_1", "default", "alpine:latest",
			repo.SandboxRunning, []byte(`{}`), nil, 0, 0, 3600,
			nil, false, nil, nil,
			time.Now().UTC(), time.Now().UTC(), nil, nil,
		))
}

func TestController_RegisterPaths(t *testing.T) {
	c, mock, fakeKV := newTestController(t)
	sandboxRow(mock, "sb_1", "org_1")

	total, err := c.RegisterPaths(context.Background(), "org_1", "sb_1", []string{"/out.txt", "/log.txt"})
	require.NoError(t, err)
	require.Equal(t, 2, total)

	paths, err := fakeKV.GetArtifactPaths(context.Background(), "sb_1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/out.txt", "/log.txt"}, paths)
}

func TestController_RegisterPaths_SandboxNotFound(t *testing.T) {
	c, mock, _ := newTestController(t)
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE id = \$1 AND org_id = \$2`).
		WithArgs("sb_missing", "org_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "node_id", "image_id", "profile_id", "profile_name", "image_ref",
			"status", "env", "forked_from", "fork_depth", "fork_count", "ttl_seconds",
			"failure_reason", "replay_public", "replay_expires_at", "last_activity_at",
			"created_at", "updated_at", "started_at", "ended_at",
		}))

	_, err := c.RegisterPaths(context.Background(), "org_1", "sb_missing", []string{"/out.txt"})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestController_Collect_NoRegisteredPathsReturnsNil(t *testing.T) {
	c, _, _ := newTestController(t)
	out, err := c.Collect(context.Background(), "org_1", "sb_1", &fakeNodeClient{})
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestController_Collect_PersistsEachArtifact(t *testing.T) {
	c, mock, fakeKV := newTestController(t)
	_, err := fakeKV.AddArtifactPaths(context.Background(), "sb_1", []string{"/out.txt"})
	require.NoError(t, err)

	quotaRow(mock, "org_1")
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(bytes\),0\) FROM artifacts WHERE org_id=\$1`).
		WithArgs("org_1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(0)))
	mock.ExpectExec(`INSERT INTO artifacts`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	nc := &fakeNodeClient{artifacts: []node.CollectedArtifact{
		{Path: "/out.txt", Name: "out.txt", MIME: "text/plain", Bytes: 5, SHA256: "abc", Data: []byte("hello")},
	}}

	out, err := c.Collect(context.Background(), "org_1", "sb_1", nc)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "out.txt", out[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestController_Collect_OverQuotaArtifactsSkipped(t *testing.T) {
	c, mock, fakeKV := newTestController(t)
	_, err := fakeKV.AddArtifactPaths(context.Background(), "sb_1", []string{"/big.bin"})
	require.NoError(t, err)

	limit := int64(10)
	mock.ExpectQuery(`SELECT .* FROM org_quotas WHERE org_id=\$1`).
		WithArgs("org_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"max_concurrent_sandboxes", "max_exec_timeout_seconds", "max_fork_depth",
			"max_sessions_per_sandbox", "max_file_bytes", "max_artifact_bytes_per_org", "updated_at",
		}).AddRow(nil, nil, nil, nil, nil, limit, time.Now()))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(bytes\),0\) FROM artifacts WHERE org_id=\$1`).
		WithArgs("org_1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(5)))

	nc := &fakeNodeClient{artifacts: []node.CollectedArtifact{
		{Path: "/big.bin", Name: "big.bin", Bytes: 100, Data: make([]byte, 100)},
	}}

	out, err := c.Collect(context.Background(), "org_1", "sb_1", nc)
	require.NoError(t, err)
	require.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func quotaRow(mock sqlmock.Sqlmock, orgID string) {
	mock.ExpectQuery(`SELECT .* FROM org_quotas WHERE org_id=\$1`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{
			"max_concurrent_sandboxes", "max_exec_timeout_seconds", "max_fork_depth",
			"max_sessions_per_sandbox", "max_file_bytes", "max_artifact_bytes_per_org", "updated_at",
		}).AddRow(nil, nil, nil, nil, nil, nil, time.Now()))
}

func TestController_SignedURL(t *testing.T) {
	c, mock, _ := newTestController(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .* FROM artifacts WHERE id=\$1 AND sandbox_id=\$2 AND org_id=\$3`).
		WithArgs("art_1", "sb_1", "org_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sandbox_id", "org_id", "exec_id", "name", "mime", "bytes", "sha256", "ref", "created_at", "retention_until",
		}).AddRow("art_1", "sb_1", "org_1", nil, "out.txt", "text/plain", 5, "abc", "artifacts/org_1/sb_1/art_1/out.txt", now, nil))

	url, err := c.SignedURL("org_1", "sb_1", "art_1")
	require.NoError(t, err)
	require.Contains(t, url, "artifacts/org_1/sb_1/art_1/out.txt")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestController_SignedURL_NotFound(t *testing.T) {
	c, mock, _ := newTestController(t)
	mock.ExpectQuery(`SELECT .* FROM artifacts WHERE id=\$1 AND sandbox_id=\$2 AND org_id=\$3`).
		WithArgs("art_missing", "sb_1", "org_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sandbox_id", "org_id", "exec_id", "name", "mime", "bytes", "sha256", "ref", "created_at", "retention_until",
		}))

	_, err := c.SignedURL("org_1", "sb_1", "art_missing")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.KindNotFound, apiErr.Kind)
}
