package filectl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/node"
	"github.com/sandchest/sandchest/internal/repo"
)

type fakeNodeClient struct {
	putBytes    int64
	putErr      error
	getBody     string
	getErr      error
	listEntries []node.FileInfo
	listCursor  string
	listErr     error
	deleteErr   error

	putPaths []string
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
	f.putPaths = append(f.putPaths, path)
	io.Copy(io.Discard, body)
	return f.putBytes, f.putErr
}
func (f *fakeNodeClient) GetFile(ctx context.Context, sandboxID, path string) (io.ReadCloser, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return io.NopCloser(strings.NewReader(f.getBody)), nil
}
func (f *fakeNodeClient) ListFiles(ctx context.Context, sandboxID, path, cursor string, limit int) ([]node.FileInfo, string, error) {
	return f.listEntries, f.listCursor, f.listErr
}
func (f *fakeNodeClient) DeleteFile(ctx context.Context, sandboxID, path string) error {
	return f.deleteErr
}
func (f *fakeNodeClient) CollectArtifacts(ctx context.Context, sandboxID string, paths []string) ([]node.CollectedArtifact, error) {
	return nil, nil
}
func (f *fakeNodeClient) StopSandbox(ctx context.Context, sandboxID string) error    { return nil }
func (f *fakeNodeClient) DestroySandbox(ctx context.Context, sandboxID string) error { return nil }

var _ node.Client = (*fakeNodeClient)(nil)

func newTestController(t *testing.T) (*Controller, sqlmock.Sqlmock, *fakeNodeClient) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	nc := &fakeNodeClient{}
	c := New(repo.NewSandboxRepo(db), billing.New(nil, repo.NewOrgQuotaRepo(db)), node.SingleClientResolver{Client: nc})
	return c, mock, nc
}

func sandboxRow(mock sqlmock.Sqlmock, id, orgID, nodeID string, status repo.SandboxStatus) {
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE id = \$1 AND org_id = \$2`).
		WithArgs(id, orgID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "node_id", "image_id", "profile_id", "profile_name", "image_ref",
			"status", "env", "forked_from", "fork_depth", "fork_count", "ttl_seconds",
			"failure_reason", "replay_public", "replay_expires_at", "last_activity_at",
			"created_at", "updated_at", "started_at", "ended_at",
		}).AddRow(
			id, orgID, nodeID, "img_1", "prof_1", "default", "alpine:latest",
			status, []byte(`{}`), nil, 0, 0, 3600,
			nil, false, nil, nil,
			time.Now().UTC(), time.Now().UTC(), nil, nil,
		))
}

func quotaRow(mock sqlmock.Sqlmock, orgID string, maxFileBytes any) {
	mock.ExpectQuery(`SELECT .* FROM org_quotas WHERE org_id=\$1`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{
			"max_concurrent_sandboxes", "max_exec_timeout_seconds", "max_fork_depth",
			"max_sessions_per_sandbox", "max_file_bytes", "max_artifact_bytes_per_org", "updated_at",
		}).AddRow(nil, nil, nil, nil, maxFileBytes, nil, time.Now()))
}

func TestController_RequiresAbsolutePath(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.Put(context.Background(), "org_1", "sb_1", "relative/path", false, 3, bytes.NewReader([]byte("abc")))
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.KindValidation, apiErr.Kind)
}

func TestController_Put_Success(t *testing.T) {
	c, mock, nc := newTestController(t)
	sandboxRow(mock, "sb_1", "org_1", "node_1", repo.SandboxRunning)
	quotaRow(mock, "org_1", nil)
	mock.ExpectExec(`UPDATE sandboxes SET last_activity_at`).
		WithArgs("sb_1", "org_1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	nc.putBytes = 3

	n, err := c.Put(context.Background(), "org_1", "sb_1", "/tmp/file", false, 3, bytes.NewReader([]byte("abc")))
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.Equal(t, []string{"/tmp/file"}, nc.putPaths)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestController_Put_OverQuotaRejected(t *testing.T) {
	c, mock, _ := newTestController(t)
	sandboxRow(mock, "sb_1", "org_1", "node_1", repo.SandboxRunning)
	quotaRow(mock, "org_1", int64(10))

	_, err := c.Put(context.Background(), "org_1", "sb_1", "/tmp/file", false, 100, bytes.NewReader(make([]byte, 100)))
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.KindQuotaExceeded, apiErr.Kind)
}

func TestController_Get_Success(t *testing.T) {
	c, mock, nc := newTestController(t)
	sandboxRow(mock, "sb_1", "org_1", "node_1", repo.SandboxRunning)
	mock.ExpectExec(`UPDATE sandboxes SET last_activity_at`).
		WithArgs("sb_1", "org_1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	nc.getBody = "hello"

	rc, err := c.Get(context.Background(), "org_1", "sb_1", "/tmp/file")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestController_Get_SandboxNotFound(t *testing.T) {
	c, mock, _ := newTestController(t)
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE id = \$1 AND org_id = \$2`).
		WithArgs("sb_missing", "org_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "node_id", "image_id", "profile_id", "profile_name", "image_ref",
			"status", "env", "forked_from", "fork_depth", "fork_count", "ttl_seconds",
			"failure_reason", "replay_public", "replay_expires_at", "last_activity_at",
			"created_at", "updated_at", "started_at", "ended_at",
		}))

	_, err := c.Get(context.Background(), "org_1", "sb_missing", "/tmp/file")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestController_Delete_Success(t *testing.T) {
	c, mock, nc := newTestController(t)
	sandboxRow(mock, "sb_1", "org_1", "node_1", repo.SandboxRunning)
	mock.ExpectExec(`UPDATE sandboxes SET last_activity_at`).
		WithArgs("sb_1", "org_1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := c.Delete(context.Background(), "org_1", "sb_1", "/tmp/file")
	require.NoError(t, err)
	_ = nc
	require.NoError(t, mock.ExpectationsWereMet())
}
