package execctl

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/kv/kvtest"
	"github.com/sandchest/sandchest/internal/node"
	"github.com/sandchest/sandchest/internal/repo"
)

func kvEvent(seq int64, kind string) kv.ExecEvent {
	return kv.ExecEvent{Seq: seq, Ts: time.Now().UTC(), Data: []byte(`{"kind":"` + kind + `"}`)}
}

type fakeNodeClient struct {
	execRes node.ExecResult
	execErr error
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
	return f.execRes, f.execErr
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
	return nil, nil
}
func (f *fakeNodeClient) StopSandbox(ctx context.Context, sandboxID string) error    { return nil }
func (f *fakeNodeClient) DestroySandbox(ctx context.Context, sandboxID string) error { return nil }

var _ node.Client = (*fakeNodeClient)(nil)

func newTestController(t *testing.T, nc node.Client) (*Controller, sqlmock.Sqlmock, *kvtest.Fake) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fakeKV := kvtest.New()
	c := New(repo.NewExecRepo(db), repo.NewSandboxRepo(db), billing.New(nil, repo.NewOrgQuotaRepo(db)), node.SingleClientResolver{Client: nc}, fakeKV)
	return c, mock, fakeKV
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

func quotaRow(mock sqlmock.Sqlmock, orgID string, maxTimeout any) {
	mock.ExpectQuery(`SELECT .* FROM org_quotas WHERE org_id=\$1`).
		WithArgs(orgID).
		WillReturnRows(sqlmock.NewRows([]string{
			"max_concurrent_sandboxes", "max_exec_timeout_seconds", "max_fork_depth",
			"max_sessions_per_sandbox", "max_file_bytes", "max_artifact_bytes_per_org", "updated_at",
		}).AddRow(nil, maxTimeout, nil, nil, nil, nil, time.Now()))
}

func TestController_Create_SyncSuccess(t *testing.T) {
	nc := &fakeNodeClient{execRes: node.ExecResult{ExitCode: 0, Stdout: []byte("hi\n")}}
	c, mock, fakeKV := newTestController(t, nc)

	sandboxRow(mock, "sb_1", "org_1", "node_1", repo.SandboxRunning)
	quotaRow(mock, "org_1", nil)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sandbox_seq_counters`).
		WithArgs("sb_1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`UPDATE sandbox_seq_counters SET next_seq = next_seq \+ 1`).
		WithArgs("sb_1").
		WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO execs`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE sandboxes SET last_activity_at`).
		WithArgs("sb_1", "org_1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE execs SET status=\$1`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	ex, err := c.Create(context.Background(), "org_1", "user_1", "sb_1", CreateRequest{Argv: []string{"echo", "hi"}})
	require.NoError(t, err)
	require.Equal(t, repo.ExecDone, ex.Status)
	require.NoError(t, mock.ExpectationsWereMet())

	events, err := fakeKV.GetExecEvents(context.Background(), ex.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestController_Create_SandboxNotRunning(t *testing.T) {
	c, mock, _ := newTestController(t, &fakeNodeClient{})
	sandboxRow(mock, "sb_1", "org_1", "node_1", repo.SandboxStopped)

	_, err := c.Create(context.Background(), "org_1", "user_1", "sb_1", CreateRequest{Argv: []string{"true"}})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.KindSandboxNotRunning, apiErr.Kind)
}

func TestController_Create_SandboxNotFound(t *testing.T) {
	c, mock, _ := newTestController(t, &fakeNodeClient{})
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE id = \$1 AND org_id = \$2`).
		WithArgs("sb_missing", "org_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "node_id", "image_id", "profile_id", "profile_name", "image_ref",
			"status", "env", "forked_from", "fork_depth", "fork_count", "ttl_seconds",
			"failure_reason", "replay_public", "replay_expires_at", "last_activity_at",
			"created_at", "updated_at", "started_at", "ended_at",
		}))

	_, err := c.Create(context.Background(), "org_1", "user_1", "sb_missing", CreateRequest{Argv: []string{"true"}})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestController_Create_EmptyCmdRejected(t *testing.T) {
	c, mock, _ := newTestController(t, &fakeNodeClient{})
	sandboxRow(mock, "sb_1", "org_1", "node_1", repo.SandboxRunning)

	_, err := c.Create(context.Background(), "org_1", "user_1", "sb_1", CreateRequest{})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.KindValidation, apiErr.Kind)
}

func TestController_Create_TimeoutExceedsQuota(t *testing.T) {
	c, mock, _ := newTestController(t, &fakeNodeClient{})
	sandboxRow(mock, "sb_1", "org_1", "node_1", repo.SandboxRunning)
	quotaRow(mock, "org_1", 30)

	_, err := c.Create(context.Background(), "org_1", "user_1", "sb_1", CreateRequest{Argv: []string{"true"}, TimeoutSeconds: 600})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
}

func TestController_Get_NotFound(t *testing.T) {
	c, mock, _ := newTestController(t, &fakeNodeClient{})
	mock.ExpectQuery(`SELECT .* FROM execs WHERE id=\$1 AND sandbox_id=\$2 AND org_id=\$3`).
		WithArgs("ex_1", "sb_1", "org_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sandbox_id", "session_id", "org_id", "seq", "cmd", "cmd_format", "cwd", "env", "status",
			"exit_code", "cpu_ms", "peak_memory_bytes", "duration_ms", "created_at", "updated_at", "started_at", "ended_at",
		}))

	_, err := c.Get("org_1", "sb_1", "ex_1")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestController_Get_Success(t *testing.T) {
	c, mock, _ := newTestController(t, &fakeNodeClient{})
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .* FROM execs WHERE id=\$1 AND sandbox_id=\$2 AND org_id=\$3`).
		WithArgs("ex_1", "sb_1", "org_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sandbox_id", "session_id", "org_id", "seq", "cmd", "cmd_format", "cwd", "env", "status",
			"exit_code", "cpu_ms", "peak_memory_bytes", "duration_ms", "created_at", "updated_at", "started_at", "ended_at",
		}).AddRow("ex_1", "sb_1", nil, "org_1", 1, "echo hi", repo.CmdFormatShell, "/", []byte(`{}`), repo.ExecDone,
			0, 10, 1024, 5, now, now, &now, &now))

	ex, err := c.Get("org_1", "sb_1", "ex_1")
	require.NoError(t, err)
	require.Equal(t, "ex_1", ex.ID)
	require.Equal(t, repo.ExecDone, ex.Status)
}

func TestController_StreamFrom_FiltersBySeq(t *testing.T) {
	c, _, fakeKV := newTestController(t, &fakeNodeClient{})
	ctx := context.Background()
	require.NoError(t, fakeKV.PushExecEvent(ctx, "ex_1", kvEvent(1, "stdout"), time.Hour))
	require.NoError(t, fakeKV.PushExecEvent(ctx, "ex_1", kvEvent(2, "exit"), time.Hour))

	events, err := c.StreamFrom(ctx, "ex_1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(2), events[0].Seq)
}

func TestFormatSSE_RendersIDAndData(t *testing.T) {
	frame := FormatSSE(kvEvent(5, "stdout"))
	require.Contains(t, string(frame), "id: 5\n")
	require.Contains(t, string(frame), "data: ")
}
