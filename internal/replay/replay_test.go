package replay

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/kv/kvtest"
	"github.com/sandchest/sandchest/internal/repo"
)

var sandboxCols = []string{
	"id", "org_id", "node_id", "image_id", "profile_id", "profile_name", "image_ref",
	"status", "env", "forked_from", "fork_depth", "fork_count", "ttl_seconds",
	"failure_reason", "replay_public", "replay_expires_at", "last_activity_at",
	"created_at", "updated_at", "started_at", "ended_at",
}

func sandboxRow(id, orgID string, status repo.SandboxStatus) []any {
	now := time.Now().UTC()
	return []any{
		id, orgID, "node_1", "img_1", "prof_1", "default", "alpine:latest",
		status, []byte(`{}`), nil, 0, 0, 3600,
		nil, false, nil, nil,
		now, now, nil, nil,
	}
}

func newTestController(t *testing.T) (*Controller, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := New(repo.NewSandboxRepo(db), repo.NewExecRepo(db), repo.NewSessionRepo(db), repo.NewArtifactRepo(db), kvtest.New())
	return c, mock
}

func expectSandboxRoot(mock sqlmock.Sqlmock, id, orgID string, status repo.SandboxStatus) {
	row := sandboxRow(id, orgID, status)
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE id = \$1 AND org_id = \$2`).
		WithArgs(id, orgID).
		WillReturnRows(sqlmock.NewRows(sandboxCols).AddRow(row...))
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE id = \$1 AND org_id = \$2`).
		WithArgs(id, orgID).
		WillReturnRows(sqlmock.NewRows(sandboxCols).AddRow(row...))
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE forked_from=\$1 AND org_id=\$2`).
		WithArgs(id, orgID).
		WillReturnRows(sqlmock.NewRows(sandboxCols))
}

func expectEmptyLists(mock sqlmock.Sqlmock, id, orgID string) {
	mock.ExpectQuery(`SELECT .* FROM execs WHERE sandbox_id=\$1 AND org_id=\$2`).
		WithArgs(id, orgID, 201).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sandbox_id", "session_id", "org_id", "seq", "cmd", "cmd_format", "cwd", "env", "status",
			"exit_code", "cpu_ms", "peak_memory_bytes", "duration_ms", "created_at", "updated_at", "started_at", "ended_at",
		}))
	mock.ExpectQuery(`SELECT .* FROM sandbox_sessions WHERE sandbox_id=\$1 AND org_id=\$2`).
		WithArgs(id, orgID, 201).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sandbox_id", "org_id", "shell", "status", "destroyed_at", "created_at", "updated_at"}))
	mock.ExpectQuery(`SELECT .* FROM artifacts WHERE sandbox_id=\$1 AND org_id=\$2`).
		WithArgs(id, orgID, 201).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sandbox_id", "org_id", "exec_id", "name", "mime", "bytes", "sha256", "ref", "created_at", "retention_until"}))
}

func TestController_GetBundle_Success(t *testing.T) {
	c, mock := newTestController(t)
	orgID := "org_1"
	expectSandboxRoot(mock, "sb_1", orgID, repo.SandboxRunning)
	expectEmptyLists(mock, "sb_1", orgID)

	bundle, access, err := c.GetBundle(context.Background(), &orgID, "sb_1")
	require.NoError(t, err)
	require.Equal(t, AccessPrivate, access)
	require.Equal(t, "sb_1", bundle.SandboxID)
	require.Equal(t, "in_progress", bundle.Status)
	require.NotNil(t, bundle.ForkTree)
	require.Equal(t, "sb_1", bundle.ForkTree.SandboxID)
	require.Empty(t, bundle.Execs)
	require.Equal(t, "/v1/sandboxes/sb_1/replay/events", bundle.EventsURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestController_GetBundle_TerminalStatusIsComplete(t *testing.T) {
	c, mock := newTestController(t)
	orgID := "org_1"
	expectSandboxRoot(mock, "sb_1", orgID, repo.SandboxStopped)
	expectEmptyLists(mock, "sb_1", orgID)

	bundle, _, err := c.GetBundle(context.Background(), &orgID, "sb_1")
	require.NoError(t, err)
	require.Equal(t, "complete", bundle.Status)
}

func TestController_GetBundle_NotFound(t *testing.T) {
	c, mock := newTestController(t)
	orgID := "org_1"
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE id = \$1 AND org_id = \$2`).
		WithArgs("sb_missing", orgID).
		WillReturnRows(sqlmock.NewRows(sandboxCols))

	_, _, err := c.GetBundle(context.Background(), &orgID, "sb_missing")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestController_GetBundle_PublicAccessSkipsTenantCheck(t *testing.T) {
	c, mock := newTestController(t)
	row := sandboxRow("sb_1", "org_1", repo.SandboxRunning)
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE id = \$1 AND replay_public = TRUE`).
		WithArgs("sb_1").
		WillReturnRows(sqlmock.NewRows(sandboxCols).AddRow(row...))
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE id = \$1 AND org_id = \$2`).
		WithArgs("sb_1", "org_1").
		WillReturnRows(sqlmock.NewRows(sandboxCols).AddRow(row...))
	mock.ExpectQuery(`SELECT .* FROM sandboxes WHERE forked_from=\$1 AND org_id=\$2`).
		WithArgs("sb_1", "org_1").
		WillReturnRows(sqlmock.NewRows(sandboxCols))
	expectEmptyLists(mock, "sb_1", "org_1")

	bundle, access, err := c.GetBundle(context.Background(), nil, "sb_1")
	require.NoError(t, err)
	require.Equal(t, AccessPublic, access)
	require.Equal(t, "sb_1", bundle.SandboxID)
}

func TestController_StreamFrom(t *testing.T) {
	c, _ := newTestController(t)
	fakeKV := c.KV.(*kvtest.Fake)
	require.NoError(t, fakeKV.PushReplayEvent(context.Background(), "sb_1", kv.ExecEvent{Seq: 0, Ts: time.Now(), Data: []byte(`{}`)}, time.Hour))
	require.NoError(t, fakeKV.PushReplayEvent(context.Background(), "sb_1", kv.ExecEvent{Seq: 1, Ts: time.Now(), Data: []byte(`{}`)}, time.Hour))

	events, err := c.StreamFrom(context.Background(), "sb_1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(1), events[0].Seq)
}
