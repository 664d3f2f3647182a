package repo

import (
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrgQuotaRepo(t *testing.T) (*OrgQuotaRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &OrgQuotaRepo{db: db}, mock
}

func TestOrgQuotaRepoGetNoOverrideReturnsZeroValueQuota(t *testing.T) {
	r, mock := newOrgQuotaRepo(t)
	mock.ExpectQuery(`SELECT .* FROM org_quotas WHERE org_id=\$1`).
		WithArgs("org_1").
		WillReturnError(sql.ErrNoRows)

	q, err := r.Get("org_1")
	require.NoError(t, err)
	require.Equal(t, "org_1", q.OrgID)
	require.Nil(t, q.MaxConcurrentSandboxes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrgQuotaRepoGetWithOverride(t *testing.T) {
	r, mock := newOrgQuotaRepo(t)
	now := time.Now().UTC()
	limit := 25
	mock.ExpectQuery(`SELECT .* FROM org_quotas WHERE org_id=\$1`).
		WithArgs("org_2").
		WillReturnRows(sqlmock.NewRows([]string{
			"max_concurrent_sandboxes", "max_exec_timeout_seconds", "max_fork_depth",
			"max_sessions_per_sandbox", "max_file_bytes", "max_artifact_bytes_per_org", "updated_at",
		}).AddRow(limit, nil, nil, nil, nil, nil, now))

	q, err := r.Get("org_2")
	require.NoError(t, err)
	require.NotNil(t, q.MaxConcurrentSandboxes)
	assert.Equal(t, limit, *q.MaxConcurrentSandboxes)

	eff := q.Effective()
	assert.Equal(t, limit, eff.MaxConcurrentSandboxes)
	assert.Equal(t, DefaultMaxExecTimeoutSeconds, eff.MaxExecTimeoutSeconds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrgQuotaEffective_NilQuotaUsesAllDefaults(t *testing.T) {
	var q *OrgQuota
	eff := q.Effective()
	assert.Equal(t, DefaultMaxConcurrentSandboxes, eff.MaxConcurrentSandboxes)
	assert.Equal(t, DefaultMaxExecTimeoutSeconds, eff.MaxExecTimeoutSeconds)
	assert.Equal(t, DefaultMaxForkDepth, eff.MaxForkDepth)
	assert.Equal(t, DefaultMaxSessionsPerSandbox, eff.MaxSessionsPerSandbox)
	assert.Equal(t, DefaultMaxFileBytes, eff.MaxFileBytes)
	assert.Equal(t, DefaultMaxArtifactBytesPerOrg, eff.MaxArtifactBytesPerOrg)
}
