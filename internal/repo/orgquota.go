package repo

import (
	"database/sql"
	"fmt"
)

// Default limits applied when an org carries no override. Grounded on the
// teacher's settings-chain defaults in internal/server/quota.go.
const (
	DefaultMaxConcurrentSandboxes = 10
	DefaultMaxExecTimeoutSeconds  = 300
	DefaultMaxForkDepth           = 5
	DefaultMaxSessionsPerSandbox  = 4
	DefaultMaxFileBytes           = 100 * 1024 * 1024
	DefaultMaxArtifactBytesPerOrg = 10 * 1024 * 1024 * 1024
)

type OrgQuotaRepo struct {
	db *sql.DB
}

// NewOrgQuotaRepo wraps an existing *sql.DB, used by Store.Open to wire the
// repository and by tests to back it with sqlmock.
func NewOrgQuotaRepo(db *sql.DB) *OrgQuotaRepo {
	return &OrgQuotaRepo{db: db}
}

func (r *OrgQuotaRepo) Get(orgID string) (*OrgQuota, error) {
	q := &OrgQuota{OrgID: orgID}
	err := r.db.QueryRow(
		`SELECT max_concurrent_sandboxes, max_exec_timeout_seconds, max_fork_depth,
		        max_sessions_per_sandbox, max_file_bytes, max_artifact_bytes_per_org, updated_at
		 FROM org_quotas WHERE org_id=$1`,
		orgID,
	).Scan(&q.MaxConcurrentSandboxes, &q.MaxExecTimeoutSeconds, &q.MaxForkDepth,
		&q.MaxSessionsPerSandbox, &q.MaxFileBytes, &q.MaxArtifactBytesPerOrg, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get org quota: %w", err)
	}
	return q, nil
}

// Effective merges q's per-org overrides with the package defaults, the
// same nil-check-and-override idiom the teacher uses to merge workspace
// quotas with system defaults.
func (q *OrgQuota) Effective() EffectiveOrgQuota {
	e := EffectiveOrgQuota{
		MaxConcurrentSandboxes: DefaultMaxConcurrentSandboxes,
		MaxExecTimeoutSeconds:  DefaultMaxExecTimeoutSeconds,
		MaxForkDepth:           DefaultMaxForkDepth,
		MaxSessionsPerSandbox:  DefaultMaxSessionsPerSandbox,
		MaxFileBytes:           DefaultMaxFileBytes,
		MaxArtifactBytesPerOrg: DefaultMaxArtifactBytesPerOrg,
	}
	if q == nil {
		return e
	}
	if q.MaxConcurrentSandboxes != nil {
		e.MaxConcurrentSandboxes = *q.MaxConcurrentSandboxes
	}
	if q.MaxExecTimeoutSeconds != nil {
		e.MaxExecTimeoutSeconds = *q.MaxExecTimeoutSeconds
	}
	if q.MaxForkDepth != nil {
		e.MaxForkDepth = *q.MaxForkDepth
	}
	if q.MaxSessionsPerSandbox != nil {
		e.MaxSessionsPerSandbox = *q.MaxSessionsPerSandbox
	}
	if q.MaxFileBytes != nil {
		e.MaxFileBytes = *q.MaxFileBytes
	}
	if q.MaxArtifactBytesPerOrg != nil {
		e.MaxArtifactBytesPerOrg = *q.MaxArtifactBytesPerOrg
	}
	return e
}

func (r *OrgQuotaRepo) Set(q *OrgQuota) error {
	_, err := r.db.Exec(
		`INSERT INTO org_quotas (org_id, max_concurrent_sandboxes, max_exec_timeout_seconds, max_fork_depth,
			max_sessions_per_sandbox, max_file_bytes, max_artifact_bytes_per_org, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		 ON CONFLICT (org_id) DO UPDATE SET
		   max_concurrent_sandboxes = EXCLUDED.max_concurrent_sandboxes,
		   max_exec_timeout_seconds = EXCLUDED.max_exec_timeout_seconds,
		   max_fork_depth = EXCLUDED.max_fork_depth,
		   max_sessions_per_sandbox = EXCLUDED.max_sessions_per_sandbox,
		   max_file_bytes = EXCLUDED.max_file_bytes,
		   max_artifact_bytes_per_org = EXCLUDED.max_artifact_bytes_per_org,
		   updated_at = NOW()`,
		q.OrgID, q.MaxConcurrentSandboxes, q.MaxExecTimeoutSeconds, q.MaxForkDepth,
		q.MaxSessionsPerSandbox, q.MaxFileBytes, q.MaxArtifactBytesPerOrg,
	)
	if err != nil {
		return fmt.Errorf("set org quota: %w", err)
	}
	return nil
}

func (r *OrgQuotaRepo) Delete(orgID string) error {
	_, err := r.db.Exec(`DELETE FROM org_quotas WHERE org_id=$1`, orgID)
	if err != nil {
		return fmt.Errorf("delete org quota: %w", err)
	}
	return nil
}
