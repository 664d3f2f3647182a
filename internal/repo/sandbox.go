package repo

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/ids"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type SandboxRepo struct {
	db *sql.DB
}

// NewSandboxRepo wraps an existing *sql.DB, used by Store.Open to wire the
// repository and by tests to back it with sqlmock.
func NewSandboxRepo(db *sql.DB) *SandboxRepo {
	return &SandboxRepo{db: db}
}

type SandboxListFilter struct {
	Status     *SandboxStatus
	ForkedFrom *string
	Cursor     string
	Limit      int
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

func (r *SandboxRepo) Create(sb *Sandbox) error {
	envJSON, err := json.Marshal(sb.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	_, err = r.db.Exec(
		`INSERT INTO sandboxes (id, org_id, node_id, image_id, profile_id, profile_name,
			image_ref, status, env, forked_from, fork_depth, fork_count, ttl_seconds,
			failure_reason, replay_public, replay_expires_at, last_activity_at,
			created_at, updated_at, started_at, ended_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		sb.ID, sb.OrgID, sb.NodeID, sb.ImageID, sb.ProfileID, sb.ProfileName,
		sb.ImageRef, sb.Status, envJSON, sb.ForkedFrom, sb.ForkDepth, sb.ForkCount, sb.TTLSeconds,
		sb.FailureReason, sb.ReplayPublic, sb.ReplayExpiresAt, sb.LastActivityAt,
		sb.CreatedAt, sb.UpdatedAt, sb.StartedAt, sb.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	return nil
}

const sandboxColumns = `id, org_id, node_id, image_id, profile_id, profile_name, image_ref,
	status, env, forked_from, fork_depth, fork_count, ttl_seconds, failure_reason,
	replay_public, replay_expires_at, last_activity_at, created_at, updated_at, started_at, ended_at`

func scanSandbox(row interface{ Scan(...any) error }) (*Sandbox, error) {
	var sb Sandbox
	var envJSON []byte
	var failureReason sql.NullString
	err := row.Scan(&sb.ID, &sb.OrgID, &sb.NodeID, &sb.ImageID, &sb.ProfileID, &sb.ProfileName,
		&sb.ImageRef, &sb.Status, &envJSON, &sb.ForkedFrom, &sb.ForkDepth, &sb.ForkCount, &sb.TTLSeconds,
		&failureReason, &sb.ReplayPublic, &sb.ReplayExpiresAt, &sb.LastActivityAt,
		&sb.CreatedAt, &sb.UpdatedAt, &sb.StartedAt, &sb.EndedAt)
	if err != nil {
		return nil, err
	}
	if failureReason.Valid {
		fr := FailureReason(failureReason.String)
		sb.FailureReason = &fr
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &sb.Env); err != nil {
			return nil, fmt.Errorf("unmarshal env: %w", err)
		}
	}
	return &sb, nil
}

// FindByID returns the sandbox iff owned by orgId. Tenant mismatch and
// absence are both reported as not-found, never distinguished.
func (r *SandboxRepo) FindByID(id, orgID string) (*Sandbox, error) {
	row := r.db.QueryRow(`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1 AND org_id = $2`, id, orgID)
	sb, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find sandbox: %w", err)
	}
	return sb, nil
}

// FindByIDInternal returns the sandbox by id without a tenant check, for
// trusted internal callers only (node event dispatch, where the caller
// has no org context to scope by).
func (r *SandboxRepo) FindByIDInternal(id string) (*Sandbox, error) {
	row := r.db.QueryRow(`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1`, id)
	sb, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find sandbox internal: %w", err)
	}
	return sb, nil
}

// FindByIDPublic returns the sandbox iff replay_public=true, without any
// tenant check.
func (r *SandboxRepo) FindByIDPublic(id string) (*Sandbox, error) {
	row := r.db.QueryRow(`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1 AND replay_public = TRUE`, id)
	sb, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find sandbox public: %w", err)
	}
	return sb, nil
}

// List returns a page of sandboxes for orgId, newest first, excluding
// soft-deleted rows.
func (r *SandboxRepo) List(orgID string, f SandboxListFilter) (*Page[*Sandbox], error) {
	limit := clampLimit(f.Limit)
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes WHERE org_id = $1 AND status != 'deleted'`
	args := []any{orgID}
	n := 1

	if f.Status != nil {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, *f.Status)
	}
	if f.ForkedFrom != nil {
		n++
		query += fmt.Sprintf(" AND forked_from = $%d", n)
		args = append(args, *f.ForkedFrom)
	}
	if f.Cursor != "" {
		n++
		query += fmt.Sprintf(" AND id < $%d", n)
		args = append(args, f.Cursor)
	}
	n++
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", n)
	args = append(args, limit+1)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		out = append(out, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &Page[*Sandbox]{}
	if len(out) > limit {
		page.NextCursor = out[limit-1].ID
		out = out[:limit]
	}
	page.Rows = out
	return page, nil
}

func (r *SandboxRepo) UpdateStatus(id, orgID string, status SandboxStatus, endedAt *time.Time, failureReason *FailureReason) error {
	_, err := r.db.Exec(
		`UPDATE sandboxes SET status=$1, ended_at=COALESCE(ended_at, $2), failure_reason=COALESCE(failure_reason, $3), updated_at=NOW()
		 WHERE id=$4 AND org_id=$5`,
		status, endedAt, failureReason, id, orgID,
	)
	if err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	return nil
}

// SoftDelete marks the sandbox deleted and sets endedAt if unset. Deleted
// rows remain reachable by FindByID but excluded from List.
func (r *SandboxRepo) SoftDelete(id, orgID string) error {
	reason := FailureSandboxDeleted
	now := time.Now().UTC()
	_, err := r.db.Exec(
		`UPDATE sandboxes SET status='deleted', ended_at=COALESCE(ended_at, $1),
		   failure_reason=COALESCE(failure_reason, $2), updated_at=NOW()
		 WHERE id=$3 AND org_id=$4`,
		now, reason, id, orgID,
	)
	if err != nil {
		return fmt.Errorf("soft delete sandbox: %w", err)
	}
	return nil
}

type ForkParams struct {
	Source     *Sandbox
	Env        map[string]string
	TTLSeconds int
}

// CreateFork builds a running child sandbox sharing the parent's node
// assignment, image, and profile. Caller is responsible for checking
// maxForkDepth and that source is running.
func (r *SandboxRepo) CreateFork(p ForkParams) (*Sandbox, error) {
	now := time.Now().UTC()
	env := make(map[string]string, len(p.Source.Env)+len(p.Env))
	for k, v := range p.Source.Env {
		env[k] = v
	}
	for k, v := range p.Env {
		env[k] = v
	}

	child := &Sandbox{
		ID:             ids.New(ids.PrefixSandbox),
		OrgID:          p.Source.OrgID,
		NodeID:         p.Source.NodeID,
		ImageID:        p.Source.ImageID,
		ProfileID:      p.Source.ProfileID,
		ProfileName:    p.Source.ProfileName,
		ImageRef:       p.Source.ImageRef,
		Status:         SandboxRunning,
		Env:            env,
		ForkedFrom:     &p.Source.ID,
		ForkDepth:      p.Source.ForkDepth + 1,
		TTLSeconds:     p.TTLSeconds,
		LastActivityAt: &now,
		CreatedAt:      now,
		UpdatedAt:      now,
		StartedAt:      &now,
	}
	if err := r.Create(child); err != nil {
		return nil, err
	}
	return child, nil
}

func (r *SandboxRepo) IncrementForkCount(id, orgID string) error {
	_, err := r.db.Exec(`UPDATE sandboxes SET fork_count = fork_count + 1, updated_at = NOW() WHERE id=$1 AND org_id=$2`, id, orgID)
	if err != nil {
		return fmt.Errorf("increment fork count: %w", err)
	}
	return nil
}

// GetForkTree walks up to the root ancestor then BFS down, scoped to org.
func (r *SandboxRepo) GetForkTree(id, orgID string) (*Sandbox, map[string][]*Sandbox, error) {
	current, err := r.FindByID(id, orgID)
	if err != nil || current == nil {
		return nil, nil, err
	}

	root := current
	for root.ForkedFrom != nil {
		parent, err := r.FindByID(*root.ForkedFrom, orgID)
		if err != nil {
			return nil, nil, err
		}
		if parent == nil {
			break
		}
		root = parent
	}

	children := make(map[string][]*Sandbox)
	queue := []string{root.ID}
	visited := map[string]bool{root.ID: true}
	all := map[string]*Sandbox{root.ID: root}

	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]

		rows, err := r.db.Query(`SELECT `+sandboxColumns+` FROM sandboxes WHERE forked_from=$1 AND org_id=$2`, parentID, orgID)
		if err != nil {
			return nil, nil, fmt.Errorf("get fork tree: %w", err)
		}
		var kids []*Sandbox
		for rows.Next() {
			child, err := scanSandbox(rows)
			if err != nil {
				rows.Close()
				return nil, nil, err
			}
			kids = append(kids, child)
			all[child.ID] = child
			if !visited[child.ID] {
				visited[child.ID] = true
				queue = append(queue, child.ID)
			}
		}
		rows.Close()
		if len(kids) > 0 {
			children[parentID] = kids
		}
	}

	return root, children, nil
}

func (r *SandboxRepo) SetReplayPublic(id, orgID string, public bool) error {
	_, err := r.db.Exec(`UPDATE sandboxes SET replay_public=$1, updated_at=NOW() WHERE id=$2 AND org_id=$3`, public, id, orgID)
	if err != nil {
		return fmt.Errorf("set replay public: %w", err)
	}
	return nil
}

// TouchLastActivity updates lastActivityAt only if status=running.
func (r *SandboxRepo) TouchLastActivity(id, orgID string) error {
	_, err := r.db.Exec(`UPDATE sandboxes SET last_activity_at=NOW(), updated_at=NOW() WHERE id=$1 AND org_id=$2 AND status='running'`, id, orgID)
	if err != nil {
		return fmt.Errorf("touch last activity: %w", err)
	}
	return nil
}

func (r *SandboxRepo) AssignNode(id, orgID, nodeID string) error {
	_, err := r.db.Exec(`UPDATE sandboxes SET node_id=$1, status='provisioning', updated_at=NOW() WHERE id=$2 AND org_id=$3`, nodeID, id, orgID)
	if err != nil {
		return fmt.Errorf("assign node: %w", err)
	}
	return nil
}

func (r *SandboxRepo) MarkRunning(id, orgID string) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(`UPDATE sandboxes SET status='running', started_at=COALESCE(started_at,$1), last_activity_at=$1, updated_at=NOW() WHERE id=$2 AND org_id=$3`, now, id, orgID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

func (r *SandboxRepo) CountActive(orgID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM sandboxes WHERE org_id=$1 AND status IN ('queued','provisioning','running')`, orgID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active sandboxes: %w", err)
	}
	return count, nil
}

func (r *SandboxRepo) findByPredicate(predicate string, args ...any) ([]*Sandbox, error) {
	rows, err := r.db.Query(`SELECT `+sandboxColumns+` FROM sandboxes WHERE `+predicate, args...)
	if err != nil {
		return nil, fmt.Errorf("query sandboxes: %w", err)
	}
	defer rows.Close()
	var out []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

func (r *SandboxRepo) FindExpiredTTL(now time.Time) ([]*Sandbox, error) {
	return r.findByPredicate(`status='running' AND started_at IS NOT NULL AND started_at + (ttl_seconds || ' seconds')::interval < $1`, now)
}

func (r *SandboxRepo) FindNearTTLExpiry(now time.Time, warningThresholdSeconds int) ([]*Sandbox, error) {
	return r.findByPredicate(
		`status='running' AND started_at IS NOT NULL
		 AND started_at + (ttl_seconds || ' seconds')::interval - ($2 || ' seconds')::interval < $1
		 AND started_at + (ttl_seconds || ' seconds')::interval > $1`,
		now, warningThresholdSeconds,
	)
}

func (r *SandboxRepo) FindIdleSince(cutoff time.Time) ([]*Sandbox, error) {
	return r.findByPredicate(
		`status='running' AND COALESCE(last_activity_at, started_at, created_at) < $1`, cutoff)
}

func (r *SandboxRepo) FindQueuedBefore(cutoff time.Time) ([]*Sandbox, error) {
	return r.findByPredicate(`status='queued' AND created_at < $1`, cutoff)
}

func (r *SandboxRepo) SetReplayExpiresAt(id, orgID string, at time.Time) error {
	// replayExpiresAt, once set, is not reduced.
	_, err := r.db.Exec(
		`UPDATE sandboxes SET replay_expires_at = GREATEST(COALESCE(replay_expires_at, $1), $1), updated_at=NOW()
		 WHERE id=$2 AND org_id=$3`,
		at, id, orgID,
	)
	if err != nil {
		return fmt.Errorf("set replay expires at: %w", err)
	}
	return nil
}

func (r *SandboxRepo) FindMissingReplayExpiry() ([]*Sandbox, error) {
	return r.findByPredicate(`status IN ('stopped','failed','deleted') AND replay_expires_at IS NULL`)
}

func (r *SandboxRepo) FindPurgableReplays(cutoff time.Time, minDate time.Time) ([]*Sandbox, error) {
	return r.findByPredicate(`replay_expires_at IS NOT NULL AND replay_expires_at < $1 AND replay_expires_at > $2`, cutoff, minDate)
}

func (r *SandboxRepo) DeleteByOrgID(orgID string) error {
	_, err := r.db.Exec(`DELETE FROM sandboxes WHERE org_id=$1`, orgID)
	if err != nil {
		return fmt.Errorf("delete sandboxes by org: %w", err)
	}
	return nil
}

// ValidateFailureReason rejects unknown values per the closed set in §3.
func ValidateFailureReason(fr FailureReason) error {
	if !ValidFailureReasons[fr] {
		return apierr.New(apierr.KindValidation, fmt.Sprintf("unknown failure_reason %q", fr))
	}
	return nil
}
