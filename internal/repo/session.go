package repo

import (
	"database/sql"
	"fmt"
)

type SessionRepo struct {
	db *sql.DB
}

// NewSessionRepo wraps an existing *sql.DB, used by Store.Open to wire the
// repository and by tests to back it with sqlmock.
func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(s *SandboxSession) error {
	_, err := r.db.Exec(
		`INSERT INTO sandbox_sessions (id, sandbox_id, org_id, shell, status, destroyed_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.SandboxID, s.OrgID, s.Shell, s.Status, s.DestroyedAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, sandbox_id, org_id, shell, status, destroyed_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*SandboxSession, error) {
	var s SandboxSession
	err := row.Scan(&s.ID, &s.SandboxID, &s.OrgID, &s.Shell, &s.Status, &s.DestroyedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepo) FindByID(id, sandboxID, orgID string) (*SandboxSession, error) {
	row := r.db.QueryRow(`SELECT `+sessionColumns+` FROM sandbox_sessions WHERE id=$1 AND sandbox_id=$2 AND org_id=$3`, id, sandboxID, orgID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) List(sandboxID, orgID string, cursor string, limit int) (*Page[*SandboxSession], error) {
	limit = clampLimit(limit)
	query := `SELECT ` + sessionColumns + ` FROM sandbox_sessions WHERE sandbox_id=$1 AND org_id=$2`
	args := []any{sandboxID, orgID}
	if cursor != "" {
		query += " AND id < $3"
		args = append(args, cursor)
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit+1)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SandboxSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	page := &Page[*SandboxSession]{}
	if len(out) > limit {
		page.NextCursor = out[limit-1].ID
		out = out[:limit]
	}
	page.Rows = out
	return page, rows.Err()
}

func (r *SessionRepo) CountActive(sandboxID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM sandbox_sessions WHERE sandbox_id=$1 AND status='running'`, sandboxID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

func (r *SessionRepo) Destroy(id, sandboxID, orgID string) error {
	_, err := r.db.Exec(
		`UPDATE sandbox_sessions SET status='destroyed', destroyed_at=COALESCE(destroyed_at, NOW()), updated_at=NOW()
		 WHERE id=$1 AND sandbox_id=$2 AND org_id=$3`,
		id, sandboxID, orgID,
	)
	if err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

func (r *SessionRepo) DeleteByOrgID(orgID string) error {
	_, err := r.db.Exec(`DELETE FROM sandbox_sessions WHERE org_id=$1`, orgID)
	if err != nil {
		return fmt.Errorf("delete sessions by org: %w", err)
	}
	return nil
}
