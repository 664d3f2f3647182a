package repo

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type AuditRepo struct {
	db *sql.DB
}

// NewAuditRepo wraps an existing *sql.DB, used by Store.Open to wire the
// repository and by tests to back it with sqlmock.
func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Record appends an audit entry. Failures here are logged and swallowed by
// the caller per the error propagation policy; the write itself never
// blocks a request's success path.
func (r *AuditRepo) Record(orgID, actorID, action, targetID, detail string) error {
	_, err := r.db.Exec(
		`INSERT INTO audit_log (id, org_id, actor_id, action, target_id, detail) VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.New().String(), orgID, actorID, action, targetID, detail,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func (r *AuditRepo) List(orgID string, cursor string, limit int) (*Page[*AuditRecord], error) {
	limit = clampLimit(limit)
	query := `SELECT id, org_id, actor_id, action, target_id, detail, created_at FROM audit_log WHERE org_id=$1`
	args := []any{orgID}
	if cursor != "" {
		query += " AND id < $2"
		args = append(args, cursor)
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit+1)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var a AuditRecord
		if err := rows.Scan(&a.ID, &a.OrgID, &a.ActorID, &a.Action, &a.TargetID, &a.Detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	page := &Page[*AuditRecord]{}
	if len(out) > limit {
		page.NextCursor = out[limit-1].ID
		out = out[:limit]
	}
	page.Rows = out
	return page, rows.Err()
}
