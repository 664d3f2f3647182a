package repo

import (
	"database/sql"
	"fmt"
)

type ArtifactRepo struct {
	db *sql.DB
}

// NewArtifactRepo wraps an existing *sql.DB, used by Store.Open to wire the
// repository and by tests to back it with sqlmock.
func NewArtifactRepo(db *sql.DB) *ArtifactRepo {
	return &ArtifactRepo{db: db}
}

func (r *ArtifactRepo) Create(a *Artifact) error {
	_, err := r.db.Exec(
		`INSERT INTO artifacts (id, sandbox_id, org_id, exec_id, name, mime, bytes, sha256, ref, created_at, retention_until)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.SandboxID, a.OrgID, a.ExecID, a.Name, a.MIME, a.Bytes, a.SHA256, a.Ref, a.CreatedAt, a.RetentionUntil,
	)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

const artifactColumns = `id, sandbox_id, org_id, exec_id, name, mime, bytes, sha256, ref, created_at, retention_until`

func scanArtifact(row interface{ Scan(...any) error }) (*Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ID, &a.SandboxID, &a.OrgID, &a.ExecID, &a.Name, &a.MIME, &a.Bytes, &a.SHA256, &a.Ref, &a.CreatedAt, &a.RetentionUntil)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *ArtifactRepo) FindByID(id, sandboxID, orgID string) (*Artifact, error) {
	row := r.db.QueryRow(`SELECT `+artifactColumns+` FROM artifacts WHERE id=$1 AND sandbox_id=$2 AND org_id=$3`, id, sandboxID, orgID)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find artifact: %w", err)
	}
	return a, nil
}

func (r *ArtifactRepo) List(sandboxID, orgID string, cursor string, limit int) (*Page[*Artifact], error) {
	limit = clampLimit(limit)
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE sandbox_id=$1 AND org_id=$2`
	args := []any{sandboxID, orgID}
	if cursor != "" {
		query += " AND id < $3"
		args = append(args, cursor)
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit+1)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	page := &Page[*Artifact]{}
	if len(out) > limit {
		page.NextCursor = out[limit-1].ID
		out = out[:limit]
	}
	page.Rows = out
	return page, rows.Err()
}

func (r *ArtifactRepo) SumBytesByOrg(orgID string) (int64, error) {
	var total int64
	err := r.db.QueryRow(`SELECT COALESCE(SUM(bytes),0) FROM artifacts WHERE org_id=$1`, orgID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum artifact bytes: %w", err)
	}
	return total, nil
}
