package repo

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

type ExecRepo struct {
	db *sql.DB
}

// NewExecRepo wraps an existing *sql.DB, used by Store.Open to wire the
// repository and by tests to back it with sqlmock.
func NewExecRepo(db *sql.DB) *ExecRepo {
	return &ExecRepo{db: db}
}

// NextSeq atomically reserves the next per-sandbox exec sequence number.
func (r *ExecRepo) NextSeq(sandboxID string) (int64, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("next seq begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO sandbox_seq_counters (sandbox_id, next_seq) VALUES ($1, 1)
		ON CONFLICT (sandbox_id) DO NOTHING`, sandboxID)
	if err != nil {
		return 0, fmt.Errorf("next seq insert: %w", err)
	}

	var seq int64
	err = tx.QueryRow(`UPDATE sandbox_seq_counters SET next_seq = next_seq + 1
		WHERE sandbox_id = $1 RETURNING next_seq - 1`, sandboxID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("next seq commit: %w", err)
	}
	return seq, nil
}

func (r *ExecRepo) Create(e *Exec) error {
	envJSON, err := json.Marshal(e.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	_, err = r.db.Exec(
		`INSERT INTO execs (id, sandbox_id, session_id, org_id, seq, cmd, cmd_format, cwd, env,
			status, exit_code, cpu_ms, peak_memory_bytes, duration_ms, created_at, updated_at, started_at, ended_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.ID, e.SandboxID, e.SessionID, e.OrgID, e.Seq, e.Cmd, e.CmdFormat, e.Cwd, envJSON,
		e.Status, e.ExitCode, e.CPUMs, e.PeakMemoryBytes, e.DurationMs, e.CreatedAt, e.UpdatedAt, e.StartedAt, e.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("create exec: %w", err)
	}
	return nil
}

const execColumns = `id, sandbox_id, session_id, org_id, seq, cmd, cmd_format, cwd, env, status,
	exit_code, cpu_ms, peak_memory_bytes, duration_ms, created_at, updated_at, started_at, ended_at`

func scanExec(row interface{ Scan(...any) error }) (*Exec, error) {
	var e Exec
	var envJSON []byte
	err := row.Scan(&e.ID, &e.SandboxID, &e.SessionID, &e.OrgID, &e.Seq, &e.Cmd, &e.CmdFormat, &e.Cwd, &envJSON,
		&e.Status, &e.ExitCode, &e.CPUMs, &e.PeakMemoryBytes, &e.DurationMs, &e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &e.EndedAt)
	if err != nil {
		return nil, err
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &e.Env); err != nil {
			return nil, fmt.Errorf("unmarshal env: %w", err)
		}
	}
	return &e, nil
}

func (r *ExecRepo) FindByID(id, sandboxID, orgID string) (*Exec, error) {
	row := r.db.QueryRow(`SELECT `+execColumns+` FROM execs WHERE id=$1 AND sandbox_id=$2 AND org_id=$3`, id, sandboxID, orgID)
	e, err := scanExec(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find exec: %w", err)
	}
	return e, nil
}

// FindByIDInternal returns the exec by id alone, for trusted internal
// callers that only have an exec id to work from (node event dispatch).
func (r *ExecRepo) FindByIDInternal(id string) (*Exec, error) {
	row := r.db.QueryRow(`SELECT `+execColumns+` FROM execs WHERE id=$1`, id)
	e, err := scanExec(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find exec internal: %w", err)
	}
	return e, nil
}

type ExecListFilter struct {
	Status    *ExecStatus
	SessionID *string
	Cursor    string
	Limit     int
}

func (r *ExecRepo) List(sandboxID, orgID string, f ExecListFilter) (*Page[*Exec], error) {
	limit := clampLimit(f.Limit)
	query := `SELECT ` + execColumns + ` FROM execs WHERE sandbox_id=$1 AND org_id=$2`
	args := []any{sandboxID, orgID}
	n := 2

	if f.Status != nil {
		n++
		query += fmt.Sprintf(" AND status=$%d", n)
		args = append(args, *f.Status)
	}
	if f.SessionID != nil {
		n++
		query += fmt.Sprintf(" AND session_id=$%d", n)
		args = append(args, *f.SessionID)
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
		return nil, fmt.Errorf("list execs: %w", err)
	}
	defer rows.Close()

	var out []*Exec
	for rows.Next() {
		e, err := scanExec(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &Page[*Exec]{}
	if len(out) > limit {
		page.NextCursor = out[limit-1].ID
		out = out[:limit]
	}
	page.Rows = out
	return page, nil
}

func (r *ExecRepo) UpdateStatus(id, sandboxID, orgID string, status ExecStatus, exitCode *int, cpuMs, peakMemoryBytes, durationMs *int64) error {
	_, err := r.db.Exec(
		`UPDATE execs SET status=$1, exit_code=COALESCE($2, exit_code), cpu_ms=COALESCE($3, cpu_ms),
		   peak_memory_bytes=COALESCE($4, peak_memory_bytes), duration_ms=COALESCE($5, duration_ms),
		   ended_at=CASE WHEN $1 IN ('done','failed','timed_out') THEN COALESCE(ended_at, NOW()) ELSE ended_at END,
		   updated_at=NOW()
		 WHERE id=$6 AND sandbox_id=$7 AND org_id=$8`,
		status, exitCode, cpuMs, peakMemoryBytes, durationMs, id, sandboxID, orgID,
	)
	if err != nil {
		return fmt.Errorf("update exec status: %w", err)
	}
	return nil
}

func (r *ExecRepo) MarkStarted(id, sandboxID, orgID string) error {
	_, err := r.db.Exec(`UPDATE execs SET status='running', started_at=COALESCE(started_at, NOW()), updated_at=NOW() WHERE id=$1 AND sandbox_id=$2 AND org_id=$3`, id, sandboxID, orgID)
	if err != nil {
		return fmt.Errorf("mark exec started: %w", err)
	}
	return nil
}
