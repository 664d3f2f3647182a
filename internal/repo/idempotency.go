package repo

import (
	"database/sql"
	"fmt"
)

type IdempotencyRepo struct {
	db *sql.DB
}

// NewIdempotencyRepo wraps an existing *sql.DB, used by Store.Open to wire the
// repository and by tests to back it with sqlmock.
func NewIdempotencyRepo(db *sql.DB) *IdempotencyRepo {
	return &IdempotencyRepo{db: db}
}

// BeginOrGet inserts an in_progress record for (key, orgId) if absent, or
// returns the existing record. wasNew reports whether this call performed
// the insert: callers execute the handler only when wasNew is true, and
// otherwise inspect the returned record's Status to either replay a
// completed response or report a conflict for a still in-progress one.
func (r *IdempotencyRepo) BeginOrGet(key, orgID, requestHash string) (wasNew bool, rec *IdempotencyRecord, err error) {
	res, err := r.db.Exec(
		`INSERT INTO idempotency_keys (key, org_id, status, request_hash)
		 VALUES ($1,$2,'in_progress',$3)
		 ON CONFLICT (key, org_id) DO NOTHING`,
		key, orgID, requestHash,
	)
	if err != nil {
		return false, nil, fmt.Errorf("begin idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("begin idempotency key rows affected: %w", err)
	}

	rec = &IdempotencyRecord{}
	err = r.db.QueryRow(
		`SELECT key, org_id, status, request_hash, response_status, response_body, created_at
		 FROM idempotency_keys WHERE key=$1 AND org_id=$2`,
		key, orgID,
	).Scan(&rec.Key, &rec.OrgID, &rec.Status, &rec.RequestHash, &rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("get idempotency key: %w", err)
	}

	return affected == 1, rec, nil
}

func (r *IdempotencyRepo) Complete(key, orgID string, status int, body []byte) error {
	_, err := r.db.Exec(
		`UPDATE idempotency_keys SET status='completed', response_status=$1, response_body=$2 WHERE key=$3 AND org_id=$4`,
		status, body, key, orgID,
	)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// PurgeOlderThanDays deletes records past the retention window.
func (r *IdempotencyRepo) PurgeOlderThanDays(days int) error {
	_, err := r.db.Exec(`DELETE FROM idempotency_keys WHERE created_at < NOW() - ($1 || ' days')::interval`, days)
	if err != nil {
		return fmt.Errorf("purge idempotency keys: %w", err)
	}
	return nil
}
