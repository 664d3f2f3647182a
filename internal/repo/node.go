package repo

import (
	"database/sql"
	"fmt"
)

type NodeRepo struct {
	db *sql.DB
}

// NewNodeRepo wraps an existing *sql.DB, used by Store.Open to wire the
// repository and by tests to back it with sqlmock.
func NewNodeRepo(db *sql.DB) *NodeRepo {
	return &NodeRepo{db: db}
}

func (r *NodeRepo) Create(n *Node) error {
	_, err := r.db.Exec(
		`INSERT INTO nodes (id, name, hostname, slots_total, status, last_seen_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		n.ID, n.Name, n.Hostname, n.SlotsTotal, n.Status, n.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

const nodeColumns = `id, name, hostname, slots_total, status, last_seen_at`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	if err := row.Scan(&n.ID, &n.Name, &n.Hostname, &n.SlotsTotal, &n.Status, &n.LastSeenAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *NodeRepo) FindByID(id string) (*Node, error) {
	row := r.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id=$1`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find node: %w", err)
	}
	return n, nil
}

// Hostname resolves a node id to its RPC hostname, satisfying
// node.NodeHostLookup for FleetResolver.
func (r *NodeRepo) Hostname(nodeID string) (string, error) {
	n, err := r.FindByID(nodeID)
	if err != nil {
		return "", err
	}
	if n == nil {
		return "", fmt.Errorf("node %s not found", nodeID)
	}
	return n.Hostname, nil
}

// ListOnline returns nodes with status=online, ordered by name then id for
// a deterministic tie-break in the scheduler.
func (r *NodeRepo) ListOnline() ([]*Node, error) {
	rows, err := r.db.Query(`SELECT ` + nodeColumns + ` FROM nodes WHERE status='online' ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list online nodes: %w", err)
	}
	defer rows.Close()
	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NodeRepo) List() ([]*Node, error) {
	rows, err := r.db.Query(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NodeRepo) UpdateStatus(id string, status NodeStatus) error {
	_, err := r.db.Exec(`UPDATE nodes SET status=$1 WHERE id=$2`, status, id)
	if err != nil {
		return fmt.Errorf("update node status: %w", err)
	}
	return nil
}

func (r *NodeRepo) TouchLastSeen(id string) error {
	_, err := r.db.Exec(`UPDATE nodes SET last_seen_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("touch node last seen: %w", err)
	}
	return nil
}
