package hierarchy

import (
	"context"
	"database/sql"
)

// PostgresRepo is the authoritative store for hierarchy nodes.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// NodesForSource loads every node of one source's tree.
func (r *PostgresRepo) NodesForSource(ctx context.Context, source string) ([]Node, error) {
	query := `SELECT id, parent_id, node_type, raw_node_id FROM hierarchy_nodes WHERE source = $1`
	rows, err := r.db.QueryContext(ctx, query, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var parentID sql.NullInt64
		if err := rows.Scan(&n.ID, &parentID, &n.Type, &n.RawID); err != nil {
			return nil, err
		}
		if parentID.Valid {
			n.ParentID = &parentID.Int64
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// EnsureSourceNode inserts the source root node if absent and returns it.
// The unique constraint on (source, raw_node_id) makes concurrent callers
// safe; the no-op update lets RETURNING yield the row either way.
func (r *PostgresRepo) EnsureSourceNode(ctx context.Context, source string) (Node, error) {
	n := Node{Type: NodeTypeSource, RawID: source}
	query := `INSERT INTO hierarchy_nodes (source, parent_id, node_type, raw_node_id)
		VALUES ($1, NULL, $2, $3)
		ON CONFLICT (source, raw_node_id) DO UPDATE SET node_type = EXCLUDED.node_type
		RETURNING id`
	err := r.db.QueryRowContext(ctx, query, source, NodeTypeSource, source).Scan(&n.ID)
	if err != nil {
		return Node{}, err
	}
	return n, nil
}

// UpsertNode inserts or refreshes one non-root node discovered by ingestion.
func (r *PostgresRepo) UpsertNode(ctx context.Context, source string, node Node) (Node, error) {
	query := `INSERT INTO hierarchy_nodes (source, parent_id, node_type, raw_node_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, raw_node_id) DO UPDATE SET parent_id = EXCLUDED.parent_id, node_type = EXCLUDED.node_type
		RETURNING id`
	var parentID sql.NullInt64
	if node.ParentID != nil {
		parentID = sql.NullInt64{Int64: *node.ParentID, Valid: true}
	}
	err := r.db.QueryRowContext(ctx, query, source, parentID, node.Type, node.RawID).Scan(&node.ID)
	if err != nil {
		return Node{}, err
	}
	return node, nil
}
