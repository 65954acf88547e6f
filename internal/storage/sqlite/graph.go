package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// timeFormat is fixed-width so stored timestamps compare correctly as
// strings in SQL, with sub-second precision for stable created_at order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Node is a raw stored record row. Policy-free: the services map it to
// and from the domain model.
type Node struct {
	ID          string
	Content     string
	Fingerprint string
	Kind        string
	CreatedAt   time.Time
	ValidFrom   time.Time
	ValidTo     *time.Time
	Importance  float64
	Confidence  float64
	SourceID    string
	Metadata    string // JSON object, opaque here
}

// Edge is a directed relationship between a node and a target
// (another node or an entity name).
type Edge struct {
	FromID    string
	ToID      string
	Rel       string
	CreatedAt time.Time
}

// NodeFilter narrows node queries. Zero values mean "any".
type NodeFilter struct {
	Kind     string
	SourceID string
	MetaKey  string
	MetaVal  string
}

type Graph struct {
	db *sql.DB
}

func NewGraph(db *sql.DB) *Graph {
	return &Graph{db: db}
}

const nodeColumns = `id, content, fingerprint, kind, created_at, valid_from, valid_to, importance, confidence, source_id, metadata`

func (g *Graph) InsertNode(ctx context.Context, n Node) error {
	var validTo *string
	if n.ValidTo != nil {
		s := n.ValidTo.UTC().Format(timeFormat)
		validTo = &s
	}

	var meta *string
	if n.Metadata != "" {
		meta = &n.Metadata
	}

	_, err := g.db.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Content, n.Fingerprint, n.Kind,
		n.CreatedAt.UTC().Format(timeFormat), n.ValidFrom.UTC().Format(timeFormat), validTo,
		n.Importance, n.Confidence, n.SourceID, meta)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// ActiveNodeByFingerprint returns the active node carrying fp, or nil.
func (g *Graph) ActiveNodeByFingerprint(ctx context.Context, fp string, now time.Time) (*Node, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE fingerprint = ? AND (valid_to IS NULL OR valid_to > ?)
		 ORDER BY created_at DESC LIMIT 1`,
		fp, now.UTC().Format(timeFormat))

	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ActiveNodeBySourceKey looks up an active node by source id plus the
// natural key recorded in its metadata. Used for idempotent re-ingestion.
func (g *Graph) ActiveNodeBySourceKey(ctx context.Context, sourceID, naturalKey string, now time.Time) (*Node, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE source_id = ? AND json_extract(metadata, '$.natural_key') = ?
		   AND (valid_to IS NULL OR valid_to > ?)
		 LIMIT 1`,
		sourceID, naturalKey, now.UTC().Format(timeFormat))

	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// RecentNodes returns active nodes ordered by created_at descending.
func (g *Graph) RecentNodes(ctx context.Context, limit int, f NodeFilter, now time.Time) ([]Node, error) {
	where := []string{"(valid_to IS NULL OR valid_to > ?)"}
	args := []interface{}{now.UTC().Format(timeFormat)}

	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if f.MetaKey != "" {
		where = append(where, "json_extract(metadata, '$.'||?) = ?")
		args = append(args, f.MetaKey, f.MetaVal)
	}

	query := fmt.Sprintf(
		`SELECT `+nodeColumns+` FROM nodes WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`,
		strings.Join(where, " AND "))
	args = append(args, limit)

	return g.queryNodes(ctx, query, args...)
}

// NodesByIDs fetches the given nodes. Missing ids are silently omitted.
func (g *Graph) NodesByIDs(ctx context.Context, ids []string) ([]Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id IN (` + placeholders + `) ORDER BY created_at DESC, id DESC`
	return g.queryNodes(ctx, query, args...)
}

// DeleteExpired removes nodes whose validity window lapsed before now.
// Entity rows and edges follow via ON DELETE CASCADE.
func (g *Graph) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := g.db.ExecContext(ctx,
		`DELETE FROM nodes WHERE valid_to IS NOT NULL AND valid_to < ?`,
		now.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (g *Graph) CountNodes(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE valid_to IS NULL OR valid_to > ?`,
		now.UTC().Format(timeFormat)).Scan(&n)
	return n, err
}

func (g *Graph) CountByColumn(ctx context.Context, column string, now time.Time) (map[string]int, error) {
	if column != "kind" && column != "source_id" {
		return nil, fmt.Errorf("unsupported aggregate column %q", column)
	}

	rows, err := g.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM nodes
		 WHERE valid_to IS NULL OR valid_to > ?
		 GROUP BY `+column,
		now.UTC().Format(timeFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var cnt int
		if err := rows.Scan(&key, &cnt); err != nil {
			return nil, err
		}
		counts[key] = cnt
	}
	return counts, rows.Err()
}

func (g *Graph) InsertEdge(ctx context.Context, e Edge) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO edges (from_id, to_id, rel, created_at) VALUES (?, ?, ?, ?)`,
		e.FromID, e.ToID, e.Rel, e.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (g *Graph) LinkEntity(ctx context.Context, name, nodeID string) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO entities (name, node_id) VALUES (?, ?)`,
		name, nodeID)
	if err != nil {
		return fmt.Errorf("link entity: %w", err)
	}
	return nil
}

// NodeIDsByEntities returns ids of active nodes linked to any of the
// given entity names.
func (g *Graph) NodeIDsByEntities(ctx context.Context, names []string, limit int, now time.Time) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(names))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(names)+2)
	for _, name := range names {
		args = append(args, name)
	}
	args = append(args, now.UTC().Format(timeFormat), limit)

	rows, err := g.db.QueryContext(ctx,
		`SELECT DISTINCT e.node_id FROM entities e
		 JOIN nodes n ON n.id = e.node_id
		 WHERE e.name IN (`+placeholders+`) AND (n.valid_to IS NULL OR n.valid_to > ?)
		 LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (g *Graph) queryNodes(ctx context.Context, query string, args ...interface{}) ([]Node, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row scanner) (Node, error) {
	var n Node
	var createdAt, validFrom string
	var validTo, metadata sql.NullString

	err := row.Scan(
		&n.ID, &n.Content, &n.Fingerprint, &n.Kind,
		&createdAt, &validFrom, &validTo,
		&n.Importance, &n.Confidence, &n.SourceID, &metadata,
	)
	if err != nil {
		return n, err
	}

	n.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	n.ValidFrom, _ = time.Parse(timeFormat, validFrom)
	if validTo.Valid {
		t, _ := time.Parse(timeFormat, validTo.String)
		n.ValidTo = &t
	}
	if metadata.Valid {
		n.Metadata = metadata.String
	}

	return n, nil
}
