package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const nodeColumns = `id, organization_id, type, name, description, COALESCE(external_id, ''), metadata, created_at, updated_at`

const edgeColumns = `id, organization_id, source_node_id, target_node_id, relationship, weight, metadata, created_at`

func (s *PostgresStore) GetNode(ctx context.Context, orgID, id string) (GraphNode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE organization_id=$1 AND id=$2`, orgID, id)
	node, err := scanNode(row)
	if err != nil {
		return GraphNode{}, translate("get graph node", err)
	}
	return node, nil
}

func (s *PostgresStore) FindNodeByKey(ctx context.Context, orgID string, nodeType NodeType, externalID string) (GraphNode, error) {
	return findNodeByKey(ctx, s.db, orgID, nodeType, externalID)
}

func findNodeByKey(ctx context.Context, q querier, orgID string, nodeType NodeType, externalID string) (GraphNode, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+nodeColumns+`
		FROM graph_nodes
		WHERE organization_id=$1 AND type=$2 AND external_id=$3
	`, orgID, string(nodeType), externalID)
	node, err := scanNode(row)
	if err != nil {
		return GraphNode{}, translate("find graph node by key", err)
	}
	return node, nil
}

// UpsertNode inserts node, or updates name, description and metadata of the
// node already holding its natural key. It returns the stored node id.
func (s *PostgresStore) UpsertNode(ctx context.Context, node GraphNode) (string, error) {
	return upsertNode(ctx, s.db, node)
}

func upsertNode(ctx context.Context, q querier, node GraphNode) (string, error) {
	metadata, err := encodeJSON(node.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode node metadata: %w", err)
	}
	var id string
	err = q.QueryRowContext(ctx, `
		INSERT INTO graph_nodes (id, organization_id, type, name, description, external_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7::jsonb, $8, $8)
		ON CONFLICT (organization_id, type, external_id) WHERE external_id IS NOT NULL
		DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, node.ID, node.OrganizationID, string(node.Type), node.Name, node.Description, node.ExternalID, metadata, stamp(node.UpdatedAt)).Scan(&id)
	if err != nil {
		return "", translate("upsert graph node", err)
	}
	return id, nil
}

// EnsureNode returns the id of the node holding node's natural key, inserting
// node only when no such node exists. Existing attributes are left untouched.
func (s *PostgresStore) EnsureNode(ctx context.Context, node GraphNode) (string, error) {
	return ensureNode(ctx, s.db, node)
}

func ensureNode(ctx context.Context, q querier, node GraphNode) (string, error) {
	if node.ExternalID == "" {
		return "", fmt.Errorf("ensure graph node: external id is required")
	}
	metadata, err := encodeJSON(node.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode node metadata: %w", err)
	}
	var id string
	err = q.QueryRowContext(ctx, `
		INSERT INTO graph_nodes (id, organization_id, type, name, description, external_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $8)
		ON CONFLICT (organization_id, type, external_id) WHERE external_id IS NOT NULL DO NOTHING
		RETURNING id
	`, node.ID, node.OrganizationID, string(node.Type), node.Name, node.Description, node.ExternalID, metadata, stamp(node.CreatedAt)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", translate("ensure graph node", err)
	}
	existing, err := findNodeByKey(ctx, q, node.OrganizationID, node.Type, node.ExternalID)
	if err != nil {
		return "", err
	}
	return existing.ID, nil
}

// UpsertEdge inserts edge or updates weight and metadata of the edge with the
// same (source, target, relationship). Endpoints outside edge's organization
// violate the composite foreign keys and surface as ErrInvalidReference.
func (s *PostgresStore) UpsertEdge(ctx context.Context, edge GraphEdge) (string, error) {
	return upsertEdge(ctx, s.db, edge)
}

func upsertEdge(ctx context.Context, q querier, edge GraphEdge) (string, error) {
	metadata, err := encodeJSON(edge.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode edge metadata: %w", err)
	}
	var id string
	err = q.QueryRowContext(ctx, `
		INSERT INTO graph_edges (id, organization_id, source_node_id, target_node_id, relationship, weight, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		ON CONFLICT (source_node_id, target_node_id, relationship)
		DO UPDATE SET weight = EXCLUDED.weight, metadata = EXCLUDED.metadata
		RETURNING id
	`, edge.ID, edge.OrganizationID, edge.SourceNodeID, edge.TargetNodeID, edge.Relationship, edge.Weight, metadata, stamp(edge.CreatedAt)).Scan(&id)
	if err != nil {
		return "", translate("upsert graph edge", err)
	}
	return id, nil
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, orgID, sourceNodeID, targetNodeID, relationship string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM graph_edges
		WHERE organization_id=$1 AND source_node_id=$2 AND target_node_id=$3 AND relationship=$4
	`, orgID, sourceNodeID, targetNodeID, relationship)
	if err != nil {
		return fmt.Errorf("delete graph edge: %w", err)
	}
	return nil
}

// ListNodes returns up to limit nodes of the organization, oldest first.
// An empty nodeType matches every type.
func (s *PostgresStore) ListNodes(ctx context.Context, orgID string, nodeType NodeType, limit int) ([]GraphNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM graph_nodes
		WHERE organization_id=$1 AND ($2 = '' OR type = $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, orgID, string(nodeType), limit)
	if err != nil {
		return nil, fmt.Errorf("list graph nodes: %w", err)
	}
	return collectNodes(rows)
}

func (s *PostgresStore) ListNodesByID(ctx context.Context, orgID string, ids []string) ([]GraphNode, error) {
	if len(ids) == 0 {
		return []GraphNode{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM graph_nodes
		WHERE organization_id=$1 AND id = ANY($2::text[])
	`, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("list graph nodes by id: %w", err)
	}
	return collectNodes(rows)
}

// ListIncidentEdges returns edges touching any of nodeIDs in either
// direction, restricted to relationships when it is non-empty.
func (s *PostgresStore) ListIncidentEdges(ctx context.Context, orgID string, nodeIDs []string, relationships []string) ([]GraphEdge, error) {
	if len(nodeIDs) == 0 {
		return []GraphEdge{}, nil
	}
	if relationships == nil {
		relationships = []string{}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+edgeColumns+`
		FROM graph_edges
		WHERE organization_id=$1
			AND (source_node_id = ANY($2::text[]) OR target_node_id = ANY($2::text[]))
			AND (COALESCE(cardinality($3::text[]), 0) = 0 OR relationship = ANY($3::text[]))
		ORDER BY weight DESC, id ASC
	`, orgID, nodeIDs, relationships)
	if err != nil {
		return nil, fmt.Errorf("list incident edges: %w", err)
	}
	defer rows.Close()

	edges := make([]GraphEdge, 0)
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan graph edge: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate graph edges: %w", err)
	}
	return edges, nil
}

func collectNodes(rows *sql.Rows) ([]GraphNode, error) {
	defer rows.Close()
	nodes := make([]GraphNode, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan graph node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate graph nodes: %w", err)
	}
	return nodes, nil
}

func scanNode(row rowScanner) (GraphNode, error) {
	var (
		node     GraphNode
		nodeType string
		metadata []byte
	)
	if err := row.Scan(
		&node.ID,
		&node.OrganizationID,
		&nodeType,
		&node.Name,
		&node.Description,
		&node.ExternalID,
		&metadata,
		&node.CreatedAt,
		&node.UpdatedAt,
	); err != nil {
		return GraphNode{}, err
	}
	node.Type = NodeType(nodeType)
	if err := decodeJSON(metadata, &node.Metadata); err != nil {
		return GraphNode{}, fmt.Errorf("decode node metadata: %w", err)
	}
	return node, nil
}

func scanEdge(row rowScanner) (GraphEdge, error) {
	var (
		edge     GraphEdge
		metadata []byte
	)
	if err := row.Scan(
		&edge.ID,
		&edge.OrganizationID,
		&edge.SourceNodeID,
		&edge.TargetNodeID,
		&edge.Relationship,
		&edge.Weight,
		&metadata,
		&edge.CreatedAt,
	); err != nil {
		return GraphEdge{}, err
	}
	if err := decodeJSON(metadata, &edge.Metadata); err != nil {
		return GraphEdge{}, fmt.Errorf("decode edge metadata: %w", err)
	}
	return edge, nil
}

func encodeJSON(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return []byte(`{}`), nil
	case map[string]any:
		if v == nil {
			return []byte(`{}`), nil
		}
	case []string:
		if v == nil {
			return []byte(`[]`), nil
		}
	}
	return json.Marshal(value)
}

func decodeJSON(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
