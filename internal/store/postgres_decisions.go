package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const decisionColumns = `
	d.id, d.organization_id, COALESCE(d.video_id, ''), d.summary, d.context, d.reasoning,
	d.timestamp_start, d.timestamp_end, d.decision_type, d.status, d.confidence, d.tags,
	COALESCE(d.superseded_by, ''), d.decided_at, d.created_at, d.updated_at`

// CreateDecision writes the decision row, its graph projection and the
// optional video produces edge in one transaction.
func (s *PostgresStore) CreateDecision(ctx context.Context, nd NewDecision) error {
	d := nd.Decision
	tags, err := encodeJSON(normalizeNilTags(d.Tags))
	if err != nil {
		return fmt.Errorf("encode decision tags: %w", err)
	}

	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO decisions (
				id, organization_id, video_id, summary, context, reasoning,
				timestamp_start, timestamp_end, decision_type, status, confidence, tags,
				decided_at, created_at, updated_at
			)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14, $14)
		`,
			d.ID, d.OrganizationID, d.VideoID, d.Summary, d.Context, d.Reasoning,
			nullableInt(d.TimestampStart), nullableInt(d.TimestampEnd), string(d.DecisionType), string(d.Status),
			d.Confidence, tags, nullableTime(d.DecidedAt), stamp(d.CreatedAt),
		)
		if err != nil {
			return translate("insert decision", err)
		}

		decisionNodeID, err := upsertNode(ctx, tx, nd.Node)
		if err != nil {
			return err
		}
		if nd.VideoNode == nil {
			return nil
		}
		videoNodeID, err := ensureNode(ctx, tx, *nd.VideoNode)
		if err != nil {
			return err
		}
		_, err = upsertEdge(ctx, tx, GraphEdge{
			ID:             nd.ProducesEdgeID,
			OrganizationID: d.OrganizationID,
			SourceNodeID:   videoNodeID,
			TargetNodeID:   decisionNodeID,
			Relationship:   RelationshipProduces,
			Weight:         1,
			CreatedAt:      d.CreatedAt,
		})
		return err
	})
}

func (s *PostgresStore) GetDecision(ctx context.Context, orgID, id string) (Decision, error) {
	return getDecision(ctx, s.db, orgID, id)
}

func getDecision(ctx context.Context, q querier, orgID, id string) (Decision, error) {
	row := q.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions d WHERE d.organization_id=$1 AND d.id=$2`, orgID, id)
	decision, err := scanDecision(row)
	if err != nil {
		return Decision{}, translate("get decision", err)
	}
	return decision, nil
}

// UpdateDecision overwrites the mutable fields of d and its graph projection.
// The write only applies while the stored status still equals expected;
// otherwise it fails with ErrConflict (or ErrNotFound when the row is gone).
func (s *PostgresStore) UpdateDecision(ctx context.Context, d Decision, node GraphNode, expected DecisionStatus) error {
	tags, err := encodeJSON(normalizeNilTags(d.Tags))
	if err != nil {
		return fmt.Errorf("encode decision tags: %w", err)
	}
	metadata, err := encodeJSON(node.Metadata)
	if err != nil {
		return fmt.Errorf("encode node metadata: %w", err)
	}

	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE decisions
			SET summary=$3, context=$4, reasoning=$5, timestamp_start=$6, timestamp_end=$7,
				decision_type=$8, status=$9, confidence=$10, tags=$11::jsonb, decided_at=$12, updated_at=$13
			WHERE organization_id=$1 AND id=$2 AND status=$14 AND status <> 'superseded'
		`,
			d.OrganizationID, d.ID, d.Summary, d.Context, d.Reasoning,
			nullableInt(d.TimestampStart), nullableInt(d.TimestampEnd), string(d.DecisionType), string(d.Status),
			d.Confidence, tags, nullableTime(d.DecidedAt), stamp(d.UpdatedAt), string(expected),
		)
		if err != nil {
			return translate("update decision", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update decision rows affected: %w", err)
		}
		if affected == 0 {
			return missingOrConflict(ctx, tx, d.OrganizationID, d.ID)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE graph_nodes
			SET name=$3, description=$4, metadata=$5::jsonb, updated_at=$6
			WHERE organization_id=$1 AND type='decision' AND external_id=$2
		`, d.OrganizationID, d.ID, node.Name, node.Description, metadata, stamp(d.UpdatedAt)); err != nil {
			return fmt.Errorf("update decision node: %w", err)
		}
		return nil
	})
}

// SupersedeDecision marks OldID superseded by NewID and links the two
// decision nodes with a supersedes edge. The status guard makes concurrent
// supersessions of the same decision mutually exclusive.
func (s *PostgresStore) SupersedeDecision(ctx context.Context, sup Supersession) (Decision, error) {
	metadata, err := encodeJSON(map[string]any{"actorId": sup.ActorID})
	if err != nil {
		return Decision{}, fmt.Errorf("encode edge metadata: %w", err)
	}
	at := stamp(sup.At)

	var superseded Decision
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM decisions WHERE organization_id=$1 AND id=$2)
		`, sup.OrganizationID, sup.NewID).Scan(&exists); err != nil {
			return fmt.Errorf("check superseding decision: %w", err)
		}
		if !exists {
			return fmt.Errorf("superseding decision %s: %w", sup.NewID, ErrInvalidReference)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE decisions
			SET status='superseded', superseded_by=$3, updated_at=$4
			WHERE organization_id=$1 AND id=$2 AND status IN ('decided', 'revisited')
		`, sup.OrganizationID, sup.OldID, sup.NewID, at)
		if err != nil {
			return translate("supersede decision", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("supersede decision rows affected: %w", err)
		}
		if affected == 0 {
			return missingOrConflict(ctx, tx, sup.OrganizationID, sup.OldID)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE graph_nodes
			SET metadata = metadata || jsonb_build_object('status', 'superseded', 'supersededBy', $3::text), updated_at=$4
			WHERE organization_id=$1 AND type='decision' AND external_id=$2
		`, sup.OrganizationID, sup.OldID, sup.NewID, at); err != nil {
			return fmt.Errorf("update superseded decision node: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO graph_edges (id, organization_id, source_node_id, target_node_id, relationship, weight, metadata, created_at)
			SELECT $1, $2, newer.id, older.id, 'supersedes', 1, $5::jsonb, $6
			FROM graph_nodes newer, graph_nodes older
			WHERE newer.organization_id=$2 AND newer.type='decision' AND newer.external_id=$3
				AND older.organization_id=$2 AND older.type='decision' AND older.external_id=$4
			ON CONFLICT (source_node_id, target_node_id, relationship) DO NOTHING
		`, sup.EdgeID, sup.OrganizationID, sup.NewID, sup.OldID, metadata, at); err != nil {
			return translate("insert supersedes edge", err)
		}

		superseded, err = getDecision(ctx, tx, sup.OrganizationID, sup.OldID)
		return err
	})
	if err != nil {
		return Decision{}, err
	}
	return superseded, nil
}

// ListDecisionsForNode returns the decisions whose graph node shares an edge
// with nodeID, in either direction.
func (s *PostgresStore) ListDecisionsForNode(ctx context.Context, orgID, nodeID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+decisionColumns+`
		FROM decisions d
		JOIN graph_nodes dn ON dn.organization_id = d.organization_id AND dn.type = 'decision' AND dn.external_id = d.id
		WHERE d.organization_id=$1
			AND EXISTS (
				SELECT 1 FROM graph_edges e
				WHERE (e.source_node_id = $2 AND e.target_node_id = dn.id)
					OR (e.target_node_id = $2 AND e.source_node_id = dn.id)
			)
		ORDER BY d.timestamp_start DESC NULLS LAST, d.created_at DESC, d.id ASC
	`, orgID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list decisions for node: %w", err)
	}
	return collectDecisions(rows)
}

// ListDecisionTimeline filters on topic membership and participation and
// orders newest first on COALESCE(decided_at, created_at).
func (s *PostgresStore) ListDecisionTimeline(ctx context.Context, f TimelineFilter) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+decisionColumns+`
		FROM decisions d
		JOIN graph_nodes dn ON dn.organization_id = d.organization_id AND dn.type = 'decision' AND dn.external_id = d.id
		WHERE d.organization_id=$1
			AND ($2 = '' OR EXISTS (
				SELECT 1
				FROM graph_edges e
				JOIN graph_nodes t ON t.organization_id = e.organization_id
					AND t.type = 'topic'
					AND t.id = CASE WHEN e.source_node_id = dn.id THEN e.target_node_id ELSE e.source_node_id END
				WHERE (e.source_node_id = dn.id OR e.target_node_id = dn.id)
					AND (t.id = $2 OR t.external_id = $2 OR lower(t.name) = lower($2))
			))
			AND ($3 = '' OR EXISTS (
				SELECT 1
				FROM graph_edges e
				JOIN graph_nodes p ON p.id = e.source_node_id AND p.type = 'person'
				WHERE e.target_node_id = dn.id AND e.relationship = 'participates_in' AND p.external_id = $3
			))
			AND ($4::timestamptz IS NULL OR COALESCE(d.decided_at, d.created_at) >= $4::timestamptz)
			AND ($5::timestamptz IS NULL OR COALESCE(d.decided_at, d.created_at) < $5::timestamptz)
		ORDER BY COALESCE(d.decided_at, d.created_at) DESC, d.id DESC
		LIMIT $6 OFFSET $7
	`, f.OrganizationID, f.Topic, f.PersonID, nullableTime(f.From), nullableTime(f.To), f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list decision timeline: %w", err)
	}
	return collectDecisions(rows)
}

func missingOrConflict(ctx context.Context, q querier, orgID, id string) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM decisions WHERE organization_id=$1 AND id=$2)
	`, orgID, id).Scan(&exists); err != nil {
		return fmt.Errorf("check decision: %w", err)
	}
	if !exists {
		return fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("decision %s: %w", id, ErrConflict)
}

func collectDecisions(rows *sql.Rows) ([]Decision, error) {
	defer rows.Close()
	decisions := make([]Decision, 0)
	for rows.Next() {
		decision, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, decision)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return decisions, nil
}

func scanDecision(row rowScanner) (Decision, error) {
	var (
		d              Decision
		timestampStart sql.NullInt64
		timestampEnd   sql.NullInt64
		decisionType   string
		status         string
		tags           []byte
		decidedAt      sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&d.OrganizationID,
		&d.VideoID,
		&d.Summary,
		&d.Context,
		&d.Reasoning,
		&timestampStart,
		&timestampEnd,
		&decisionType,
		&status,
		&d.Confidence,
		&tags,
		&d.SupersededBy,
		&decidedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return Decision{}, err
	}
	d.DecisionType = DecisionType(decisionType)
	d.Status = DecisionStatus(status)
	if timestampStart.Valid {
		v := int(timestampStart.Int64)
		d.TimestampStart = &v
	}
	if timestampEnd.Valid {
		v := int(timestampEnd.Int64)
		d.TimestampEnd = &v
	}
	if decidedAt.Valid {
		v := decidedAt.Time
		d.DecidedAt = &v
	}
	d.Tags = []string{}
	if err := decodeJSON(tags, &d.Tags); err != nil {
		return Decision{}, fmt.Errorf("decode decision tags: %w", err)
	}
	return d, nil
}

func normalizeNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}
