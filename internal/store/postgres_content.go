package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

const contentItemColumns = `
	id, organization_id, source_id, source, type, title, body, author_id,
	created_at_source, created_at, updated_at, processing_status, embedding`

func (s *PostgresStore) GetTopicCluster(ctx context.Context, orgID, topicID string) (TopicCluster, error) {
	var cluster TopicCluster
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name FROM topic_clusters WHERE organization_id=$1 AND id=$2
	`, orgID, topicID).Scan(&cluster.ID, &cluster.OrganizationID, &cluster.Name)
	if err != nil {
		return TopicCluster{}, translate("get topic cluster", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT content_id FROM topic_cluster_members WHERE topic_id=$1 ORDER BY content_id
	`, topicID)
	if err != nil {
		return TopicCluster{}, fmt.Errorf("list topic members: %w", err)
	}
	defer rows.Close()

	cluster.MemberContentIDs = make([]string, 0)
	for rows.Next() {
		var contentID string
		if err := rows.Scan(&contentID); err != nil {
			return TopicCluster{}, fmt.Errorf("scan topic member: %w", err)
		}
		cluster.MemberContentIDs = append(cluster.MemberContentIDs, contentID)
	}
	if err := rows.Err(); err != nil {
		return TopicCluster{}, fmt.Errorf("iterate topic members: %w", err)
	}
	return cluster, nil
}

// SaveTopicCluster replaces the cluster and its member list.
func (s *PostgresStore) SaveTopicCluster(ctx context.Context, cluster TopicCluster) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO topic_clusters (id, organization_id, name)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		`, cluster.ID, cluster.OrganizationID, cluster.Name); err != nil {
			return fmt.Errorf("upsert topic cluster: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM topic_cluster_members WHERE topic_id=$1`, cluster.ID); err != nil {
			return fmt.Errorf("clear topic members: %w", err)
		}
		for _, contentID := range cluster.MemberContentIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO topic_cluster_members (topic_id, content_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
			`, cluster.ID, contentID); err != nil {
				return fmt.Errorf("insert topic member: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListContentItemsByID(ctx context.Context, orgID string, ids []string) ([]ContentItem, error) {
	if len(ids) == 0 {
		return []ContentItem{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contentItemColumns+`
		FROM content_items
		WHERE organization_id=$1 AND id = ANY($2::text[])
		ORDER BY created_at_source ASC, id ASC
	`, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("list content items: %w", err)
	}
	defer rows.Close()

	items := make([]ContentItem, 0, len(ids))
	for rows.Next() {
		var (
			item        ContentItem
			contentType string
			embedding   *pgvector.Vector
		)
		if err := rows.Scan(
			&item.ID,
			&item.OrganizationID,
			&item.SourceID,
			&item.Source,
			&contentType,
			&item.Title,
			&item.Body,
			&item.AuthorID,
			&item.CreatedAtSource,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.ProcessingStatus,
			&embedding,
		); err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		item.Type = ContentType(contentType)
		if embedding != nil {
			item.Embedding = embedding.Slice()
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content items: %w", err)
	}
	return items, nil
}

// UpsertContentItem is the write path used by ingestion and fixtures.
func (s *PostgresStore) UpsertContentItem(ctx context.Context, item ContentItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (
			id, organization_id, source_id, source, type, title, body, author_id,
			created_at_source, created_at, updated_at, processing_status, embedding
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			author_id = EXCLUDED.author_id,
			processing_status = EXCLUDED.processing_status,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at
	`,
		item.ID, item.OrganizationID, item.SourceID, item.Source, string(item.Type), item.Title, item.Body, item.AuthorID,
		stamp(item.CreatedAtSource), stamp(item.CreatedAt), processingStatus(item.ProcessingStatus), vectorParam(item.Embedding),
	)
	if err != nil {
		return fmt.Errorf("upsert content item: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertVideo(ctx context.Context, video Video) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (
			id, organization_id, source_id, source, title, description, transcript, author_id,
			created_at_source, created_at, embedding
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			transcript = EXCLUDED.transcript,
			embedding = EXCLUDED.embedding
	`,
		video.ID, video.OrganizationID, video.SourceID, video.Source, video.Title, video.Description, video.Transcript,
		video.AuthorID, stamp(video.CreatedAtSource), stamp(video.CreatedAt), vectorParam(video.Embedding),
	)
	if err != nil {
		return fmt.Errorf("upsert video: %w", err)
	}
	return nil
}

func vectorParam(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}

func processingStatus(status string) string {
	if status == "" {
		return "pending"
	}
	return status
}
