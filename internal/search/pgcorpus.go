package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// PgCorpus reads search candidates from the content_items and videos tables.
type PgCorpus struct {
	db *sql.DB
}

func NewPgCorpus(db *sql.DB) *PgCorpus {
	return &PgCorpus{db: db}
}

const candidateColumns = `kind, id, organization_id, content_type, source, source_id, author_id,
	title, body, transcript, created_at_source, embedding`

const contentItemSelect = `
	SELECT 'content_item' AS kind, id, organization_id, type AS content_type, source, source_id, author_id,
		title, body, '' AS transcript, created_at_source, embedding, search_vector
	FROM content_items`

const videoSelect = `
	SELECT 'video' AS kind, id, organization_id, 'video' AS content_type, source, source_id, author_id,
		title, description AS body, transcript, created_at_source, embedding, search_vector
	FROM videos`

// Candidates applies every filter in SQL. When f.Match is set, rows that
// cannot score are dropped: the lexical side uses the same simple
// tokenization as BM25 and the semantic side the pgvector cosine distance.
func (p *PgCorpus) Candidates(ctx context.Context, f Filter) ([]Candidate, error) {
	var parts []string
	if f.IncludeContentItems {
		parts = append(parts, contentItemSelect+` WHERE organization_id = $1`)
	}
	if f.IncludeVideos {
		parts = append(parts, videoSelect+` WHERE organization_id = $1`)
	}
	if len(parts) == 0 {
		return []Candidate{}, nil
	}

	args := []any{f.OrganizationID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var where []string
	if len(f.Sources) > 0 {
		where = append(where, "lower(c.source) = ANY("+arg(lowerAll(f.Sources))+"::text[])")
	}
	if len(f.SourceIDs) > 0 {
		where = append(where, "lower(c.source_id) = ANY("+arg(lowerAll(f.SourceIDs))+"::text[])")
	}
	if len(f.ContentTypes) > 0 {
		where = append(where, "lower(c.content_type) = ANY("+arg(lowerAll(f.ContentTypes))+"::text[])")
	}
	if f.DateRange != nil && f.DateRange.From != nil {
		where = append(where, "c.created_at_source >= "+arg(*f.DateRange.From))
	}
	if f.DateRange != nil && f.DateRange.To != nil {
		where = append(where, "c.created_at_source < "+arg(*f.DateRange.To))
	}
	if len(f.TopicIDs) > 0 {
		where = append(where, `EXISTS (
			SELECT 1 FROM topic_cluster_members m
			JOIN topic_clusters t ON t.id = m.topic_id
			WHERE t.organization_id = $1 AND m.content_id = c.id AND m.topic_id = ANY(`+arg(f.TopicIDs)+`::text[]))`)
	}
	var relevance []string
	if f.Match != nil {
		var match []string
		if terms := QueryTerms(f.Match.Query); f.Match.Lexical && len(terms) > 0 {
			tsquery := "to_tsquery('simple', " + arg(strings.Join(terms, " | ")) + ")"
			match = append(match, "c.search_vector @@ "+tsquery)
			relevance = append(relevance, "ts_rank(c.search_vector, "+tsquery+") DESC")
		}
		if len(f.Match.Vector) > 0 {
			distance := "(c.embedding <=> " + arg(pgvector.NewVector(f.Match.Vector)) + ")"
			match = append(match, "(c.embedding IS NOT NULL AND 1 - "+distance+" >= "+arg(f.Match.SemanticThreshold)+")")
			relevance = append(relevance, distance+" ASC NULLS LAST")
		}
		if len(match) > 0 {
			where = append(where, "("+strings.Join(match, " OR ")+")")
		}
	}

	query := `SELECT ` + candidateColumns + ` FROM (` + strings.Join(parts, " UNION ALL ") + `) c`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	// Under a limit the most relevant rows survive; the engine re-ranks them.
	query += ` ORDER BY ` + strings.Join(append(relevance, "c.created_at_source DESC", "c.id"), ", ")
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	return p.queryCandidates(ctx, query, args...)
}

// AllCandidates returns every video and content item across organizations.
func (p *PgCorpus) AllCandidates(ctx context.Context) ([]Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM (` + contentItemSelect + ` UNION ALL ` + videoSelect + `) c
		ORDER BY c.created_at_source DESC, c.id`
	return p.queryCandidates(ctx, query)
}

func (p *PgCorpus) queryCandidates(ctx context.Context, query string, args ...any) ([]Candidate, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	candidates := make([]Candidate, 0)
	for rows.Next() {
		var (
			c         Candidate
			kind      string
			embedding *pgvector.Vector
		)
		if err := rows.Scan(
			&kind,
			&c.ID,
			&c.OrganizationID,
			&c.ContentType,
			&c.Source,
			&c.SourceID,
			&c.AuthorID,
			&c.Title,
			&c.Body,
			&c.Transcript,
			&c.CreatedAtSource,
			&embedding,
		); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.Kind = Kind(kind)
		if embedding != nil {
			c.Embedding = embedding.Slice()
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return candidates, nil
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
