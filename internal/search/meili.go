package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxContent = "kg_content"

// MaxIndexHits is the pagination.maxTotalHits configured on the content
// index. Larger candidate sets are scored in-process.
const MaxIndexHits = 10000

// Meili is the external lexical index. It scores candidates with
// Meilisearch's ranking score and keeps a background health flag.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the content index.
// An unreachable server is tolerated; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("search: meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxContent, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("search: create index (may already exist)", zap.String("index", idxContent), zap.Error(err))
	}
	index := m.client.Index(idxContent)
	filterable := []interface{}{"id", "organizationId", "kind", "contentType", "source", "sourceId", "authorId", "createdAtSource"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("search: update filterable attributes", zap.Error(err))
	}
	searchable := []string{"title", "body", "transcript"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("search: update searchable attributes", zap.Error(err))
	}
	if _, err := index.UpdatePagination(&meili.Pagination{MaxTotalHits: MaxIndexHits}); err != nil {
		m.logger.Warn("search: update pagination", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// LexicalScores restricts the query to the candidate ids and returns each
// hit's ranking score.
func (m *Meili) LexicalScores(ctx context.Context, query string, candidates []Candidate) (map[string]float64, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	scores := map[string]float64{}
	if len(candidates) == 0 || strings.TrimSpace(query) == "" {
		return scores, nil
	}
	if len(candidates) > MaxIndexHits {
		return nil, fmt.Errorf("%w: %d candidates exceed %d hits", ErrIndexIncomplete, len(candidates), MaxIndexHits)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:             idxContent,
			Query:                query,
			Limit:                int64(len(candidates)),
			Filter:               candidateFilter(candidates),
			AttributesToRetrieve: []string{"id"},
			ShowRankingScore:     true,
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			id := decodeString(hit, "id")
			score := decodeFloat(hit, "_rankingScore")
			if id != "" && score > 0 {
				scores[id] = score
			}
		}
	}
	return scores, nil
}

// Stale lists the candidates that are missing from the index or were
// indexed with different text.
func (m *Meili) Stale(ctx context.Context, candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) > MaxIndexHits {
		return nil, fmt.Errorf("%w: %d candidates exceed %d hits", ErrIndexIncomplete, len(candidates), MaxIndexHits)
	}
	resp, err := m.client.Index(idxContent).SearchWithContext(ctx, "", &meili.SearchRequest{
		Limit:                int64(len(candidates)),
		Filter:               candidateFilter(candidates),
		AttributesToRetrieve: []string{"id", "digest"},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch stale check: %w", err)
	}
	indexed := make(map[string]string, len(resp.Hits))
	for _, hit := range resp.Hits {
		indexed[decodeString(hit, "id")] = decodeString(hit, "digest")
	}
	var stale []Candidate
	for _, c := range candidates {
		if digest, ok := indexed[c.ID]; !ok || digest != Digest(c) {
			stale = append(stale, c)
		}
	}
	return stale, nil
}

func candidateFilter(candidates []Candidate) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = fmt.Sprintf("%q", c.ID)
	}
	return fmt.Sprintf("organizationId = %q AND id IN [%s]", candidates[0].OrganizationID, strings.Join(ids, ", "))
}

// IndexDocuments adds or replaces documents in the content index.
func (m *Meili) IndexDocuments(documents []Document) error {
	if len(documents) == 0 {
		return nil
	}
	_, err := m.client.Index(idxContent).AddDocuments(documents, nil)
	return err
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFloat(hit meili.Hit, key string) float64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	return 0
}
