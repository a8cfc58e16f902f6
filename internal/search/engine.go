package search

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lodestar/api/internal/apperr"
	"lodestar/api/internal/config"
	"lodestar/api/internal/validate"
)

const (
	DefaultLimit      = 20
	QuickDefaultLimit = 5
	QuickMaxLimit     = 10

	scoringChunk = 64
)

// Config carries the blending defaults applied when a request leaves them
// unset.
type Config struct {
	SemanticWeight    float64
	SemanticThreshold float64
	MaxCandidates     int
	ScoringWorkers    int
}

func DefaultConfig() Config {
	return Config{SemanticWeight: 0.5, SemanticThreshold: 0.6, MaxCandidates: 2000, ScoringWorkers: 8}
}

func ConfigFromRanking(r config.Ranking) Config {
	return Config{
		SemanticWeight:    r.Search.SemanticWeight,
		SemanticThreshold: r.Search.SemanticThreshold,
		MaxCandidates:     r.Search.MaxCandidates,
		ScoringWorkers:    r.Search.ScoringWorkers,
	}
}

// Engine runs filter-then-score hybrid retrieval over a Corpus.
type Engine struct {
	corpus   Corpus
	lexical  LexicalScorer
	embedder QueryEmbedder
	cfg      Config
	logger   *zap.Logger
}

// NewEngine builds an engine. A nil lexical scorer means in-process BM25; a
// nil embedder limits semantic scoring to requests that carry their own
// query embedding.
func NewEngine(corpus Corpus, lexical LexicalScorer, embedder QueryEmbedder, cfg Config, logger *zap.Logger) *Engine {
	if lexical == nil {
		lexical = NewBM25()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaults.MaxCandidates
	}
	if cfg.ScoringWorkers <= 0 {
		cfg.ScoringWorkers = defaults.ScoringWorkers
	}
	return &Engine{corpus: corpus, lexical: lexical, embedder: embedder, cfg: cfg, logger: logger}
}

type scored struct {
	candidate Candidate
	lexical   float64
	semantic  float64
	score     float64
}

// Search ranks the filtered candidates for req and returns one page.
func (e *Engine) Search(ctx context.Context, req Request) (Response, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	if !req.IncludeVideos && !req.IncludeContentItems {
		req.IncludeVideos, req.IncludeContentItems = true, true
	}
	if err := validate.Struct(req); err != nil {
		return Response{}, err
	}

	weight := e.cfg.SemanticWeight
	if req.SemanticWeight != nil {
		weight = *req.SemanticWeight
	}
	threshold := e.cfg.SemanticThreshold
	if req.SemanticThreshold != nil {
		threshold = *req.SemanticThreshold
	}

	var vector []float32
	if req.Mode != ModeKeyword {
		var err error
		vector, err = e.queryVector(ctx, req)
		if err != nil {
			return Response{}, err
		}
	}
	useLexical := req.Mode != ModeSemantic
	useSemantic := len(vector) > 0

	filter := Filter{
		OrganizationID:      req.OrganizationID,
		Sources:             req.Sources,
		SourceIDs:           req.SourceIDs,
		ContentTypes:        req.ContentTypes,
		DateRange:           req.DateRange,
		TopicIDs:            req.TopicIDs,
		IncludeVideos:       req.IncludeVideos,
		IncludeContentItems: req.IncludeContentItems,
		Limit:               e.cfg.MaxCandidates + 1,
		Match:               &MatchHint{Query: req.Query, Lexical: useLexical, Vector: vector, SemanticThreshold: threshold},
	}
	candidates, err := e.corpus.Candidates(ctx, filter)
	if err != nil {
		return Response{}, apperr.Retrieval("CANDIDATES_UNAVAILABLE", "candidate store is unavailable", err)
	}
	truncated := len(candidates) > e.cfg.MaxCandidates
	if truncated {
		RankByHint(candidates, filter.Match)
		candidates = candidates[:e.cfg.MaxCandidates]
		e.logger.Warn("search: candidate set truncated",
			zap.String("organization_id", req.OrganizationID),
			zap.Int("max_candidates", e.cfg.MaxCandidates),
		)
	}

	var lexical, semantic map[string]float64
	if useLexical {
		lexical, err = e.lexical.LexicalScores(ctx, req.Query, candidates)
		if err != nil {
			return Response{}, apperr.Retrieval("INDEX_UNAVAILABLE", "lexical index is unavailable", err)
		}
	}
	if useSemantic {
		semantic, err = e.semanticScores(ctx, vector, candidates)
		if err != nil {
			return Response{}, apperr.Retrieval("SCORING_FAILED", "semantic scoring was interrupted", err)
		}
	}

	matches := blend(req.Mode, candidates, lexical, semantic, weight, threshold)
	resp := Response{Results: []Result{}, Total: len(matches), Truncated: truncated, Query: req.Query, Mode: req.Mode}
	if req.IncludeFacets {
		resp.Facets = facets(matches)
	}

	if req.Offset < len(matches) {
		end := req.Offset + req.Limit
		if end > len(matches) {
			end = len(matches)
		}
		for _, m := range matches[req.Offset:end] {
			resp.Results = append(resp.Results, toResult(m, req, useLexical))
		}
	}
	resp.HasMore = req.Offset+len(resp.Results) < resp.Total
	return resp, nil
}

// QuickSearch is the keyword-only variant for interactive lookups. It never
// embeds the query.
func (e *Engine) QuickSearch(ctx context.Context, query, orgID string, limit int) (Response, error) {
	if limit <= 0 {
		limit = QuickDefaultLimit
	}
	if limit > QuickMaxLimit {
		limit = QuickMaxLimit
	}
	highlights := false
	return e.Search(ctx, Request{
		Query:               query,
		OrganizationID:      orgID,
		Mode:                ModeKeyword,
		IncludeVideos:       true,
		IncludeContentItems: true,
		IncludeHighlights:   &highlights,
		Limit:               limit,
	})
}

func (e *Engine) queryVector(ctx context.Context, req Request) ([]float32, error) {
	if len(req.QueryEmbedding) > 0 {
		return req.QueryEmbedding, nil
	}
	if e.embedder != nil {
		vector, err := e.embedder.EmbedQuery(ctx, req.Query)
		if err == nil {
			return vector, nil
		}
		if req.Mode == ModeSemantic {
			return nil, apperr.Retrieval("EMBEDDING_UNAVAILABLE", "query embedding is unavailable", err)
		}
		e.logger.Warn("search: query embedding failed, ranking lexically", zap.Error(err))
		return nil, nil
	}
	if req.Mode == ModeSemantic {
		return nil, apperr.Retrieval("EMBEDDING_UNAVAILABLE", "semantic search needs a query embedding", nil)
	}
	return nil, nil
}

func (e *Engine) semanticScores(ctx context.Context, vector []float32, candidates []Candidate) (map[string]float64, error) {
	values := make([]float64, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ScoringWorkers)
	for start := 0; start < len(candidates); start += scoringChunk {
		end := min(start+scoringChunk, len(candidates))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				values[i] = Cosine(vector, candidates[i].Embedding)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(candidates))
	for i, c := range candidates {
		scores[c.ID] = values[i]
	}
	return scores, nil
}

// blend combines max-normalized lexical and semantic scores. Semantic
// scores below threshold count as zero in hybrid mode and exclude the
// candidate in semantic mode.
func blend(mode Mode, candidates []Candidate, lexical, semantic map[string]float64, weight, threshold float64) []scored {
	effective := func(id string) float64 {
		if s := semantic[id]; s >= threshold && s > 0 {
			return s
		}
		return 0
	}

	var maxLex, maxSem float64
	for _, c := range candidates {
		maxLex = max(maxLex, lexical[c.ID])
		maxSem = max(maxSem, effective(c.ID))
	}
	norm := func(v, top float64) float64 {
		if top == 0 {
			return 0
		}
		return v / top
	}

	matches := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		lex := norm(lexical[c.ID], maxLex)
		sem := norm(effective(c.ID), maxSem)
		m := scored{candidate: c, lexical: lex, semantic: semantic[c.ID]}
		switch mode {
		case ModeKeyword:
			if lex == 0 {
				continue
			}
			m.score = lex
		case ModeSemantic:
			if sem == 0 {
				continue
			}
			m.score = sem
		default:
			if lex == 0 && sem == 0 {
				continue
			}
			m.score = (1-weight)*lex + weight*sem
		}
		matches = append(matches, m)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.candidate.CreatedAtSource.Equal(b.candidate.CreatedAtSource) {
			return a.candidate.CreatedAtSource.After(b.candidate.CreatedAtSource)
		}
		return a.candidate.ID < b.candidate.ID
	})
	return matches
}

func facets(matches []scored) *Facets {
	f := &Facets{ContentType: map[string]int{}, Source: map[string]int{}, Author: map[string]int{}}
	for _, m := range matches {
		f.ContentType[m.candidate.ContentType]++
		f.Source[m.candidate.Source]++
		if m.candidate.AuthorID != "" {
			f.Author[m.candidate.AuthorID]++
		}
	}
	return f
}

func toResult(m scored, req Request, lexicalMode bool) Result {
	c := m.candidate
	r := Result{
		ID:              c.ID,
		Kind:            c.Kind,
		ContentType:     c.ContentType,
		Source:          c.Source,
		SourceID:        c.SourceID,
		AuthorID:        c.AuthorID,
		Title:           c.Title,
		Snippet:         Snippet(c),
		CreatedAtSource: c.CreatedAtSource,
		Score:           m.score,
		LexicalScore:    m.lexical,
		SemanticScore:   m.semantic,
	}
	if highlights := req.IncludeHighlights == nil || *req.IncludeHighlights; highlights && lexicalMode && m.lexical > 0 {
		r.Highlight = Highlight(c, req.Query)
	}
	return r
}
