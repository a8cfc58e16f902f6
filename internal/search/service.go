package search

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrIndexIncomplete means the external index cannot score every candidate,
// either because some are missing or stale or because there are too many.
var ErrIndexIncomplete = errors.New("search index does not cover every candidate")

// Index is the external lexical index the service prefers when healthy.
type Index interface {
	Healthy() bool
	LexicalScores(ctx context.Context, query string, candidates []Candidate) (map[string]float64, error)
	// Stale returns the candidates whose current text the index does not
	// hold, by id and Digest.
	Stale(ctx context.Context, candidates []Candidate) ([]Candidate, error)
	IndexDocuments(documents []Document) error
}

// CandidateLoader reads every searchable record for a full reindex.
type CandidateLoader interface {
	AllCandidates(ctx context.Context) ([]Candidate, error)
}

// Service is the lexical scorer that tries the external index first and
// falls back to in-process BM25.
type Service struct {
	index    Index
	fallback LexicalScorer
	loader   CandidateLoader
	logger   *zap.Logger
}

// NewService creates a search service. index may be nil when no external
// index is configured.
func NewService(index Index, loader CandidateLoader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{index: index, fallback: NewBM25(), loader: loader, logger: logger}
}

// LexicalScores uses the external index only when it holds the current
// text of every candidate. Otherwise the stale documents are pushed to the
// index and this call is scored with BM25.
func (s *Service) LexicalScores(ctx context.Context, query string, candidates []Candidate) (map[string]float64, error) {
	if s.index != nil && s.index.Healthy() {
		scores, err := s.indexScores(ctx, query, candidates)
		if err == nil {
			return scores, nil
		}
		if errors.Is(err, ErrIndexIncomplete) {
			s.logger.Info("search: index behind the store, falling back to bm25", zap.Error(err))
		} else {
			s.logger.Warn("search: index error, falling back to bm25", zap.Error(err))
		}
	}
	return s.fallback.LexicalScores(ctx, query, candidates)
}

func (s *Service) indexScores(ctx context.Context, query string, candidates []Candidate) (map[string]float64, error) {
	stale, err := s.index.Stale(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		s.backfill(stale)
		return nil, fmt.Errorf("%w: %d documents stale", ErrIndexIncomplete, len(stale))
	}
	return s.index.LexicalScores(ctx, query, candidates)
}

func (s *Service) backfill(candidates []Candidate) {
	documents := make([]Document, 0, len(candidates))
	for _, c := range candidates {
		documents = append(documents, DocumentFromCandidate(c))
	}
	if err := s.index.IndexDocuments(documents); err != nil {
		s.logger.Warn("search: backfill failed", zap.Int("documents", len(documents)), zap.Error(err))
	}
}

// Healthy reports whether the external index is usable. A service without
// an index is always healthy.
func (s *Service) Healthy() bool {
	return s.index == nil || s.index.Healthy()
}

// ReindexAll pushes every stored candidate into the external index in
// batches. It returns the number of documents sent.
func (s *Service) ReindexAll(ctx context.Context, batchSize int) (int, error) {
	if s.index == nil || s.loader == nil {
		return 0, nil
	}
	if !s.index.Healthy() {
		return 0, fmt.Errorf("reindex: search index unhealthy")
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	candidates, err := s.loader.AllCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("reindex load: %w", err)
	}
	sent := 0
	for start := 0; start < len(candidates); start += batchSize {
		end := min(start+batchSize, len(candidates))
		batch := make([]Document, 0, end-start)
		for _, c := range candidates[start:end] {
			batch = append(batch, DocumentFromCandidate(c))
		}
		if err := s.index.IndexDocuments(batch); err != nil {
			return sent, fmt.Errorf("reindex batch at %d: %w", start, err)
		}
		sent += len(batch)
	}
	s.logger.Info("search: reindex complete", zap.Int("documents", sent))
	return sent, nil
}

// ReindexInBackground runs ReindexAll without blocking startup.
func (s *Service) ReindexInBackground(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if _, err := s.ReindexAll(ctx, 0); err != nil {
			s.logger.Warn("search: background reindex failed", zap.Error(err))
		}
	}()
}
