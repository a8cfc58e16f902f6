package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"lodestar/api/internal/config"
	"lodestar/api/internal/decision"
	"lodestar/api/internal/embedding"
	"lodestar/api/internal/expertise"
	"lodestar/api/internal/graph"
	"lodestar/api/internal/metrics"
	"lodestar/api/internal/search"
	"lodestar/api/internal/store"
)

// Runtime is a fully wired service together with the resources it owns.
type Runtime struct {
	Service *Service
	Index   *search.Service
	Metrics *metrics.Collector
	// DB is nil for the in-memory backend.
	DB *sql.DB

	closers []func()
}

type BuildOptions struct {
	// Migrate applies pending migrations before the service starts.
	Migrate bool
}

// Build wires the store backend, search index, query embedder and metrics
// described by cfg. Optional collaborators that fail to connect are logged
// and left out.
func Build(ctx context.Context, cfg config.Config, ranking config.Ranking, logger *zap.Logger, opts BuildOptions) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{Metrics: metrics.NewCollector("kg")}

	type repository interface {
		graph.Repository
		decision.Repository
		expertise.Repository
		Ping(ctx context.Context) error
	}
	var (
		repo   repository
		corpus search.Corpus
		loader search.CandidateLoader
	)
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		mem := store.NewMemoryStore()
		repo, corpus, loader = mem, mem, mem
		logger.Warn("using in-memory store; data is lost on restart")
	case config.StoreBackendPostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		rt.DB = db
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		if opts.Migrate {
			if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
				rt.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pgCorpus := search.NewPgCorpus(db)
		repo, corpus, loader = store.NewPostgresStore(db), pgCorpus, pgCorpus
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	var index search.Index
	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		index = meili
		rt.closers = append(rt.closers, meili.Close)
	}
	rt.Index = search.NewService(index, loader, logger)

	embedder, cache := buildEmbedder(cfg, logger)
	if cache != nil {
		rt.closers = append(rt.closers, func() { _ = cache.Close() })
	}

	rt.Service = New(Deps{
		Graph:   graph.NewService(repo),
		Ledger:  decision.NewLedger(repo),
		Experts: expertise.NewRanker(repo, expertise.ConfigFromRanking(ranking)),
		Search:  search.NewEngine(corpus, rt.Index, embedder, search.ConfigFromRanking(ranking), logger),
		Metrics: rt.Metrics,
		Logger:  logger,
	})
	rt.Service.AddReadinessCheck("database", repo.Ping)
	if meili != nil {
		rt.Service.AddReadinessCheck("meilisearch", func(context.Context) error {
			if !meili.Healthy() {
				return errors.New("meilisearch unreachable")
			}
			return nil
		})
	}
	if cache != nil {
		rt.Service.AddReadinessCheck("redis", cache.Ping)
	}
	return rt, nil
}

// buildEmbedder returns nil when no embedding endpoint is configured, in which
// case semantic scoring only runs for requests that carry a query vector.
func buildEmbedder(cfg config.Config, logger *zap.Logger) (search.QueryEmbedder, *embedding.RedisCache) {
	if strings.TrimSpace(cfg.EmbeddingURL) == "" {
		return nil, nil
	}
	tei, err := embedding.NewTEIClient(embedding.TEIConfig{
		BaseURL: cfg.EmbeddingURL,
		Model:   cfg.EmbeddingModel,
		Timeout: cfg.EmbeddingTimeout,
	}, logger)
	if err != nil {
		logger.Warn("query embedder disabled", zap.Error(err))
		return nil, nil
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return tei, nil
	}
	cache, err := embedding.NewRedisCache(cfg.RedisURL, cfg.EmbeddingCacheTTL)
	if err != nil {
		logger.Warn("query embedding cache disabled", zap.Error(err))
		return tei, nil
	}
	return embedding.NewCachedEmbedder(tei, cache, tei.Model(), logger), cache
}

// Close releases resources in reverse acquisition order.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
