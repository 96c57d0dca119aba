package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/normalizer/internal/config"
	"github.com/ehr/normalizer/internal/domain/facts"
	"github.com/ehr/normalizer/internal/domain/graph"
	"github.com/ehr/normalizer/internal/domain/mapping"
	"github.com/ehr/normalizer/internal/domain/vocabulary"
	"github.com/ehr/normalizer/internal/ingest"
	"github.com/ehr/normalizer/internal/nlp/assertion"
	"github.com/ehr/normalizer/internal/nlp/extract"
	"github.com/ehr/normalizer/internal/pipeline"
	"github.com/ehr/normalizer/internal/platform/db"
	"github.com/ehr/normalizer/internal/platform/logging"
	"github.com/ehr/normalizer/internal/platform/metrics"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	pool     *pgxpool.Pool
	holder   *vocabulary.Holder
	embedder mapping.Embedder
	mapper   *mapping.Mapper
	pipeline *pipeline.Pipeline
	loader   *ingest.Loader
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Console: cfg.IsDev(),
		File:    cfg.LogFile,
	})
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}
	return cfg, logger, nil
}

type appOptions struct {
	graph bool
	// database opens the pool even when no component is backed by Postgres.
	database bool
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	if cfg.NeedsDatabase() || opts.database {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		logger.Info().Msg("connected to database")
	}

	var src vocabulary.Source
	if cfg.VocabularySource == "postgres" {
		src = vocabulary.NewPGSource(a.pool)
	} else {
		src = &vocabulary.FileSource{ConceptsPath: cfg.VocabularyPath, AbbreviationsPath: cfg.AbbreviationsPath}
	}
	a.holder = vocabulary.NewHolder(src, logger)
	if err := a.holder.Load(ctx); err != nil {
		a.close()
		return nil, err
	}
	a.refreshVocabularySize()

	var err error
	if a.embedder, err = newEmbedder(cfg); err != nil {
		a.close()
		return nil, err
	}

	mapOpts := []mapping.Option{
		mapping.WithFuzzyThreshold(cfg.FuzzyThreshold),
		mapping.WithDefaultLimit(cfg.MapperLimit),
		mapping.WithCache(cfg.MapperCacheTTL),
		mapping.WithLogger(logger),
		mapping.WithObserver(a.metrics),
	}
	if cfg.SemanticEnabled {
		if cfg.SemanticBackend == "pgvector" {
			mapOpts = append(mapOpts, mapping.WithSemantic(mapping.NewVectorStore(a.pool, a.embedder, cfg.SemanticThreshold, logger)))
		} else {
			mapOpts = append(mapOpts, mapping.WithSemantic(mapping.NewSemanticIndex(a.holder, a.embedder, cfg.SemanticThreshold)))
		}
	}
	a.mapper = mapping.NewMapper(a.holder, mapOpts...)

	extractor, err := extract.NewExtractor(a.holder,
		extract.WithClassifier(assertion.NewClassifier(assertion.WithWindow(cfg.ContextWindow))),
		extract.WithLogger(logger),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	var (
		factStore  facts.Store
		graphStore graph.Store
	)
	pipeOpts := []pipeline.Option{
		pipeline.WithWorkers(cfg.Workers),
		pipeline.WithGraph(opts.graph),
		pipeline.WithObserver(a.metrics),
		pipeline.WithLogger(logger),
	}
	if cfg.Store == "postgres" {
		factStore, graphStore = facts.NewPGStore(a.pool), graph.NewPGStore(a.pool)
		pipeOpts = append(pipeOpts,
			pipeline.WithLocker(db.NewAdvisoryLocker(a.pool)),
			pipeline.WithTx(func(ctx context.Context, fn func(context.Context) error) error {
				return db.InTx(ctx, a.pool, fn)
			}),
		)
	} else {
		factStore, graphStore = facts.NewMemoryStore(), graph.NewMemoryStore()
	}
	a.pipeline = pipeline.New(extractor, a.mapper, factStore, graphStore, pipeOpts...)
	a.loader = ingest.NewLoader(a.holder, a.mapper, logger)
	return a, nil
}

func newEmbedder(cfg *config.Config) (mapping.Embedder, error) {
	if cfg.EmbeddingProvider == "openai" {
		return mapping.NewOpenAIEmbedder(mapping.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.OpenAIEmbeddingModel,
			Dimensions: cfg.EmbeddingDim,
		})
	}
	return mapping.NewHashEmbedder(cfg.EmbeddingDim), nil
}

func (a *app) refreshVocabularySize() {
	if idx, err := a.holder.Index(); err == nil {
		a.metrics.SetVocabularySize(idx.Len())
	}
}

func (a *app) neo4jConfig() graph.Neo4jConfig {
	return graph.Neo4jConfig{
		URI:      a.cfg.Neo4jURI,
		Username: a.cfg.Neo4jUsername,
		Password: a.cfg.Neo4jPassword,
		Database: a.cfg.Neo4jDatabase,
	}
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
