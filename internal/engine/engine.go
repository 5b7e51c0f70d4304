// Package engine assembles every component into one long-lived value, per
// §9: "Global mutable state (the index cache, governors, clients) becomes
// an explicit Engine value owning that state; its lifecycle is
// init(config) -> serve -> shutdown (flush all dirty indexes)." Engine is
// the thing cmd/ragengine constructs once at startup and calls Ingest,
// Query, QueryStream, and Feedback against for the lifetime of the process.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ragengine/internal/audit"
	"ragengine/internal/config"
	"ragengine/internal/embed"
	"ragengine/internal/errs"
	"ragengine/internal/extract"
	"ragengine/internal/indexcache"
	"ragengine/internal/ingest"
	"ragengine/internal/lexical"
	"ragengine/internal/llmclient"
	"ragengine/internal/metrics"
	"ragengine/internal/quota"
	"ragengine/internal/query"
	"ragengine/internal/ratelimit"
	"ragengine/internal/rerank"
	"ragengine/internal/respcache"
	"ragengine/internal/retrieval"
	"ragengine/internal/store"
	"ragengine/internal/suggest"
	"ragengine/internal/tenant"
)

// Dependencies holds the external collaborators that vary by deployment:
// the embedding and generation backends, the storage tier, and optional
// overrides of the reranker and cache backing. Every field has a usable
// zero-configuration default so a demo process can start with nothing
// wired in.
type Dependencies struct {
	Embedder      embed.Provider
	Generator     llmclient.Generator
	SuggestGen    suggest.Generator
	RerankScorer  rerank.Scorer
	Relational    store.RelationalStore
	Objects       store.ObjectStore
	CacheBacking  respcache.Cache
	Logger        *zap.Logger
}

// Engine owns every long-lived component and exposes the external surface
// §6 names: Ingest, Query, QueryStream, Feedback, plus the Delete and
// Shutdown lifecycle operations §9 and the ingestion pipeline require.
type Engine struct {
	cfg    config.Config
	logger *zap.Logger

	relational store.RelationalStore
	objects    store.ObjectStore
	indexes    *indexcache.Cache

	governor *quota.Governor
	limiter  *ratelimit.Limiter
	cache    *respcache.ResponseCache

	ingestPipeline *ingest.Pipeline
	queryPipeline  *query.Pipeline

	cancel context.CancelFunc
}

// New wires every component per cfg and deps, starts the index cache's
// background flusher, and wires the ingestion pipeline's commit hook to the
// response cache's epoch invalidation so a newly-ready or deleted document
// is visible to the very next query.
func New(cfg config.Config, deps Dependencies) (*Engine, error) {
	logger := deps.Logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("engine: build default logger: %w", err)
		}
	}

	relational := deps.Relational
	if relational == nil {
		relational = store.NewMemoryRelationalStore()
	}
	objects := deps.Objects
	if objects == nil {
		objects = store.NewMemoryObjectStore()
	}

	embedder := deps.Embedder
	if embedder == nil {
		logger.Warn("engine: no embed.Provider configured, falling back to NullProvider (degraded/lexical-only retrieval)")
		embedder = embed.NullProvider{Dimension: cfg.Embed.Dimension}
	}
	embedClient := embed.New(embedder, cfg.Embed)

	generator := deps.Generator
	if generator == nil {
		logger.Warn("engine: no llmclient.Generator configured, falling back to NullGenerator (every query degrades)")
		generator = llmclient.NullGenerator{}
	}
	llm := llmclient.New(generator, cfg.LLM.Temperature, cfg.LLM.MaxOutputTokens)

	scorer := deps.RerankScorer
	if scorer == nil {
		scorer = rerank.LexicalOverlapScorer{}
	}
	reranker := rerank.New(scorer, cfg.Reranker.Enabled)

	indexes, err := indexcache.New(objects, cfg.Embed.Dimension, cfg.IndexCache)
	if err != nil {
		return nil, fmt.Errorf("engine: build index cache: %w", err)
	}

	lexicalIdx := lexical.New(relational)
	slotResolver := ingest.NewSlotResolver(relational)
	retriever := retrieval.New(lexicalIdx, indexes, embedClient, slotResolver, cfg.Retrieval)

	governor := quota.New(cfg.Quota)
	limiter := ratelimit.New(cfg.Rate)

	cacheBacking := deps.CacheBacking
	if cacheBacking == nil {
		cacheBacking = respcache.NewInMemoryCache(cfg.IndexCache.FlushInterval)
	}
	cache := respcache.New(cacheBacking, time.Duration(cfg.Cache.TTLSeconds)*time.Second)

	auditLogger := audit.New(relational)

	queryPipeline, err := query.New(governor, limiter, cache, retriever, reranker, relational, llm, deps.SuggestGen, auditLogger, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: build query pipeline: %w", err)
	}

	ingestPipeline := ingest.New(relational, indexes, lexicalIdx, embedClient, governor, cfg.Chunk, cfg.IngestWorkers)
	ingestPipeline.OnCommit(func(tenantID string) {
		cache.Invalidate(tenantID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	indexes.RunFlusher(ctx)

	logger.Info("engine initialized",
		zap.Int("ingest_workers", cfg.IngestWorkers),
		zap.String("pipeline_version", cfg.PipelineVersion),
		zap.Bool("reranker_enabled", cfg.Reranker.Enabled),
		zap.Bool("cache_persist", cfg.Cache.EnablePersist),
	)

	return &Engine{
		cfg:            cfg,
		logger:         logger,
		relational:     relational,
		objects:        objects,
		indexes:        indexes,
		governor:       governor,
		limiter:        limiter,
		cache:          cache,
		ingestPipeline: ingestPipeline,
		queryPipeline:  queryPipeline,
		cancel:         cancel,
	}, nil
}

// Ingest registers blob as a new document for tc.Tenant, per §4.6.
func (e *Engine) Ingest(ctx context.Context, tc tenant.Context, name string, blob []byte, declared extract.DeclaredType) (ingest.Result, error) {
	start := time.Now()
	result, err := e.ingestPipeline.Ingest(ctx, string(tc.Tenant), name, blob, declared)
	status := "accepted"
	if err != nil {
		status = "rejected"
		e.logger.Warn("ingest rejected", zap.String("tenant", string(tc.Tenant)), zap.Error(err))
		if errs.KindOf(err) == errs.QuotaExceeded {
			metrics.QuotaDenials.WithLabelValues("documents").Inc()
		}
	}
	metrics.IngestLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	metrics.DocumentsIngested.WithLabelValues(status).Inc()
	return result, err
}

// Delete removes a document and its chunks/vectors, then invalidates the
// tenant's cached responses, per §4.6's delete path.
func (e *Engine) Delete(ctx context.Context, tc tenant.Context, documentID string) error {
	return e.ingestPipeline.Delete(ctx, string(tc.Tenant), documentID)
}

// Query runs one question through the full query pipeline, per §4.17.
func (e *Engine) Query(ctx context.Context, tc tenant.Context, question string, opts query.Options) (query.Result, error) {
	start := time.Now()
	result, err := e.queryPipeline.Query(ctx, tc, question, opts)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		switch errs.KindOf(err) {
		case errs.QuotaExceeded:
			metrics.QuotaDenials.WithLabelValues("queries").Inc()
		case errs.RateLimited:
			metrics.RateLimitDenials.WithLabelValues(string(tc.Tenant)).Inc()
		}
	case result.Degraded:
		outcome = "degraded"
	case result.CacheHit:
		outcome = "cache_hit"
	}
	metrics.QueryLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if result.CacheHit {
		metrics.CacheResults.WithLabelValues("hit").Inc()
	} else if err == nil {
		metrics.CacheResults.WithLabelValues("miss").Inc()
	}
	return result, err
}

// QueryStream runs Query and replays its answer as a token stream, per §9's
// streaming model.
func (e *Engine) QueryStream(ctx context.Context, tc tenant.Context, question string, opts query.Options) (<-chan query.StreamEvent, error) {
	return e.queryPipeline.QueryStream(ctx, tc, question, opts)
}

// Feedback records user feedback against a prior request, per §4.18.
func (e *Engine) Feedback(ctx context.Context, tenantID, messageID string, rating int, issueTag, note string) error {
	return e.queryPipeline.Feedback(ctx, tenantID, messageID, rating, issueTag, note)
}

// QuotaSnapshot returns tenantID's current usage, for a status endpoint.
func (e *Engine) QuotaSnapshot(tenantID string) quota.Snapshot {
	return e.governor.Snapshot(tenantID)
}

// Shutdown stops the background flusher and flushes every dirty index to
// the object store, per §9's "shutdown (flush all dirty indexes)".
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	err := e.indexes.Close(ctx)
	if err != nil {
		e.logger.Error("engine shutdown: index flush incomplete", zap.Error(err))
	} else {
		e.logger.Info("engine shutdown complete")
	}
	_ = e.logger.Sync()
	return err
}
