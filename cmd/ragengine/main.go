// Command ragengine is the demo HTTP surface around the engine package: a
// thin gin wrapper exposing ingest/query/feedback/health/metrics endpoints,
// plus an SSE streaming query endpoint. Grounded in the teacher's
// unified-rag-service/sse-rag-service main.go: gin.New + Logger/Recovery +
// CORS middleware, route groups under /api/v1, graceful shutdown via
// os/signal, and the "data: %s\n\n" SSE framing for streaming responses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ragengine/internal/config"
	"ragengine/internal/embed"
	"ragengine/internal/engine"
	"ragengine/internal/errs"
	"ragengine/internal/extract"
	"ragengine/internal/llmclient"
	"ragengine/internal/observability/tracing"
	"ragengine/internal/query"
	"ragengine/internal/respcache"
	"ragengine/internal/store"
	"ragengine/internal/tenant"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using process environment")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		shutdownTracing, err := tracing.Init(ctx, "ragengine")
		if err != nil {
			logger.Warn("tracing init failed, continuing without spans", zap.Error(err))
		} else {
			defer shutdownTracing(context.Background())
		}
	}

	eng, err := buildEngine(ctx, logger)
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	api := r.Group("/api/v1")
	{
		api.POST("/documents", uploadHandler(eng))
		api.DELETE("/documents/:id", deleteHandler(eng))
		api.POST("/query", queryHandler(eng))
		api.GET("/query/stream", streamHandler(eng))
		api.POST("/feedback", feedbackHandler(eng))
		api.GET("/quota", quotaHandler(eng))
		api.GET("/health", healthHandler)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := envOr("RAGENGINE_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logger.Info("ragengine listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown", zap.Error(err))
	}
}

// buildEngine wires the engine's external collaborators from environment
// configuration, falling back to in-memory/null implementations for any
// collaborator whose environment variable is unset — the demo process
// should start with zero external dependencies running.
func buildEngine(ctx context.Context, logger *zap.Logger) (*engine.Engine, error) {
	cfg := config.Default()
	deps := engine.Dependencies{Logger: logger}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rel := store.NewPgxRelationalStore(pool)
		if err := rel.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		deps.Relational = rel
		logger.Info("using postgres relational store")
	}

	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		obj, err := store.NewMinIOObjectStore(ctx, store.MinIOConfig{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    envOr("MINIO_BUCKET", "ragengine-indexes"),
			Secure:    os.Getenv("MINIO_SECURE") == "true",
		})
		if err != nil {
			return nil, fmt.Errorf("connect minio: %w", err)
		}
		deps.Objects = obj
		logger.Info("using minio object store")
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		cache, err := respcache.NewRedisCache(url)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		deps.CacheBacking = cache
		cfg.Cache.EnablePersist = true
		cfg.Cache.RedisURL = url
		logger.Info("using redis response cache")
	}

	ollamaURL := os.Getenv("OLLAMA_URL")
	if ollamaURL != "" {
		embedModel := envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text")
		genModel := envOr("OLLAMA_GENERATE_MODEL", "llama3")
		deps.Embedder = embed.NewOllamaProvider(ollamaURL, embedModel)
		gen := llmclient.NewOllamaGenerator(ollamaURL, genModel, cfg.LLM.Temperature)
		deps.Generator = gen
		deps.SuggestGen = gen
		logger.Info("using ollama embedder/generator", zap.String("url", ollamaURL))
	}

	return engine.New(cfg, deps)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func tenantContextFrom(c *gin.Context) tenant.Context {
	return tenant.Context{
		Tenant:    tenant.ID(c.GetHeader("X-Tenant-ID")),
		User:      c.GetHeader("X-User"),
		RequestID: c.GetHeader("X-Request-ID"),
	}
}

func uploadHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := tenantContextFrom(c)
		if tc.Tenant == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-Tenant-ID header is required"})
			return
		}
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("missing file: %v", err)})
			return
		}
		defer file.Close()
		blob, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("read file: %v", err)})
			return
		}
		declared := extract.DeclaredType(firstNonEmpty(c.PostForm("content_type"), header.Header.Get("Content-Type")))

		result, err := eng.Ingest(c.Request.Context(), tc, header.Filename, blob, declared)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"document_id": result.DocumentID,
			"status":      result.Status,
		})
	}
}

func firstNonEmpty(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func deleteHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := tenantContextFrom(c)
		if err := eng.Delete(c.Request.Context(), tc, c.Param("id")); err != nil {
			writeErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type queryRequest struct {
	Question     string   `json:"question" binding:"required"`
	SessionID    string   `json:"session_id"`
	TopK         int      `json:"top_k"`
	DocScope     []string `json:"doc_scope"`
	EnableRerank *bool    `json:"enable_rerank"`
	EnableCache  *bool    `json:"enable_cache"`
}

func (r queryRequest) options() query.Options {
	opts := query.Options{
		SessionID: r.SessionID,
		TopK:      r.TopK,
		DocScope:  r.DocScope,
		// Both default on, matching §6's defaults; an explicit false
		// overrides.
		EnableRerank: r.EnableRerank == nil || *r.EnableRerank,
		EnableCache:  r.EnableCache == nil || *r.EnableCache,
	}
	return opts
}

func queryHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := tenantContextFrom(c)
		if tc.Tenant == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-Tenant-ID header is required"})
			return
		}
		var req queryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
			return
		}
		result, err := eng.Query(c.Request.Context(), tc, req.Question, req.options())
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// streamHandler mirrors the teacher's SSE framing ("data: %s\n\n" + Flush)
// over query.Pipeline.QueryStream's lazy token sequence.
func streamHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := tenantContextFrom(c)
		question := c.Query("question")
		if tc.Tenant == "" || question == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-Tenant-ID header and question query param are required"})
			return
		}
		opts := query.Options{Stream: true}
		if topK, err := strconv.Atoi(c.Query("top_k")); err == nil {
			opts.TopK = topK
		}

		ch, err := eng.QueryStream(c.Request.Context(), tc, question, opts)
		if err != nil {
			writeErr(c, err)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")

		for event := range ch {
			var payload []byte
			if event.Final != nil {
				payload, _ = json.Marshal(map[string]any{"type": "final", "result": event.Final})
			} else {
				payload, _ = json.Marshal(map[string]any{"type": "token", "token": event.Token})
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
			c.Writer.Flush()
		}
	}
}

type feedbackRequest struct {
	MessageID string `json:"message_id" binding:"required"`
	Rating    int    `json:"rating"`
	IssueTag  string `json:"issue_tag"`
	Note      string `json:"note"`
}

func feedbackHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := tenantContextFrom(c)
		var req feedbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
			return
		}
		if err := eng.Feedback(c.Request.Context(), string(tc.Tenant), req.MessageID, req.Rating, req.IssueTag, req.Note); err != nil {
			writeErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func quotaHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := tenantContextFrom(c)
		c.JSON(http.StatusOK, eng.QuotaSnapshot(string(tc.Tenant)))
	}
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func writeErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.QuotaExceeded, errs.RateLimited:
		status = http.StatusTooManyRequests
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Forbidden:
		status = http.StatusForbidden
	case errs.UnsupportedFormat, errs.CorruptInput:
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
