// Package config defines the engine's closed configuration surface. There
// are no open-ended keyword-parameter maps anywhere in this engine: every
// tunable is a typed field here, loaded once at Engine construction.
package config

import "time"

// ChunkConfig controls chunker determinism: window size, overlap, and the
// tokenizer used to measure both.
type ChunkConfig struct {
	TargetTokens  int    `json:"target_tokens"`
	OverlapTokens int    `json:"overlap_tokens"`
	MinTokens     int    `json:"min_tokens"`
	TokenizerID   string `json:"tokenizer_id"`
}

// RetrievalConfig controls hybrid retrieval fan-out and fusion.
type RetrievalConfig struct {
	KRetrieval int `json:"k_retrieval"`
	KFused     int `json:"k_fused"`
	KRRF       int `json:"k_rrf"`
}

// ContextConfig controls the context compressor's token budget.
type ContextConfig struct {
	BudgetTokens int `json:"budget_tokens"`
}

// CacheConfig controls the response cache's lifetime and backing tier.
type CacheConfig struct {
	TTLSeconds    int    `json:"ttl_seconds"`
	EnablePersist bool   `json:"enable_persist"`
	RedisURL      string `json:"redis_url"`
}

// QuotaConfig holds the tenant resource-quota defaults.
type QuotaConfig struct {
	MaxDocuments    int   `json:"max_documents"`
	MaxStorageBytes int64 `json:"max_storage_bytes"`
	DailyQueries    int   `json:"daily_queries"`
	DailyTokens     int64 `json:"daily_tokens"`
}

// RateConfig holds the per-tenant rate-limit defaults.
type RateConfig struct {
	RPM float64 `json:"rpm"`
	TPM float64 `json:"tpm"`
}

// IndexCacheConfig controls the bounded in-memory index cache.
type IndexCacheConfig struct {
	Size          int           `json:"size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// ConfidenceThresholds maps a confidence score to a qualitative label.
type ConfidenceThresholds struct {
	High   float64 `json:"high"`
	Medium float64 `json:"medium"`
	Low    float64 `json:"low"`
}

// RerankerConfig toggles and selects the reranking model.
type RerankerConfig struct {
	Enabled bool   `json:"enabled"`
	ModelID string `json:"model_id"`
}

// EmbedConfig controls embedder batching and retry limits.
type EmbedConfig struct {
	Dimension      int `json:"dimension"`
	MaxBatchCount  int `json:"max_batch_count"`
	MaxBatchTokens int `json:"max_batch_tokens"`
	MaxRetries     int `json:"max_retries"`
}

// LLMConfig holds the generation call's parameters (§4.11). Temperature is
// sent by the Ollama generator that cmd/ragengine builds. MaxOutputTokens is
// stored on llmclient.Client but is not sent to any Generator, so it does
// not limit the length of a generated answer.
type LLMConfig struct {
	Temperature         float64 `json:"temperature"`
	MaxOutputTokens     int     `json:"max_output_tokens"`
	EstimatedTokenCost  int64   `json:"estimated_token_cost"`
}

// Config is the complete closed configuration set consumed by engine.New.
type Config struct {
	Chunk      ChunkConfig
	Retrieval  RetrievalConfig
	Context    ContextConfig
	Cache      CacheConfig
	Quota      QuotaConfig
	Rate       RateConfig
	IndexCache IndexCacheConfig
	Confidence ConfidenceThresholds
	Reranker   RerankerConfig
	Embed      EmbedConfig
	LLM        LLMConfig

	// IngestWorkers bounds the ingestion worker-pool size, kept distinct
	// from the request-serving pool; generalizes the teacher's hard-coded
	// chunkWorker/embeddingWorker counts into one configurable field.
	IngestWorkers int

	// PipelineVersion is folded into the response-cache fingerprint so a
	// deploy that changes retrieval/generation semantics invalidates
	// cached answers implicitly.
	PipelineVersion string

	// Greetings is the small configurable set of casual greetings the
	// query pipeline short-circuits on.
	Greetings []string
}

// Default returns the engine's out-of-the-box configuration.
func Default() Config {
	return Config{
		Chunk: ChunkConfig{
			TargetTokens:  450,
			OverlapTokens: 80,
			MinTokens:     100,
			TokenizerID:   "cl100k_base",
		},
		Retrieval: RetrievalConfig{
			KRetrieval: 20,
			KFused:     10,
			KRRF:       60,
		},
		Context: ContextConfig{
			BudgetTokens: 3000,
		},
		Cache: CacheConfig{
			TTLSeconds:    3600,
			EnablePersist: false,
		},
		Quota: QuotaConfig{
			MaxDocuments:    1000,
			MaxStorageBytes: 5 * 1024 * 1024 * 1024,
			DailyQueries:    10000,
			DailyTokens:     5_000_000,
		},
		Rate: RateConfig{
			RPM: 60,
			TPM: 100000,
		},
		IndexCache: IndexCacheConfig{
			Size:          10,
			FlushInterval: 30 * time.Second,
		},
		Confidence: ConfidenceThresholds{
			High:   0.75,
			Medium: 0.5,
			Low:    0.25,
		},
		Reranker: RerankerConfig{
			Enabled: true,
			ModelID: "lexical-overlap-v1",
		},
		Embed: EmbedConfig{
			Dimension:      768,
			MaxBatchCount:  64,
			MaxBatchTokens: 16000,
			MaxRetries:     3,
		},
		LLM: LLMConfig{
			Temperature:        0.1,
			MaxOutputTokens:    800,
			EstimatedTokenCost: 1200,
		},
		IngestWorkers:   4,
		PipelineVersion: "v1",
		Greetings:       []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening", "thanks", "thank you"},
	}
}
