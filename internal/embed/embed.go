// Package embed implements batched dense-vector encoding with
// retry/backoff and L2 normalization. Embedders are expressed as a
// capability interface so the engine can swap providers or fall back to a
// null implementation in tests.
package embed

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ragengine/internal/config"
	"ragengine/internal/errs"
)

var tracer = otel.Tracer("ragengine/embed")

// Provider is the raw capability a concrete embedding backend implements:
// encode a batch of texts into same-length float32 vectors.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client wraps a Provider with the batching, retry, and normalization
// contract the rest of the engine depends on.
type Client struct {
	provider Provider
	cfg      config.EmbedConfig
	sleep    func(time.Duration)
}

// New constructs a Client around provider using cfg's batching/retry limits.
func New(provider Provider, cfg config.EmbedConfig) *Client {
	return &Client{provider: provider, cfg: cfg, sleep: time.Sleep}
}

// Embed encodes texts in provider-bounded batches (by count and total token
// estimate), L2-normalizes every vector, and retries a failing batch with
// exponential backoff and jitter (the delay has no upper bound), making at
// most cfg.MaxRetries attempts in total before surfacing
// errs.EmbeddingFailure.
func (c *Client) Embed(ctx context.Context, tenantID string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for _, batch := range batches(texts, c.cfg.MaxBatchCount, c.cfg.MaxBatchTokens) {
		vectors, err := c.embedWithRetry(ctx, tenantID, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *Client) embedWithRetry(ctx context.Context, tenantID string, batch []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "embed.Provider.Embed", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("batch_size", len(batch)),
	))
	defer span.End()

	var lastErr error
	maxRetries := c.cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.DeadlineExceeded, tenantID, "embedding cancelled", ctx.Err())
		default:
		}

		vectors, err := c.provider.Embed(ctx, batch)
		if err == nil {
			for i := range vectors {
				normalize(vectors[i])
			}
			return vectors, nil
		}
		lastErr = err

		if attempt < maxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * 50 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			c.sleep(backoff + jitter)
		}
	}
	span.RecordError(lastErr)
	return nil, errs.Wrap(errs.EmbeddingFailure, tenantID, "embedding provider failed after retries", lastErr)
}

// normalize L2-normalizes v in place. A zero vector is left untouched rather
// than producing NaNs.
func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// batches splits texts into groups bounded by both count and a crude
// whitespace-token estimate of total size, each capped at a configured
// maximum.
func batches(texts []string, maxCount, maxTokens int) [][]string {
	if maxCount <= 0 {
		maxCount = len(texts)
	}
	var out [][]string
	var cur []string
	curTokens := 0
	for _, t := range texts {
		est := estimateTokens(t)
		if len(cur) > 0 && (len(cur) >= maxCount || curTokens+est > maxTokens) {
			out = append(out, cur)
			cur = nil
			curTokens = 0
		}
		cur = append(cur, t)
		curTokens += est
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func estimateTokens(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	if n == 0 {
		n = 1
	}
	return n
}

// NullProvider returns deterministic, content-derived vectors and never
// fails. It is used in tests and as the engine's degraded-mode embedder.
type NullProvider struct {
	Dimension int
}

func (n NullProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, n.Dimension)
	}
	return out, nil
}

func hashVector(s string, dim int) []float32 {
	if dim <= 0 {
		dim = 8
	}
	v := make([]float32, dim)
	h := uint32(2166136261)
	for _, b := range []byte(s) {
		h ^= uint32(b)
		h *= 16777619
		v[int(h)%dim] += 1
	}
	return v
}
