package embed

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ragengine/internal/config"
	"ragengine/internal/errs"
)

type fakeProvider struct {
	failuresBeforeSuccess int
	calls                 int
	dim                   int
}

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failuresBeforeSuccess {
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = float32(i + j + 1)
		}
		out[i] = v
	}
	return out, nil
}

func newTestClient(p Provider, cfg config.EmbedConfig) *Client {
	c := New(p, cfg)
	c.sleep = func(time.Duration) {}
	return c
}

func TestClient_Embed_NormalizesVectors(t *testing.T) {
	p := &fakeProvider{dim: 4}
	c := newTestClient(p, config.EmbedConfig{MaxBatchCount: 8, MaxBatchTokens: 1000, MaxRetries: 1})

	vecs, err := c.Embed(context.Background(), "t1", []string{"hello world"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)

	var sumSq float64
	for _, x := range vecs[0] {
		sumSq += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-6)
}

func TestClient_Embed_RetriesThenSucceeds(t *testing.T) {
	p := &fakeProvider{dim: 4, failuresBeforeSuccess: 2}
	c := newTestClient(p, config.EmbedConfig{MaxBatchCount: 8, MaxBatchTokens: 1000, MaxRetries: 3})

	vecs, err := c.Embed(context.Background(), "t1", []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.Equal(t, 3, p.calls)
}

func TestClient_Embed_ExhaustsRetriesAndReturnsEmbeddingFailure(t *testing.T) {
	p := &fakeProvider{dim: 4, failuresBeforeSuccess: 100}
	c := newTestClient(p, config.EmbedConfig{MaxBatchCount: 8, MaxBatchTokens: 1000, MaxRetries: 3})

	_, err := c.Embed(context.Background(), "t1", []string{"one"})
	require.Error(t, err)
	require.Equal(t, errs.EmbeddingFailure, errs.KindOf(err))
	require.Equal(t, 3, p.calls)
}

func TestClient_Embed_CancelledContextReturnsDeadlineExceeded(t *testing.T) {
	p := &fakeProvider{dim: 4, failuresBeforeSuccess: 100}
	c := newTestClient(p, config.EmbedConfig{MaxBatchCount: 8, MaxBatchTokens: 1000, MaxRetries: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Embed(ctx, "t1", []string{"one"})
	require.Error(t, err)
	require.Equal(t, errs.DeadlineExceeded, errs.KindOf(err))
}

func TestBatches_RespectsMaxCount(t *testing.T) {
	texts := []string{"a", "b", "c", "d", "e"}
	got := batches(texts, 2, 1000)
	require.Len(t, got, 3)
	require.Len(t, got[0], 2)
	require.Len(t, got[1], 2)
	require.Len(t, got[2], 1)
}

func TestBatches_RespectsMaxTokens(t *testing.T) {
	texts := []string{"one two three", "four five six", "seven eight nine"}
	got := batches(texts, 100, 4)
	require.Len(t, got, 3)
}

func TestBatches_EmptyInput(t *testing.T) {
	require.Nil(t, batches(nil, 10, 10))
}

func TestNullProvider_IsDeterministic(t *testing.T) {
	n := NullProvider{Dimension: 16}
	a, err := n.Embed(context.Background(), []string{"repeatable text"})
	require.NoError(t, err)
	b, err := n.Embed(context.Background(), []string{"repeatable text"})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestNullProvider_DiffersByContent(t *testing.T) {
	n := NullProvider{Dimension: 16}
	a, err := n.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	b, err := n.Embed(context.Background(), []string{"beta"})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestNormalize_ZeroVectorUnchanged(t *testing.T) {
	v := []float32{0, 0, 0}
	normalize(v)
	require.Equal(t, []float32{0, 0, 0}, v)
}
