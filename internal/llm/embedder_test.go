package llm_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"mediator/internal/domain"
	"mediator/internal/llm"
)

type countingProvider struct {
	calls int32
	dim   int
}

func (p *countingProvider) Embed(_ context.Context, text string) ([]float32, int, error) {
	atomic.AddInt32(&p.calls, 1)
	vec := make([]float32, p.dim)
	vec[0] = float32(len(text))
	return vec, 7, nil
}

func TestEmbedderMemoisesByFingerprint(t *testing.T) {
	provider := &countingProvider{dim: 4}
	embedder := llm.NewEmbedder(provider, false)

	intent := &domain.Intent{Fingerprint: "fp-1", Prose: "hello"}
	_, tokens, err := embedder.Embed(t.Context(), intent)
	require.NoError(t, err)
	require.Equal(t, 7, tokens)

	_, tokens, err = embedder.Embed(t.Context(), intent)
	require.NoError(t, err)
	require.Equal(t, 0, tokens, "second call should hit the memoisation cache")
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.calls))
}

func TestFallbackEmbeddingProviderIsDeterministic(t *testing.T) {
	provider := llm.NewFallbackEmbeddingProvider(8)
	vecA, _, err := provider.Embed(t.Context(), "same text")
	require.NoError(t, err)
	vecB, _, err := provider.Embed(t.Context(), "same text")
	require.NoError(t, err)
	require.Equal(t, vecA, vecB)

	vecC, _, err := provider.Embed(t.Context(), "different text")
	require.NoError(t, err)
	require.NotEqual(t, vecA, vecC)
}

func TestCanonicalTextJoinsFieldsInOrder(t *testing.T) {
	text := llm.CanonicalText("prose", []string{"d1", "d2"}, []string{"c1"})
	require.Equal(t, "prose\nd1\nd2\nc1", text)
}
