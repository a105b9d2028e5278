package vectorindex_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mediator/internal/domain"
	"mediator/internal/vectorindex"
)

func TestQueryExcludesSelfAndRanksBySimilarity(t *testing.T) {
	idx := vectorindex.New(2)
	require.NoError(t, idx.Upsert("a", []float32{1, 0}, &domain.Intent{Fingerprint: "a"}))
	require.NoError(t, idx.Upsert("b", []float32{0.99, 0.01}, &domain.Intent{Fingerprint: "b"}))
	require.NoError(t, idx.Upsert("c", []float32{0, 1}, &domain.Intent{Fingerprint: "c"}))

	matches, err := idx.Query("a", []float32{1, 0}, 5, 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "b", matches[0].Fingerprint)
	require.Equal(t, "c", matches[1].Fingerprint)
	require.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestQueryRejectsDimensionMismatch(t *testing.T) {
	idx := vectorindex.New(3)
	_, err := idx.Query("a", []float32{1, 0}, 1, 0)
	require.Error(t, err)
	var mismatch vectorindex.ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestRemoveTombstonesUntilCompaction(t *testing.T) {
	idx := vectorindex.New(1, vectorindex.WithRebuildRatio(0.5))
	require.NoError(t, idx.Upsert("a", []float32{1}, &domain.Intent{Fingerprint: "a"}))
	require.NoError(t, idx.Upsert("b", []float32{1}, &domain.Intent{Fingerprint: "b"}))
	idx.Remove("a")

	require.Equal(t, 1, idx.Len())
	matches, err := idx.Query("z", []float32{1}, 5, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "b", matches[0].Fingerprint)
}

func TestTopAlignmentCandidatesResolvesIntents(t *testing.T) {
	idx := vectorindex.New(1)
	require.NoError(t, idx.Upsert("b", []float32{1}, &domain.Intent{Fingerprint: "b", OfferedFee: 5}))

	self := &domain.Intent{Fingerprint: "a", OfferedFee: 10}
	other := &domain.Intent{Fingerprint: "b", OfferedFee: 5}

	candidates, err := vectorindex.TopAlignmentCandidates(idx, self, []float32{1}, 5, 0, func(fp string) (*domain.Intent, bool) {
		if fp == "b" {
			return other, true
		}
		return nil, false
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "b", candidates[0].B.Fingerprint)
	require.InDelta(t, 15.0, candidates[0].EstimatedValue, 1e-9)
}

// TestQueryTieBreakOrdersByFeeThenTimestampThenFingerprint exercises all
// three tie-break tiers: b and c tie with a on similarity (identical
// vectors), so b must win on higher offered fee; c and d tie with each
// other after that, so d must win on earlier timestamp; with fee and
// timestamp both equal, the result falls back to lexicographic fingerprint.
func TestQueryTieBreakOrdersByFeeThenTimestampThenFingerprint(t *testing.T) {
	idx := vectorindex.New(1)
	require.NoError(t, idx.Upsert("b", []float32{1}, &domain.Intent{Fingerprint: "b", OfferedFee: 5, Timestamp: 100}))
	require.NoError(t, idx.Upsert("c", []float32{1}, &domain.Intent{Fingerprint: "c", OfferedFee: 1, Timestamp: 200}))
	require.NoError(t, idx.Upsert("d", []float32{1}, &domain.Intent{Fingerprint: "d", OfferedFee: 1, Timestamp: 50}))
	require.NoError(t, idx.Upsert("e", []float32{1}, &domain.Intent{Fingerprint: "e", OfferedFee: 1, Timestamp: 50}))

	matches, err := idx.Query("a", []float32{1}, 10, 0)
	require.NoError(t, err)
	require.Len(t, matches, 4)

	fingerprints := make([]string, len(matches))
	for i, m := range matches {
		fingerprints[i] = m.Fingerprint
	}
	require.Equal(t, []string{"b", "d", "e", "c"}, fingerprints)
}
