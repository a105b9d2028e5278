package challenge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"mediator/internal/challenge"
	"mediator/internal/domain"
	"mediator/internal/llm"
)

type fakeChain struct {
	settlements []*domain.ProposedSettlement
	intents     map[string]*domain.Intent
	submitted   []domain.Challenge
}

func (f *fakeChain) ListRecentSettlements(_ context.Context, _ int64) ([]*domain.ProposedSettlement, error) {
	return f.settlements, nil
}

func (f *fakeChain) GetIntent(_ context.Context, fingerprint string) (*domain.Intent, error) {
	intent, ok := f.intents[fingerprint]
	if !ok {
		return nil, nil
	}
	return intent, nil
}

func (f *fakeChain) SubmitEntry(_ context.Context, _ string, entry any) error {
	if c, ok := entry.(domain.Challenge); ok {
		f.submitted = append(f.submitted, c)
	}
	return nil
}

type scriptedVerifier struct {
	analysis llm.ContradictionAnalysis
}

func (v scriptedVerifier) Verify(_ context.Context, _ *domain.Intent, _ *domain.ProposedSettlement) (llm.ContradictionAnalysis, error) {
	return v.analysis, nil
}

func TestScanSubmitsChallengeAboveThreshold(t *testing.T) {
	chain := &fakeChain{
		settlements: []*domain.ProposedSettlement{
			{ID: "s1", MediatorID: "other-mediator", FingerprintA: "fp-a", FingerprintB: "fp-b"},
		},
		intents: map[string]*domain.Intent{
			"fp-a": {Fingerprint: "fp-a"},
		},
	}
	verifier := scriptedVerifier{analysis: llm.ContradictionAnalysis{HasContradiction: true, Confidence: 0.9}}
	detector := challenge.New("self-mediator", chain, verifier, true, 0.8)

	count, err := detector.Scan(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, chain.submitted, 1)
	require.Equal(t, "s1", chain.submitted[0].TargetSettlementID)
}

func TestScanSkipsOwnSettlements(t *testing.T) {
	chain := &fakeChain{
		settlements: []*domain.ProposedSettlement{
			{ID: "s1", MediatorID: "self-mediator"},
		},
	}
	verifier := scriptedVerifier{analysis: llm.ContradictionAnalysis{HasContradiction: true, Confidence: 0.95}}
	detector := challenge.New("self-mediator", chain, verifier, true, 0.8)

	count, err := detector.Scan(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestScanDoesNotSubmitWhenDisabled(t *testing.T) {
	chain := &fakeChain{
		settlements: []*domain.ProposedSettlement{
			{ID: "s1", MediatorID: "other-mediator", FingerprintA: "fp-a", FingerprintB: "fp-b"},
		},
		intents: map[string]*domain.Intent{"fp-a": {Fingerprint: "fp-a"}},
	}
	verifier := scriptedVerifier{analysis: llm.ContradictionAnalysis{HasContradiction: true, Confidence: 0.95}}
	detector := challenge.New("self-mediator", chain, verifier, false, 0.8)

	count, err := detector.Scan(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, count)
	require.Empty(t, chain.submitted)
}

func TestScanIgnoresBelowConfidenceThreshold(t *testing.T) {
	chain := &fakeChain{
		settlements: []*domain.ProposedSettlement{
			{ID: "s1", MediatorID: "other-mediator", FingerprintA: "fp-a", FingerprintB: "fp-b"},
		},
		intents: map[string]*domain.Intent{"fp-a": {Fingerprint: "fp-a"}},
	}
	verifier := scriptedVerifier{analysis: llm.ContradictionAnalysis{HasContradiction: true, Confidence: 0.5}}
	detector := challenge.New("self-mediator", chain, verifier, true, 0.8)

	count, err := detector.Scan(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
