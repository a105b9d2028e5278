package reputation_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"mediator/internal/domain"
	"mediator/internal/reputation"
)

type fakeChain struct {
	mu        sync.Mutex
	published []domain.MediatorReputation
	remote    *domain.MediatorReputation
	getErr    error
}

func (f *fakeChain) GetReputation(_ context.Context, _ string) (*domain.MediatorReputation, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.remote, nil
}

func (f *fakeChain) PublishReputation(_ context.Context, rep *domain.MediatorReputation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, *rep)
	return nil
}

func TestRecomputesWeightAfterEachMutation(t *testing.T) {
	chain := &fakeChain{}
	ledger := reputation.New("mediator-1", chain)

	ledger.RecordSuccessfulClosure(t.Context())
	require.Equal(t, 1.0, ledger.Weight())

	ledger.RecordFailedChallenge(t.Context())
	require.Equal(t, 3.0, ledger.Weight())

	ledger.RecordUpheldChallengeAgainst(t.Context())
	require.InDelta(t, 1.5, ledger.Weight(), 1e-9)
}

func TestLoadFromChainRehydratesState(t *testing.T) {
	chain := &fakeChain{remote: &domain.MediatorReputation{
		MediatorID:         "mediator-1",
		SuccessfulClosures: 10,
		Weight:             5,
	}}
	ledger := reputation.New("mediator-1", chain)

	require.NoError(t, ledger.LoadFromChain(t.Context()))
	require.Equal(t, 5.0, ledger.Weight())
	require.Equal(t, uint64(10), ledger.Snapshot().SuccessfulClosures)
}

func TestEveryMutationPublishesSnapshot(t *testing.T) {
	chain := &fakeChain{}
	ledger := reputation.New("mediator-1", chain)

	ledger.RecordSuccessfulClosure(t.Context())
	ledger.RecordForfeitedFee(t.Context())

	chain.mu.Lock()
	defer chain.mu.Unlock()
	require.Len(t, chain.published, 2)
}

func TestLoadFromChainFallsBackToFileCacheOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reputation.json")

	chain := &fakeChain{}
	primed := reputation.New("mediator-1", chain, reputation.WithFilePath(path))
	primed.RecordSuccessfulClosure(t.Context())

	failingChain := &fakeChain{getErr: errors.New("ledger unreachable")}
	recovered := reputation.New("mediator-1", failingChain, reputation.WithFilePath(path))
	require.NoError(t, recovered.LoadFromChain(t.Context()))
	require.Equal(t, uint64(1), recovered.Snapshot().SuccessfulClosures)
}

func TestLoadFromChainPropagatesErrorWithoutFileCache(t *testing.T) {
	failingChain := &fakeChain{getErr: errors.New("ledger unreachable")}
	ledger := reputation.New("mediator-1", failingChain)
	require.Error(t, ledger.LoadFromChain(t.Context()))
}
