// Package reputation tracks this mediator's own standing: the four
// monotone counters spec.md defines and the derived weight, loaded from the
// chain at startup and republished whenever a counter changes.
package reputation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mediator/internal/domain"
	"mediator/internal/observability/metrics"
)

// ChainAdapter is the subset of chainadapter.Adapter the ledger depends on.
type ChainAdapter interface {
	GetReputation(ctx context.Context, mediatorID string) (*domain.MediatorReputation, error)
	PublishReputation(ctx context.Context, rep *domain.MediatorReputation) error
}

// Ledger owns this mediator's reputation counters exclusively; every other
// component only ever reads the derived weight.
type Ledger struct {
	mu       sync.Mutex
	state    domain.MediatorReputation
	chain    ChainAdapter
	metrics  *metrics.Mediator
	now      func() time.Time
	filePath string
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *metrics.Mediator) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithFilePath enables a local reputation.json cache at path: LoadFromChain
// falls back to it when the chain call fails, and every mutate call
// refreshes it, matching the documented persisted-state layout. Without
// this option the ledger holds its state purely in memory, which is what
// every existing caller that doesn't supply it gets.
func WithFilePath(path string) Option {
	return func(l *Ledger) { l.filePath = path }
}

// New constructs a Ledger for mediatorID backed by chain.
func New(mediatorID string, chain ChainAdapter, opts ...Option) *Ledger {
	l := &Ledger{
		state:   domain.MediatorReputation{MediatorID: mediatorID},
		chain:   chain,
		metrics: metrics.Registry(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// LoadFromChain rehydrates the local counters from the ledger's recorded
// state, used once at startup. A failure here falls back to the local
// reputation.json cache (if WithFilePath was given); if that is also
// unavailable the ledger simply starts from zero counters and reconciles as
// challenges and closures are observed going forward.
func (l *Ledger) LoadFromChain(ctx context.Context) error {
	remote, err := l.chain.GetReputation(ctx, l.state.MediatorID)
	if err != nil {
		if cached, cacheErr := l.loadFromFile(); cacheErr == nil && cached != nil {
			l.mu.Lock()
			l.state = *cached
			l.mu.Unlock()
			l.metrics.SetReputationWeight(cached.Weight)
			slog.Warn("reputation: chain load failed, recovered from local cache", "error", err)
			return nil
		}
		return err
	}
	if remote == nil {
		return nil
	}
	l.mu.Lock()
	l.state = *remote
	l.mu.Unlock()
	l.metrics.SetReputationWeight(remote.Weight)
	l.saveToFile(*remote)
	return nil
}

// loadFromFile reads the local reputation.json cache, returning (nil, nil)
// when no file path is configured or the file does not exist.
func (l *Ledger) loadFromFile() (*domain.MediatorReputation, error) {
	if l.filePath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(l.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state domain.MediatorReputation
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("reputation: decode cache: %w", err)
	}
	return &state, nil
}

// saveToFile atomically overwrites the local reputation.json cache with
// state: write to a temp file in the same directory, fsync, close, rename.
// Best-effort: a failure here is logged, never returned, since the chain
// remains the authoritative source of truth.
func (l *Ledger) saveToFile(state domain.MediatorReputation) {
	if l.filePath == "" {
		return
	}
	dir := filepath.Dir(l.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("reputation: failed to create cache directory", "error", err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".reputation-*.tmp")
	if err != nil {
		slog.Warn("reputation: failed to create cache temp file", "error", err)
		return
	}
	tmpPath := tmp.Name()
	writeErr := func() error {
		w := bufio.NewWriter(tmp)
		if err := json.NewEncoder(w).Encode(state); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return tmp.Sync()
	}()
	if cerr := tmp.Close(); cerr != nil && writeErr == nil {
		writeErr = cerr
	}
	if writeErr != nil {
		os.Remove(tmpPath)
		slog.Warn("reputation: failed to write cache", "error", writeErr)
		return
	}
	if err := os.Rename(tmpPath, l.filePath); err != nil {
		os.Remove(tmpPath)
		slog.Warn("reputation: failed to rename cache into place", "error", err)
	}
}

// RecordSuccessfulClosure increments the successful-closures counter,
// called when a settlement this mediator proposed reaches closed status.
func (l *Ledger) RecordSuccessfulClosure(ctx context.Context) {
	l.mutate(ctx, func(s *domain.MediatorReputation) { s.SuccessfulClosures++ })
}

// RecordFailedChallenge increments the failed-challenges counter, called
// when a challenge submitted against a foreign mediator is rejected by the
// ledger's adjudication (i.e. this mediator's challenge failed).
func (l *Ledger) RecordFailedChallenge(ctx context.Context) {
	l.mutate(ctx, func(s *domain.MediatorReputation) { s.FailedChallenges++ })
}

// RecordUpheldChallengeAgainst increments the upheld-challenges-against
// counter, called when a challenge submitted against this mediator's own
// settlement is upheld.
func (l *Ledger) RecordUpheldChallengeAgainst(ctx context.Context) {
	l.mutate(ctx, func(s *domain.MediatorReputation) { s.UpheldChallengesAgainst++ })
}

// RecordForfeitedFee increments the forfeited-fees counter, called when an
// upheld challenge also triggers forfeiture of the associated facilitation
// fee.
func (l *Ledger) RecordForfeitedFee(ctx context.Context) {
	l.mutate(ctx, func(s *domain.MediatorReputation) { s.ForfeitedFees++ })
}

func (l *Ledger) mutate(ctx context.Context, apply func(*domain.MediatorReputation)) {
	l.mu.Lock()
	apply(&l.state)
	l.state.RecomputeWeight(l.now())
	snapshot := l.state
	l.mu.Unlock()

	l.metrics.SetReputationWeight(snapshot.Weight)
	l.saveToFile(snapshot)

	// Best-effort publish: a failure here is logged and naturally retried
	// on the next counter change, since Publish always sends the full
	// current snapshot rather than a delta.
	if err := l.chain.PublishReputation(ctx, &snapshot); err != nil {
		slog.Warn("reputation: publish failed, will retry on next update",
			"mediator_id", snapshot.MediatorID, "error", err)
	}
}

// Weight returns the current derived reputation weight.
func (l *Ledger) Weight() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Weight
}

// Snapshot returns a copy of the current reputation state.
func (l *Ledger) Snapshot() domain.MediatorReputation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
