// Package settlementtracker owns every ProposedSettlement this mediator has
// submitted from creation through a terminal status, enforcing at-most-one
// non-terminal settlement per unordered intent-fingerprint pair and driving
// idempotent fee-claim submission once a settlement is accepted.
package settlementtracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mediator/internal/chainadapter"
	"mediator/internal/domain"
	"mediator/internal/mediatorerr"
	"mediator/internal/observability/metrics"
)

// settlementForwardTransitions is the state machine's allowed-forward-edge
// set: proposed -> accepted|rejected|challenged; challenged ->
// closed|rejected; accepted -> closed. Anything else reported by the chain
// is not a forward move. A status equal to the current one is not in this
// set; isForwardTransition accepts it separately as a no-op.
var settlementForwardTransitions = map[domain.SettlementStatus]map[domain.SettlementStatus]bool{
	domain.SettlementProposed: {
		domain.SettlementAccepted:   true,
		domain.SettlementRejected:   true,
		domain.SettlementChallenged: true,
		// closed is reachable transitively via accepted; a poll gap can
		// observe both edges collapsed into one chain response.
		domain.SettlementClosed: true,
	},
	domain.SettlementChallenged: {
		domain.SettlementClosed:   true,
		domain.SettlementRejected: true,
	},
	domain.SettlementAccepted: {
		domain.SettlementClosed: true,
	},
}

// isForwardTransition reports whether moving from `from` to `to` is a valid
// forward step in the settlement DAG (or a no-op restatement of the same
// status); false means the chain reported a regression.
func isForwardTransition(from, to domain.SettlementStatus) bool {
	if from == to {
		return true
	}
	return settlementForwardTransitions[from][to]
}

// ChainAdapter is the subset of chainadapter.Adapter the tracker depends on.
type ChainAdapter interface {
	SubmitEntry(ctx context.Context, clientToken string, entry any) error
	GetSettlementStatus(ctx context.Context, settlementID string) (*domain.ProposedSettlement, error)
}

// Tracker is safe for concurrent use; all mutation methods take the same
// mutex, matching the single-writer-map discipline the teacher's payout
// processor uses for its processed-intent map.
type Tracker struct {
	mu       sync.Mutex
	byID     map[string]*domain.ProposedSettlement
	byPair   map[string]string // unordered pair key -> settlement id, only while non-terminal
	chain    ChainAdapter
	metrics  *metrics.Mediator
	now      func() time.Time
	tracer   trace.Tracer
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.now = clock }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *metrics.Mediator) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New constructs a Tracker against chain.
func New(chain ChainAdapter, opts ...Option) *Tracker {
	t := &Tracker{
		byID:    make(map[string]*domain.ProposedSettlement),
		byPair:  make(map[string]string),
		chain:   chain,
		metrics: metrics.Registry(),
		now:     time.Now,
		tracer:  otel.Tracer("settlementtracker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// ErrPairAlreadySettling is returned by Submit when the unordered pair
// (fingerprintA, fingerprintB) already has a non-terminal settlement.
var ErrPairAlreadySettling = fmt.Errorf("settlementtracker: pair already has a non-terminal settlement")

// Submit registers and submits a new settlement proposal for the given pair
// and terms, enforcing the at-most-one non-terminal invariant. acceptance
// window and facilitation fee come from the caller (orchestrator), which
// owns configuration.
func (t *Tracker) Submit(ctx context.Context, mediatorID, fpA, fpB string, terms domain.ProposedTerms, reasoning, integrityHash string, facilitationFee, feePercent float64, acceptanceWindow time.Duration) (*domain.ProposedSettlement, error) {
	pairKey := domain.UnorderedPairKey(fpA, fpB)

	t.mu.Lock()
	if existing, ok := t.byPair[pairKey]; ok {
		t.mu.Unlock()
		return nil, mediatorerr.Invariant("Tracker.Submit", fmt.Errorf("%w: existing settlement %s", ErrPairAlreadySettling, existing))
	}
	t.mu.Unlock()

	ctx, span := t.tracer.Start(ctx, "settlementtracker.submit",
		trace.WithAttributes(attribute.String("pair_key", pairKey)))
	defer span.End()

	now := t.now()
	settlement := &domain.ProposedSettlement{
		ID:                 uuid.NewString(),
		FingerprintA:       fpA,
		FingerprintB:       fpB,
		ReasoningTrace:     reasoning,
		Terms:              terms,
		FacilitationFee:    facilitationFee,
		FeePercent:         feePercent,
		ModelIntegrityHash: integrityHash,
		MediatorID:         mediatorID,
		Timestamp:          domain.NowMillis(now),
		Status:             domain.SettlementProposed,
		AcceptanceDeadline: domain.NowMillis(now.Add(acceptanceWindow)),
	}

	// Reserve the pair before the network call so a concurrent Submit for
	// the same pair fails fast rather than racing the chain write.
	t.mu.Lock()
	if _, ok := t.byPair[pairKey]; ok {
		t.mu.Unlock()
		return nil, mediatorerr.Invariant("Tracker.Submit", ErrPairAlreadySettling)
	}
	t.byPair[pairKey] = settlement.ID
	t.byID[settlement.ID] = settlement
	t.mu.Unlock()

	clientToken := "settlement-submit-" + settlement.ID
	if err := t.chain.SubmitEntry(ctx, clientToken, settlement); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		t.mu.Lock()
		delete(t.byPair, pairKey)
		delete(t.byID, settlement.ID)
		t.mu.Unlock()
		t.metrics.RecordSettlement("submit_failed")
		return nil, err
	}

	t.metrics.RecordSettlement("submitted")
	span.SetStatus(codes.Ok, "submitted")
	return settlement, nil
}

// PollStatus fetches the current status for settlementID from the chain and
// updates local bookkeeping, releasing the pair reservation once terminal.
func (t *Tracker) PollStatus(ctx context.Context, settlementID string) (*domain.ProposedSettlement, error) {
	remote, err := t.chain.GetSettlementStatus(ctx, settlementID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	local, ok := t.byID[settlementID]
	if !ok {
		return remote, nil
	}
	previousStatus := local.Status
	if !isForwardTransition(previousStatus, remote.Status) {
		slog.Warn("settlementtracker: chain reported a status regression, keeping local state authoritative",
			"settlement_id", settlementID, "local_status", string(previousStatus), "remote_status", string(remote.Status))
		return local, nil
	}
	*local = *remote

	if local.Status.Terminal() && !previousStatus.Terminal() {
		pairKey := domain.UnorderedPairKey(local.FingerprintA, local.FingerprintB)
		delete(t.byPair, pairKey)
		t.metrics.RecordSettlement(string(local.Status))
		slog.Info("settlementtracker: settlement reached terminal status",
			"settlement_id", settlementID, "status", string(local.Status))
	}
	return local, nil
}

// SubmitFeeClaim submits an idempotent fee-claim entry for an accepted
// settlement, using a client token stable across retries of the same claim
// so a resubmission after a transient failure never double-claims.
func (t *Tracker) SubmitFeeClaim(ctx context.Context, settlementID string) error {
	t.mu.Lock()
	settlement, ok := t.byID[settlementID]
	t.mu.Unlock()
	if !ok {
		return mediatorerr.Invariant("Tracker.SubmitFeeClaim", fmt.Errorf("unknown settlement %s", settlementID))
	}
	if settlement.Status != domain.SettlementAccepted {
		return mediatorerr.Invariant("Tracker.SubmitFeeClaim", fmt.Errorf("settlement %s not accepted (status %s)", settlementID, settlement.Status))
	}

	clientToken := "fee-claim-" + settlementID
	claim := chainadapter.PayoutClaim{
		SettlementID: settlementID,
		Amount:       settlement.FacilitationFee,
	}

	return t.chain.SubmitEntry(ctx, clientToken, claim)
}

// Active returns every locally-tracked non-terminal settlement.
func (t *Tracker) Active() []*domain.ProposedSettlement {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*domain.ProposedSettlement, 0, len(t.byPair))
	for _, id := range t.byPair {
		if s, ok := t.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the locally-tracked settlement by id.
func (t *Tracker) Get(settlementID string) (*domain.ProposedSettlement, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[settlementID]
	return s, ok
}
