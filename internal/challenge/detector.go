// Package challenge implements the ChallengeDetector: it scans settlements
// proposed by other mediators, asks the Negotiator's verification template
// whether any contradicts the intent it claims to resolve, and submits a
// challenge entry when confidence clears the submission threshold.
package challenge

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mediator/internal/domain"
	"mediator/internal/llm"
	"mediator/internal/observability/metrics"
)

// ChainAdapter is the subset of chainadapter.Adapter the detector depends on.
type ChainAdapter interface {
	ListRecentSettlements(ctx context.Context, sinceMillis int64) ([]*domain.ProposedSettlement, error)
	GetIntent(ctx context.Context, fingerprint string) (*domain.Intent, error)
	SubmitEntry(ctx context.Context, clientToken string, entry any) error
}

// Verifier is the subset of llm.Negotiator the detector depends on.
type Verifier interface {
	Verify(ctx context.Context, intent *domain.Intent, settlement *domain.ProposedSettlement) (llm.ContradictionAnalysis, error)
}

// Detector scans foreign settlements and submits challenges on this
// mediator's behalf.
type Detector struct {
	chain              ChainAdapter
	verifier           Verifier
	metrics            *metrics.Mediator
	now                func() time.Time
	lookback           time.Duration
	submissionsEnabled bool
	minConfidence      float64
	ownMediatorID      string
}

// Option customises a Detector.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) { d.now = clock }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *metrics.Mediator) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithLookback overrides the window of recent settlements scanned each pass.
func WithLookback(window time.Duration) Option {
	return func(d *Detector) {
		if window > 0 {
			d.lookback = window
		}
	}
}

// New constructs a Detector. submissionsEnabled and minConfidence mirror the
// configuration surface's challenge_submission_enabled and
// min_challenge_confidence keys.
func New(ownMediatorID string, chain ChainAdapter, verifier Verifier, submissionsEnabled bool, minConfidence float64, opts ...Option) *Detector {
	d := &Detector{
		chain:              chain,
		verifier:           verifier,
		metrics:            metrics.Registry(),
		now:                time.Now,
		lookback:           time.Hour,
		submissionsEnabled: submissionsEnabled,
		minConfidence:      minConfidence,
		ownMediatorID:      ownMediatorID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Scan fetches recently-proposed foreign settlements, verifies each against
// its claimed intent, and submits a challenge for any contradiction whose
// confidence clears the submission threshold. It returns the number of
// challenges submitted.
func (d *Detector) Scan(ctx context.Context) (int, error) {
	sinceMillis := domain.NowMillis(d.now().Add(-d.lookback))
	settlements, err := d.chain.ListRecentSettlements(ctx, sinceMillis)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, settlement := range settlements {
		if settlement == nil || settlement.MediatorID == d.ownMediatorID {
			continue
		}
		did, err := d.evaluate(ctx, settlement)
		if err != nil {
			slog.Warn("challenge: evaluation failed", "settlement_id", settlement.ID, "error", err)
			continue
		}
		if did {
			submitted++
		}
	}
	return submitted, nil
}

// evaluate checks a single foreign settlement against both intents it
// claims to resolve and submits a challenge if warranted, reporting whether
// one was submitted.
func (d *Detector) evaluate(ctx context.Context, settlement *domain.ProposedSettlement) (bool, error) {
	for _, fp := range []string{settlement.FingerprintA, settlement.FingerprintB} {
		intent, err := d.chain.GetIntent(ctx, fp)
		if err != nil || intent == nil {
			continue
		}

		analysis, err := d.verifier.Verify(ctx, intent, settlement)
		if err != nil {
			return false, err
		}
		if !analysis.HasContradiction || analysis.Confidence < d.minConfidence {
			continue
		}

		d.metrics.RecordChallenge("detected")
		if !d.submissionsEnabled {
			slog.Info("challenge: contradiction detected but submissions disabled",
				"settlement_id", settlement.ID, "confidence", analysis.Confidence)
			continue
		}

		challengeEntry := domain.Challenge{
			ID:                 uuid.NewString(),
			TargetSettlementID: settlement.ID,
			ChallengerID:       d.ownMediatorID,
			ContradictionProof: analysis.ContradictionProof,
			ParaphraseEvidence: analysis.ParaphraseEvidence,
			Status:             domain.ChallengePending,
		}
		clientToken := "challenge-" + challengeEntry.ID
		if err := d.chain.SubmitEntry(ctx, clientToken, challengeEntry); err != nil {
			d.metrics.RecordChallenge("submit_failed")
			return false, err
		}
		d.metrics.RecordChallenge("submitted")
		return true, nil
	}
	return false, nil
}
