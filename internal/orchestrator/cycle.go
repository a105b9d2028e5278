package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"mediator/internal/domain"
	"mediator/internal/observability/logging"
	"mediator/internal/vectorindex"
)

// candidateTopK is the per-intent candidate pool size the vector index is
// asked for before pair-level filtering and ranking.
const candidateTopK = 20

// runCycle executes one alignment cycle: embed, upsert, query, filter,
// negotiate, submit. Every step failure is logged and skipped rather than
// aborting the cycle, per spec §7's propagation policy.
func (o *Orchestrator) runCycle(ctx context.Context) {
	start := time.Now()
	outcome := "completed"
	defer func() {
		o.metrics.ObserveCycle(outcome, time.Since(start))
		o.health.recordCycle(start)
	}()

	// Step 1: snapshot the cache's current intent set.
	intents := o.cache.Snapshot()
	if len(intents) == 0 {
		return
	}

	// Step 2 & 3: embed any intent lacking one and upsert it into the index.
	// Embed is memoised so already-embedded intents cost no external call.
	live := make([]*domain.Intent, 0, len(intents))
	vectors := make(map[string][]float32, len(intents))
	for _, intent := range intents {
		if ctx.Err() != nil {
			outcome = "cycle_timeout"
			return
		}
		if intent.Status != domain.IntentPending {
			continue
		}
		embedding, tokens, err := o.embedder.Embed(ctx, intent)
		if err != nil {
			slog.Warn("orchestrator: embed failed, skipping intent this cycle",
				"fingerprint", intent.Fingerprint, "error", err)
			continue
		}
		if tokens > 0 {
			o.metrics.ObserveNegotiation(tokens, 0)
		}
		if err := o.index.Upsert(intent.Fingerprint, embedding.Vector, intent); err != nil {
			slog.Warn("orchestrator: vector index upsert failed",
				"fingerprint", intent.Fingerprint, "error", err)
			continue
		}
		live = append(live, intent)
		vectors[intent.Fingerprint] = embedding.Vector
	}

	// Step 4: gather top alignment candidates per intent, deduping by
	// unordered pair since both sides of a pair independently surface it.
	byFingerprint := make(map[string]*domain.Intent, len(live))
	for _, intent := range live {
		byFingerprint[intent.Fingerprint] = intent
	}
	resolve := func(fp string) (*domain.Intent, bool) {
		intent, ok := byFingerprint[fp]
		return intent, ok
	}

	seenPairs := make(map[string]struct{})
	var candidates []domain.AlignmentCandidate
	for _, intent := range live {
		vector, ok := vectors[intent.Fingerprint]
		if !ok {
			continue
		}
		found, err := vectorindex.TopAlignmentCandidates(o.index, intent, vector, candidateTopK, o.cfg.MinSimilarityThreshold, resolve)
		if err != nil {
			slog.Warn("orchestrator: vector index query failed", "fingerprint", intent.Fingerprint, "error", err)
			continue
		}
		for _, candidate := range found {
			key := domain.UnorderedPairKey(candidate.A.Fingerprint, candidate.B.Fingerprint)
			if _, dup := seenPairs[key]; dup {
				continue
			}
			seenPairs[key] = struct{}{}
			candidates = append(candidates, candidate)
		}
	}
	o.metrics.RecordCandidates(len(candidates))

	// Step 5: filter out pairs that already have a non-terminal settlement.
	activePairs := make(map[string]struct{})
	for _, settlement := range o.tracker.Active() {
		activePairs[domain.UnorderedPairKey(settlement.FingerprintA, settlement.FingerprintB)] = struct{}{}
	}
	filtered := candidates[:0]
	for _, candidate := range candidates {
		key := domain.UnorderedPairKey(candidate.A.Fingerprint, candidate.B.Fingerprint)
		if _, settling := activePairs[key]; settling {
			continue
		}
		filtered = append(filtered, candidate)
	}
	candidates = filtered

	// Step 6: rank by priority and take the first maxPerCycle. Ties break on
	// the neighbour's offered fee, then earlier timestamp, then
	// lexicographic fingerprint, matching VectorIndex's tie-break rule so
	// ranking stays deterministic end to end.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if candidates[i].B.OfferedFee != candidates[j].B.OfferedFee {
			return candidates[i].B.OfferedFee > candidates[j].B.OfferedFee
		}
		if candidates[i].B.Timestamp != candidates[j].B.Timestamp {
			return candidates[i].B.Timestamp < candidates[j].B.Timestamp
		}
		return candidates[i].B.Fingerprint < candidates[j].B.Fingerprint
	})
	maxPerCycle := o.cfg.MaxCandidatesPerCycle
	if maxPerCycle <= 0 {
		maxPerCycle = 3
	}
	if len(candidates) > maxPerCycle {
		candidates = candidates[:maxPerCycle]
	}

	// Step 7: negotiate and submit each selected pair, respecting the
	// per-cycle LLM-call budget and wall-clock deadline.
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			outcome = "cycle_timeout"
			return
		}
		if !o.llmLimiter.Allow() {
			slog.Info("orchestrator: llm call budget exhausted, deferring remaining candidates this cycle",
				"remaining", len(candidates))
			break
		}
		o.negotiateAndSubmit(ctx, candidate)
	}
}

func (o *Orchestrator) negotiateAndSubmit(ctx context.Context, candidate domain.AlignmentCandidate) {
	negotiationStart := time.Now()
	result, err := o.negotiator.Negotiate(ctx, candidate.A, candidate.B)
	o.metrics.ObserveNegotiation(result.Tokens, time.Since(negotiationStart))
	if err != nil {
		slog.Warn("orchestrator: negotiation failed",
			"fingerprint_a", candidate.A.Fingerprint, "fingerprint_b", candidate.B.Fingerprint, "error", err)
		return
	}
	if !result.Success {
		// RefusalReason is model-generated text grounded in two parties'
		// own prose. "refusal_reason" is not on the redaction allowlist, so
		// any non-empty reason is masked and a successful injection can't
		// smuggle itself into the log stream.
		slog.Info("orchestrator: negotiation declined",
			"fingerprint_a", candidate.A.Fingerprint, "fingerprint_b", candidate.B.Fingerprint,
			"reason", logging.MaskField("refusal_reason", result.RefusalReason), "confidence", result.Confidence)
		return
	}

	facilitationFee := (candidate.A.OfferedFee + candidate.B.OfferedFee) * o.cfg.FacilitationFeePercent / 100
	_, err = o.tracker.Submit(ctx, o.mediatorID, candidate.A.Fingerprint, candidate.B.Fingerprint,
		result.Terms, result.Reasoning, result.ModelIntegrityHash,
		facilitationFee, o.cfg.FacilitationFeePercent, o.cfg.AcceptanceWindow())
	if err != nil {
		slog.Warn("orchestrator: settlement submission failed",
			"fingerprint_a", candidate.A.Fingerprint, "fingerprint_b", candidate.B.Fingerprint, "error", err)
	}
}
