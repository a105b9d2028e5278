// Package orchestrator composes every mediation component into the three
// periodic loops spec.md describes: ingest, alignment cycle, and settlement
// monitor. It owns the health snapshot and the /healthz, /metrics HTTP
// surface, matching the teacher's AdminServer shape.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"mediator/internal/breaker"
	"mediator/internal/challenge"
	"mediator/internal/config"
	"mediator/internal/domain"
	"mediator/internal/intentcache"
	"mediator/internal/llm"
	"mediator/internal/observability/metrics"
	"mediator/internal/reputation"
	"mediator/internal/settlementtracker"
	"mediator/internal/vectorindex"
)

// llmCallsPerCycle bounds the number of negotiation LLM calls a single
// cycle may spend, independent of maxCandidatesPerCycle so the budget can be
// tuned without changing how many settlements a cycle proposes.
const llmCallsPerCycle = 6

// shutdownDrainDeadline bounds how long the /healthz and /metrics HTTP
// server's graceful shutdown may take once cancellation is signalled. The
// periodic loops return at their next select on the cancelled context and
// are not bounded by it.
const shutdownDrainDeadline = 10 * time.Second

// ChainAdapter is the subset of chainadapter.Adapter the orchestrator calls
// directly; every other component depends on its own narrower interface.
type ChainAdapter interface {
	ListPendingIntents(ctx context.Context) ([]*domain.Intent, error)
	BreakerState() breaker.State
}

// Orchestrator wires the ChainAdapter, IntentCache, VectorIndex, Embedder,
// Negotiator, SettlementTracker, ChallengeDetector, and ReputationLedger
// into the running mediation engine.
type Orchestrator struct {
	cfg        config.Config
	mediatorID string

	chain      ChainAdapter
	cache      *intentcache.Cache
	cacheStore *intentcache.Store
	index      *vectorindex.Index
	store      *vectorindex.Store
	embedder   *llm.Embedder
	negotiator *llm.Negotiator
	tracker    *settlementtracker.Tracker
	detector   *challenge.Detector
	reputation *reputation.Ledger
	metrics    *metrics.Mediator

	llmLimiter *rate.Limiter

	health healthState

	// claimedFee and closedRecorded are touched only by the settlement
	// monitor loop goroutine; no lock is needed.
	claimedFee     map[string]bool
	closedRecorded map[string]bool
}

// New constructs an Orchestrator. store and cacheStore may both be nil, in
// which case the VectorIndex and IntentCache run without warm-restart
// persistence.
func New(cfg config.Config, mediatorID string, chain ChainAdapter, cache *intentcache.Cache, cacheStore *intentcache.Store, index *vectorindex.Index, store *vectorindex.Store, embedder *llm.Embedder, negotiator *llm.Negotiator, tracker *settlementtracker.Tracker, detector *challenge.Detector, reputationLedger *reputation.Ledger) *Orchestrator {
	cyclePeriod := cfg.AlignmentCyclePeriod.Duration
	if cyclePeriod <= 0 {
		cyclePeriod = 30 * time.Second
	}
	return &Orchestrator{
		cfg:            cfg,
		mediatorID:     mediatorID,
		chain:          chain,
		cache:          cache,
		cacheStore:     cacheStore,
		index:          index,
		store:          store,
		embedder:       embedder,
		negotiator:     negotiator,
		tracker:        tracker,
		detector:       detector,
		reputation:     reputationLedger,
		metrics:        metrics.Registry(),
		llmLimiter:     rate.NewLimiter(rate.Every(cyclePeriod/llmCallsPerCycle), llmCallsPerCycle),
		claimedFee:     make(map[string]bool),
		closedRecorded: make(map[string]bool),
	}
}

// Run starts the ingest, cycle, and settlement-monitor loops plus the
// /healthz and /metrics HTTP server, blocking until ctx is cancelled or a
// loop fails fatally.
func (o *Orchestrator) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	httpServer := o.newHTTPServer()
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("orchestrator: http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainDeadline)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	group.Go(func() error { return o.ingestLoop(gctx) })
	group.Go(func() error { return o.cycleLoop(gctx) })
	group.Go(func() error { return o.settlementMonitorLoop(gctx) })

	err := group.Wait()

	if o.store != nil {
		intents := make(map[string]*domain.Intent)
		for _, intent := range o.cache.Snapshot() {
			intents[intent.Fingerprint] = intent
		}
		if perr := o.store.Save(o.index, intents); perr != nil {
			slog.Error("orchestrator: failed to persist vector index on shutdown", "error", perr)
		}
	}
	return err
}

func (o *Orchestrator) ingestLoop(ctx context.Context) error {
	period := o.cfg.IngestPeriod.Duration
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var inFlight bool
	var mu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mu.Lock()
			if inFlight {
				mu.Unlock()
				slog.Warn("orchestrator: ingest tick skipped, prior ingest still in flight")
				continue
			}
			inFlight = true
			mu.Unlock()

			// Ingest runs in its own goroutine so a slow ledger response
			// cannot stall the ticker loop's ability to detect and skip the
			// next overlapping tick.
			go func() {
				defer func() {
					mu.Lock()
					inFlight = false
					mu.Unlock()
				}()
				o.ingestTick(ctx)
			}()
		}
	}
}

func (o *Orchestrator) ingestTick(ctx context.Context) {
	intents, err := o.chain.ListPendingIntents(ctx)
	o.metrics.SetCircuitState("ledger", int(o.chain.BreakerState()))
	if err != nil {
		o.metrics.RecordIngestError()
		slog.Warn("orchestrator: ingest failed", "error", err)
		return
	}
	dropped := o.cache.Reconcile(intents)
	for _, fingerprint := range dropped {
		o.embedder.Forget(fingerprint)
		o.index.Remove(fingerprint)
	}
	if o.cacheStore != nil {
		if err := o.cacheStore.Save(o.cache.Snapshot()); err != nil {
			slog.Warn("orchestrator: failed to snapshot intent cache", "error", err)
		}
	}
	o.health.recordIngest(time.Now())
}

func (o *Orchestrator) cycleLoop(ctx context.Context) error {
	period := o.cfg.AlignmentCyclePeriod.Duration
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(ctx, period)
			o.runCycle(cycleCtx)
			cancel()
		}
	}
}

func (o *Orchestrator) settlementMonitorLoop(ctx context.Context) error {
	period := o.cfg.SettlementMonitorPeriod.Duration
	if period <= 0 {
		period = 60 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.monitorTick(ctx)
		}
	}
}

func (o *Orchestrator) monitorTick(ctx context.Context) {
	for _, settlement := range o.tracker.Active() {
		updated, err := o.tracker.PollStatus(ctx, settlement.ID)
		if err != nil {
			slog.Warn("orchestrator: poll settlement status failed", "settlement_id", settlement.ID, "error", err)
			continue
		}
		switch updated.Status {
		case domain.SettlementAccepted:
			if o.claimedFee[updated.ID] {
				continue
			}
			if err := o.tracker.SubmitFeeClaim(ctx, updated.ID); err != nil {
				slog.Warn("orchestrator: fee claim submission failed", "settlement_id", updated.ID, "error", err)
				continue
			}
			o.claimedFee[updated.ID] = true
		case domain.SettlementClosed:
			if o.closedRecorded[updated.ID] {
				continue
			}
			o.reputation.RecordSuccessfulClosure(ctx)
			o.closedRecorded[updated.ID] = true
		}
	}

	count, err := o.detector.Scan(ctx)
	if err != nil {
		slog.Warn("orchestrator: challenge scan failed", "error", err)
		return
	}
	o.health.recordChallengesScanned(count)
}

// healthState tracks the fields spec §7 names for the health endpoint.
type healthState struct {
	mu                sync.RWMutex
	lastIngest        time.Time
	lastCycle         time.Time
	lastChallengeScan int
}

func (h *healthState) recordIngest(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastIngest = t
}

func (h *healthState) recordCycle(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCycle = t
}

func (h *healthState) recordChallengesScanned(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastChallengeScan = n
}

// healthResponse is the JSON payload served at /healthz.
type healthResponse struct {
	LastIngest        string  `json:"last_ingest"`
	LastCycle         string  `json:"last_cycle"`
	IntentsCached     int     `json:"intents_cached"`
	SettlementsOpen   int     `json:"settlements_open"`
	ChallengesPending int     `json:"challenges_pending"`
	CircuitState      string  `json:"circuit_state"`
	ReputationWeight  float64 `json:"reputation_weight"`
}

func (o *Orchestrator) newHTTPServer() *http.Server {
	router := chi.NewRouter()
	router.Get("/healthz", o.handleHealthz)
	router.Handle("/metrics", promhttp.Handler())

	addr := o.cfg.ListenAddress
	if addr == "" {
		addr = ":8080"
	}
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (o *Orchestrator) handleHealthz(w http.ResponseWriter, r *http.Request) {
	o.health.mu.RLock()
	lastIngest := o.health.lastIngest
	lastCycle := o.health.lastCycle
	o.health.mu.RUnlock()

	resp := healthResponse{
		IntentsCached:     o.cache.Len(),
		SettlementsOpen:   len(o.tracker.Active()),
		ChallengesPending: o.health.lastChallengeScan,
		CircuitState:      o.chain.BreakerState().String(),
		ReputationWeight:  o.reputation.Weight(),
	}
	if !lastIngest.IsZero() {
		resp.LastIngest = lastIngest.UTC().Format(time.RFC3339)
	}
	if !lastCycle.IsZero() {
		resp.LastCycle = lastCycle.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
