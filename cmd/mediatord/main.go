// Command mediatord runs the intent-mediation engine: it ingests pending
// intents from the ledger, proposes settlements for compatible pairs,
// tracks them through to close, claims facilitation fees, challenges
// contradictory settlements proposed by other mediators, and republishes
// this mediator's own reputation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	telemetry "mediator/internal/observability/otel"

	"mediator/internal/challenge"
	"mediator/internal/chainadapter"
	"mediator/internal/config"
	"mediator/internal/intentcache"
	"mediator/internal/llm"
	"mediator/internal/observability/logging"
	"mediator/internal/orchestrator"
	"mediator/internal/reputation"
	"mediator/internal/settlementtracker"
	"mediator/internal/vectorindex"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to mediatord configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MEDIATOR_ENV"))
	logging.Setup("mediatord", env)

	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	shutdownTelemetry, err := initTelemetry(env)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	llm.ConfigureAudit(cfg.InjectionAuditLogPath)

	chain, err := buildChainAdapter(cfg)
	if err != nil {
		return fmt.Errorf("build chain adapter: %w", err)
	}

	cache := intentcache.New(cfg.MaxIntentsCache)
	cacheStore, err := intentcache.OpenStore(cfg.CacheFilePath())
	if err != nil {
		return fmt.Errorf("open intent cache store: %w", err)
	}
	if warm, err := cacheStore.Load(); err != nil {
		slog.Warn("mediatord: failed to warm-restart intent cache", "error", err)
	} else if len(warm) > 0 {
		cache.Reconcile(warm)
		slog.Info("mediatord: warm-restarted intent cache", "intents", len(warm))
	}

	index := vectorindex.New(cfg.Embedding.Dimension)
	store, err := vectorindex.OpenStore(cfg.VectorDir())
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	if n, err := store.Load(index); err != nil {
		slog.Warn("mediatord: failed to warm-restart vector index", "error", err)
	} else {
		slog.Info("mediatord: warm-restarted vector index", "vectors", n)
	}

	embeddingProvider, err := buildEmbeddingProvider(cfg)
	if err != nil {
		return fmt.Errorf("build embedding provider: %w", err)
	}
	embedder := llm.NewEmbedder(embeddingProvider, cfg.Embedding.Provider == "fallback")

	chatProvider, err := buildChatProvider(cfg)
	if err != nil {
		return fmt.Errorf("build chat provider: %w", err)
	}
	negotiator := llm.NewNegotiator(chatProvider, cfg.LLM.ModelID, cfg.MinNegotiationConfidence)

	tracker := settlementtracker.New(chain)
	detector := challenge.New(cfg.Mediator.PublicKey, chain, negotiator, cfg.ChallengeSubmissionEnabled, cfg.MinChallengeConfidence)

	reputationLedger := reputation.New(cfg.Mediator.PublicKey, chain, reputation.WithFilePath(cfg.ReputationFilePath()))
	loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := reputationLedger.LoadFromChain(loadCtx); err != nil {
		slog.Warn("mediatord: failed to load reputation from chain, starting from zero", "error", err)
	}
	cancel()

	orch := orchestrator.New(cfg, cfg.Mediator.PublicKey, chain, cache, cacheStore, index, store, embedder, negotiator, tracker, detector, reputationLedger)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("mediatord: starting", "listen_address", cfg.ListenAddress, "chain_endpoint", cfg.Chain.EndpointURL)
	err = orch.Run(stopCtx)

	if cerr := store.Close(); cerr != nil {
		slog.Warn("mediatord: failed to close vector store", "error", cerr)
	}
	if cerr := cacheStore.Close(); cerr != nil {
		slog.Warn("mediatord: failed to close intent cache store", "error", cerr)
	}
	return err
}

// buildChainAdapter wires the ledger HTTP adapter together with the
// mediator's secp256k1 signing key and JWT bearer-token minting for writes.
func buildChainAdapter(cfg config.Config) (*chainadapter.Adapter, error) {
	var opts []chainadapter.Option
	if cfg.Mediator.PrivateKey != "" && cfg.Mediator.JWTSigningSecret != "" {
		signer, err := chainadapter.NewRequestSigner(cfg.Mediator.PublicKey, cfg.Mediator.PrivateKey, cfg.Mediator.JWTSigningSecret)
		if err != nil {
			return nil, fmt.Errorf("build request signer: %w", err)
		}
		opts = append(opts, chainadapter.WithSigner(signer))
	} else {
		slog.Warn("mediatord: mediator signing key or jwt secret not configured, ledger writes will be unsigned")
	}
	return chainadapter.New(cfg.Chain.EndpointURL, opts...)
}

// Default embedding endpoints for the OpenAI-compatible providers spec.md
// names; operators needing a different host set LLM_EMBEDDING_ENDPOINT.
const (
	defaultOpenAIEmbeddingEndpoint = "https://api.openai.com/v1/embeddings"
	defaultVoyageEmbeddingEndpoint = "https://api.voyageai.com/v1/embeddings"
	defaultCohereEmbeddingEndpoint = "https://api.cohere.ai/v1/embed"
)

func buildEmbeddingProvider(cfg config.Config) (llm.EmbeddingProvider, error) {
	switch cfg.Embedding.Provider {
	case "openai":
		endpoint := envOr("LLM_EMBEDDING_ENDPOINT", defaultOpenAIEmbeddingEndpoint)
		return llm.NewHTTPEmbeddingProvider(endpoint, cfg.Embedding.APIKey, cfg.Embedding.ModelID, cfg.Embedding.Dimension), nil
	case "voyage":
		endpoint := envOr("LLM_EMBEDDING_ENDPOINT", defaultVoyageEmbeddingEndpoint)
		return llm.NewHTTPEmbeddingProvider(endpoint, cfg.Embedding.APIKey, cfg.Embedding.ModelID, cfg.Embedding.Dimension), nil
	case "cohere":
		endpoint := envOr("LLM_EMBEDDING_ENDPOINT", defaultCohereEmbeddingEndpoint)
		return llm.NewHTTPEmbeddingProvider(endpoint, cfg.Embedding.APIKey, cfg.Embedding.ModelID, cfg.Embedding.Dimension), nil
	case "fallback":
		return llm.NewFallbackEmbeddingProvider(cfg.Embedding.Dimension), nil
	default:
		return nil, fmt.Errorf("unrecognised embedding provider %q", cfg.Embedding.Provider)
	}
}

const (
	defaultOpenAIChatEndpoint    = "https://api.openai.com/v1/chat/completions"
	defaultAnthropicChatEndpoint = "https://api.anthropic.com/v1/messages"
)

func buildChatProvider(cfg config.Config) (llm.ChatProvider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		endpoint := envOr("LLM_CHAT_ENDPOINT", defaultOpenAIChatEndpoint)
		return llm.NewHTTPChatProvider(endpoint, cfg.LLM.APIKey, cfg.LLM.ModelID, false), nil
	case "anthropic":
		endpoint := envOr("LLM_CHAT_ENDPOINT", defaultAnthropicChatEndpoint)
		return llm.NewHTTPChatProvider(endpoint, cfg.LLM.APIKey, cfg.LLM.ModelID, true), nil
	default:
		return nil, fmt.Errorf("unrecognised llm provider %q", cfg.LLM.Provider)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func initTelemetry(env string) (func(context.Context) error, error) {
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	return telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "mediatord",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
}
