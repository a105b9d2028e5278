package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"mediator/internal/domain"
	"mediator/internal/mediatorerr"
)

// EmbeddingProvider resolves a canonicalised text to a fixed-dimension
// vector. Implementations: httpEmbeddingProvider for openai/voyage/cohere,
// fallbackEmbeddingProvider for development.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, int, error)
}

// Embedder memoises embeddings by intent fingerprint so a restart-free
// process never re-pays for the same intent's vector twice.
type Embedder struct {
	mu       sync.Mutex
	cache    map[string][]float32
	provider EmbeddingProvider
	fallback bool
}

// NewEmbedder constructs an Embedder around provider. fallback indicates the
// provider is the deterministic hash-to-vector stand-in, which NewEmbedder logs a
// warning about since production deployments must disable it.
func NewEmbedder(provider EmbeddingProvider, fallback bool) *Embedder {
	if fallback {
		slog.Warn("llm: embedder configured with fallback hash-to-vector provider; disable for production")
	}
	return &Embedder{
		cache:    make(map[string][]float32),
		provider: provider,
		fallback: fallback,
	}
}

// CanonicalText builds the canonicalised text an intent's embedding is
// computed from: prose, then each desire, then each constraint, newline
// separated.
func CanonicalText(prose string, desires, constraints []string) string {
	var b strings.Builder
	b.WriteString(prose)
	b.WriteString("\n")
	b.WriteString(strings.Join(desires, "\n"))
	b.WriteString("\n")
	b.WriteString(strings.Join(constraints, "\n"))
	return b.String()
}

// Embed returns the memoised embedding for fingerprint, computing and
// caching it via the provider on first use. Concurrent first-calls for the
// same fingerprint race benignly: the first writer's vector wins and later
// ones are discarded, matching the first-writer-wins memoisation policy.
func (e *Embedder) Embed(ctx context.Context, intent *domain.Intent) (domain.Embedding, int, error) {
	e.mu.Lock()
	if cached, ok := e.cache[intent.Fingerprint]; ok {
		e.mu.Unlock()
		return domain.Embedding{Fingerprint: intent.Fingerprint, Vector: cached}, 0, nil
	}
	e.mu.Unlock()

	text := CanonicalText(intent.Prose, intent.Desires, intent.Constraints)
	vector, tokens, err := e.provider.Embed(ctx, text)
	if err != nil {
		return domain.Embedding{}, 0, mediatorerr.Transient("Embedder.Embed", err)
	}

	e.mu.Lock()
	if existing, ok := e.cache[intent.Fingerprint]; ok {
		e.mu.Unlock()
		return domain.Embedding{Fingerprint: intent.Fingerprint, Vector: existing}, tokens, nil
	}
	e.cache[intent.Fingerprint] = vector
	e.mu.Unlock()

	return domain.Embedding{Fingerprint: intent.Fingerprint, Vector: vector}, tokens, nil
}

// Forget drops a fingerprint's memoised embedding, called when the
// IntentCache evicts the intent so the map never grows unbounded.
func (e *Embedder) Forget(fingerprint string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, fingerprint)
}

// Len reports the number of memoised embeddings.
func (e *Embedder) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// httpEmbeddingProvider calls an OpenAI-compatible embeddings endpoint over
// bare net/http, the same shape as the corpus's reference embedding script:
// no SDK, a single POST, a response envelope decoded directly.
type httpEmbeddingProvider struct {
	client    *http.Client
	endpoint  string
	apiKey    string
	modelID   string
	dimension int
}

// NewHTTPEmbeddingProvider constructs a provider against an OpenAI-compatible
// embeddings endpoint (used for the openai/voyage/cohere provider configs,
// which all accept this request shape).
func NewHTTPEmbeddingProvider(endpoint, apiKey, modelID string, dimension int) EmbeddingProvider {
	return &httpEmbeddingProvider{
		client:    &http.Client{Timeout: 30 * time.Second},
		endpoint:  endpoint,
		apiKey:    apiKey,
		modelID:   modelID,
		dimension: dimension,
	}
}

type embeddingAPIRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingAPIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *httpEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, int, error) {
	reqBody := embeddingAPIRequest{Model: p.modelID, Input: []string{text}, Dimensions: p.dimension}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("embedding provider %d: %s", resp.StatusCode, string(body))
	}

	var decoded embeddingAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, 0, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return nil, 0, fmt.Errorf("embedding provider returned no vectors")
	}

	raw := decoded.Data[0].Embedding
	vector := make([]float32, len(raw))
	for i, v := range raw {
		vector[i] = float32(v)
	}
	if len(vector) != p.dimension {
		return nil, 0, fmt.Errorf("embedding provider returned dimension %d, want %d", len(vector), p.dimension)
	}
	return vector, decoded.Usage.TotalTokens, nil
}

// fallbackEmbeddingProvider deterministically hashes text into a unit-norm
// vector. It exists purely for local development against a mock chain; the
// config layer refuses to enable it without AllowFallbackEmbedding.
type fallbackEmbeddingProvider struct {
	dimension int
}

// NewFallbackEmbeddingProvider constructs the deterministic hash-to-vector
// provider.
func NewFallbackEmbeddingProvider(dimension int) EmbeddingProvider {
	return &fallbackEmbeddingProvider{dimension: dimension}
}

func (p *fallbackEmbeddingProvider) Embed(_ context.Context, text string) ([]float32, int, error) {
	vector := make([]float32, p.dimension)
	seed := blake3.Sum256([]byte(text))
	var sumSquares float64
	for i := range vector {
		b := seed[i%len(seed)]
		v := float32(b)/127.5 - 1
		vector[i] = v
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares > 0 {
		norm := float32(1 / math.Sqrt(sumSquares))
		for i := range vector {
			vector[i] *= norm
		}
	}
	return vector, 0, nil
}
