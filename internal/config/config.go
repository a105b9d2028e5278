// Package config defines the mediator's recognised configuration surface.
// Loading from environment variables or flags is the externalised CLI
// entrypoint's responsibility; this package only defines the shape, parses
// YAML documents into it, and validates the result.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be expressed as a human readable
// string in YAML documents (e.g. "30s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a scalar duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration back to its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ChainConfig configures the ChainAdapter's connection to the ledger.
type ChainConfig struct {
	EndpointURL string `yaml:"endpoint_url"`
	ChainID     string `yaml:"chain_id"`
}

// MediatorConfig identifies this mediator and its signing material.
type MediatorConfig struct {
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`

	// JWTSigningSecret is the shared HMAC secret the ledger's auth
	// middleware validates this mediator's bearer tokens against.
	JWTSigningSecret string `yaml:"jwt_signing_secret"`
}

// LLMConfig selects and authenticates the negotiation LLM provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic | openai
	APIKey   string `yaml:"api_key"`
	ModelID  string `yaml:"model_id"`
}

// EmbeddingConfig selects and authenticates the embedding provider.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // openai | voyage | cohere | fallback
	APIKey    string `yaml:"api_key"`
	ModelID   string `yaml:"model_id"`
	Dimension int    `yaml:"dimension"`
}

// VectorConfig configures the ANN index persistence.
type VectorConfig struct {
	// DirOverride, if set, replaces "<data_dir>/vectors" as the directory
	// holding index.bin and intent-map.json.
	DirOverride string `yaml:"dir_override"`
	Dimensions  int    `yaml:"dimensions"`
}

// Config is the full recognised configuration surface from spec §6.
type Config struct {
	Chain      ChainConfig     `yaml:"chain"`
	Mediator   MediatorConfig  `yaml:"mediator"`
	LLM        LLMConfig       `yaml:"llm"`
	Embedding  EmbeddingConfig `yaml:"embedding"`
	Vector     VectorConfig    `yaml:"vector"`

	FacilitationFeePercent float64 `yaml:"facilitation_fee_percent"`
	AcceptanceWindowHours  float64 `yaml:"acceptance_window_hours"`

	AlignmentCyclePeriod    Duration `yaml:"alignment_cycle_period"`
	IngestPeriod            Duration `yaml:"ingest_period"`
	SettlementMonitorPeriod Duration `yaml:"settlement_monitor_period"`

	MinNegotiationConfidence float64 `yaml:"min_negotiation_confidence"`
	MinSimilarityThreshold   float64 `yaml:"min_similarity_threshold"`
	MaxCandidatesPerCycle    int     `yaml:"max_candidates_per_cycle"`

	MaxIntentsCache int `yaml:"max_intents_cache"`

	ChallengeSubmissionEnabled bool    `yaml:"challenge_submission_enabled"`
	MinChallengeConfidence     float64 `yaml:"min_challenge_confidence"`

	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	// InjectionAuditLogPath rotates a record of every detected
	// prompt-injection attempt. Empty disables the audit sink.
	InjectionAuditLogPath string `yaml:"injection_audit_log_path"`

	// AllowFallbackEmbedding permits the deterministic hash-to-vector
	// embedding provider. Production deployments must leave this false.
	AllowFallbackEmbedding bool `yaml:"allow_fallback_embedding"`

	ListenAddress string `yaml:"listen_address"`
}

// Default returns the configuration defaults spec §6 names.
func Default() Config {
	return Config{
		FacilitationFeePercent:   2.5,
		AcceptanceWindowHours:    72,
		AlignmentCyclePeriod:     Duration{30 * time.Second},
		IngestPeriod:             Duration{10 * time.Second},
		SettlementMonitorPeriod:  Duration{60 * time.Second},
		MinNegotiationConfidence: 0.6,
		MinSimilarityThreshold:   0.5,
		MaxCandidatesPerCycle:    3,
		MaxIntentsCache:          10000,
		MinChallengeConfidence:   0.8,
		DataDir:                  "./data",
		LogLevel:                 "info",
		ListenAddress:            ":8080",
	}
}

// Parse decodes a YAML document into a Config seeded with Default values.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration surface for internally-consistent
// values; it does not reach out to the chain or LLM providers.
func (c Config) Validate() error {
	if c.Chain.EndpointURL == "" {
		return fmt.Errorf("config: chain.endpoint_url required")
	}
	if c.FacilitationFeePercent < 0 || c.FacilitationFeePercent > 100 {
		return fmt.Errorf("config: facilitation_fee_percent must be within [0,100]")
	}
	if c.MinNegotiationConfidence < 0 || c.MinNegotiationConfidence > 1 {
		return fmt.Errorf("config: min_negotiation_confidence must be within [0,1]")
	}
	if c.MinSimilarityThreshold < 0 || c.MinSimilarityThreshold > 1 {
		return fmt.Errorf("config: min_similarity_threshold must be within [0,1]")
	}
	if c.MinChallengeConfidence < 0 || c.MinChallengeConfidence > 1 {
		return fmt.Errorf("config: min_challenge_confidence must be within [0,1]")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding.dimension must be positive")
	}
	if c.Embedding.Provider == "fallback" && !c.AllowFallbackEmbedding {
		return fmt.Errorf("config: fallback embedding provider requires allow_fallback_embedding")
	}
	if c.MaxCandidatesPerCycle <= 0 {
		return fmt.Errorf("config: max_candidates_per_cycle must be positive")
	}
	return nil
}

// AcceptanceWindow returns the acceptance window as a time.Duration.
func (c Config) AcceptanceWindow() time.Duration {
	return time.Duration(c.AcceptanceWindowHours * float64(time.Hour))
}

// VectorDir returns the directory the VectorIndex persists index.bin and
// intent-map.json under: Vector.DirOverride if set, else "vectors" under
// DataDir, matching the documented persisted-state layout.
func (c Config) VectorDir() string {
	if c.Vector.DirOverride != "" {
		return c.Vector.DirOverride
	}
	return filepath.Join(c.DataDir, "vectors")
}

// ReputationFilePath returns the path reputation.Ledger persists its
// best-effort local cache at: "reputation.json" under DataDir.
func (c Config) ReputationFilePath() string {
	return filepath.Join(c.DataDir, "reputation.json")
}

// CacheFilePath returns the path the IntentCache's non-authoritative
// warm-restart side-car is stored at: "cache.bbolt" under DataDir.
func (c Config) CacheFilePath() string {
	return filepath.Join(c.DataDir, "cache.bbolt")
}
