package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mediator/internal/config"
)

const minimalYAML = `
chain:
  endpoint_url: "https://ledger.example.com"
embedding:
  provider: "fallback"
  dimension: 8
allow_fallback_embedding: true
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(minimalYAML))
	require.NoError(t, err)
	require.Equal(t, 2.5, cfg.FacilitationFeePercent)
	require.Equal(t, 3, cfg.MaxCandidatesPerCycle)
	require.Equal(t, ":8080", cfg.ListenAddress)
}

func TestParseRejectsMissingChainEndpoint(t *testing.T) {
	_, err := config.Parse([]byte("embedding:\n  provider: fallback\n  dimension: 8\nallow_fallback_embedding: true\n"))
	require.Error(t, err)
}

func TestParseRejectsFallbackEmbeddingWithoutOverride(t *testing.T) {
	raw := `
chain:
  endpoint_url: "https://ledger.example.com"
embedding:
  provider: "fallback"
  dimension: 8
`
	_, err := config.Parse([]byte(raw))
	require.Error(t, err)
}

func TestParseRejectsOutOfRangeConfidence(t *testing.T) {
	raw := minimalYAML + "min_negotiation_confidence: 1.5\n"
	_, err := config.Parse([]byte(raw))
	require.Error(t, err)
}

func TestAcceptanceWindowConvertsHoursToDuration(t *testing.T) {
	cfg, err := config.Parse([]byte(minimalYAML))
	require.NoError(t, err)
	require.Equal(t, float64(72), cfg.AcceptanceWindowHours)
	require.Equal(t, 72*60*60, int(cfg.AcceptanceWindow().Seconds()))
}

func TestMediatorJWTSigningSecretParses(t *testing.T) {
	raw := minimalYAML + "mediator:\n  public_key: \"mediator-1\"\n  private_key: \"deadbeef\"\n  jwt_signing_secret: \"s3cret\"\n"
	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.Mediator.JWTSigningSecret)
}
