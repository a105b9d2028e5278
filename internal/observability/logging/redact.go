package logging

import "strings"

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":     {},
	"env":         {},
	"message":     {},
	"severity":    {},
	"timestamp":   {},
	"error":       {},
	"reason":      {},
	"component":   {},
	"fingerprint": {},
	"settlement_id": {},
	"mediator_id": {},
}

// IsAllowlisted reports whether key is exempt from MaskField's redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values pass through unchanged to avoid adding noise.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns value unchanged if key is allowlisted, otherwise the
// redacted placeholder. Callers use this before logging any field derived
// from intent prose, API keys, or private key material.
func MaskField(key, value string) string {
	if IsAllowlisted(key) {
		return value
	}
	return MaskValue(value)
}
