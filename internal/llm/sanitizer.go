// Package llm is the mediator's facade over LLM-backed embedding and
// negotiation providers. It owns the prompt-injection defenses applied to
// every piece of user prose before it reaches a model.
package llm

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// MaxInsertedTextChars bounds how much of any single piece of user text is
// inserted into a prompt, regardless of the source field's own limit.
const MaxInsertedTextChars = 4000

// injectionPatterns are known prompt-injection shapes: instruction
// override, role manipulation, system-command markers, jailbreak keywords,
// and prompt-termination markers.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s`),
	regexp.MustCompile(`(?i)act\s+as\s+(if\s+you\s+are\s+)?(a|an)\s`),
	regexp.MustCompile(`(?i)\bsystem\s*:\s*`),
	regexp.MustCompile(`(?i)\bassistant\s*:\s*`),
	regexp.MustCompile(`(?i)</?(system|instructions|prompt)>`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)developer\s+mode`),
	regexp.MustCompile(`(?i)\[\[\s*end\s+of\s+(prompt|instructions)\s*\]\]`),
	regexp.MustCompile("```"),
}

// SanitizeResult reports whether injection was detected and the text to use
// going forward: either the original (clean) or an escaped version.
type SanitizeResult struct {
	Text      string
	Flagged   bool
	MatchedAt []string
}

// Sanitize scans text for known injection patterns. When any match, the
// offending spans are neutralised by escaping delimiter characters and the
// result is flagged so the caller can decide whether to refuse outright or
// proceed with the escaped text; both paths must be logged by the caller.
// Text is always capped to MaxInsertedTextChars before insertion.
func Sanitize(field, text string) SanitizeResult {
	capped := text
	if len(capped) > MaxInsertedTextChars {
		capped = capped[:MaxInsertedTextChars]
	}

	var matched []string
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(capped) {
			matched = append(matched, pattern.String())
		}
	}
	if len(matched) == 0 {
		return SanitizeResult{Text: capped}
	}

	escaped := strings.NewReplacer(
		"```", "'''",
		"<system>", "&lt;system&gt;",
		"</system>", "&lt;/system&gt;",
		"<instructions>", "&lt;instructions&gt;",
		"</instructions>", "&lt;/instructions&gt;",
	).Replace(capped)

	slog.Warn("llm: prompt injection pattern detected",
		"field", field,
		"pattern_count", len(matched),
	)
	recordInjectionAttempt(field, matched, len(capped))

	return SanitizeResult{Text: escaped, Flagged: true, MatchedAt: matched}
}

// SanitizeBundle runs Sanitize over every piece of prose an intent
// contributes to a prompt and reports whether any field was flagged.
func SanitizeBundle(prose string, desires, constraints []string) (cleanProse string, cleanDesires, cleanConstraints []string, flagged bool) {
	proseResult := Sanitize("prose", prose)
	cleanProse = proseResult.Text
	flagged = flagged || proseResult.Flagged

	cleanDesires = make([]string, len(desires))
	for i, d := range desires {
		r := Sanitize(fmt.Sprintf("desire[%d]", i), d)
		cleanDesires[i] = r.Text
		flagged = flagged || r.Flagged
	}

	cleanConstraints = make([]string, len(constraints))
	for i, c := range constraints {
		r := Sanitize(fmt.Sprintf("constraint[%d]", i), c)
		cleanConstraints[i] = r.Text
		flagged = flagged || r.Flagged
	}

	return cleanProse, cleanDesires, cleanConstraints, flagged
}
