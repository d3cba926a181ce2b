// Package steps supplies the 11 concrete step descriptors (prompt builders,
// parsers, validators) that registry.Register assembles into the static
// dependency table (spec §4.B).
package steps

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/inkforge/pipeline/registry"
	"github.com/inkforge/pipeline/steprunner"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var parsedTemplates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// templateVersion is the static SHA-256 over an embedded template's source
// text, used as the registry.Descriptor.PromptVersion (spec §4.B).
func templateVersion(name string) string {
	src, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		panic(fmt.Sprintf("steps: missing template %s: %v", name, err))
	}
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := parsedTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("steps: render %s: %w", name, err)
	}
	return buf.String(), nil
}

// countWords counts whitespace-separated tokens, the word-count unit used
// throughout the validator rules (spec §4.F).
func countWords(s string) int {
	return len(strings.Fields(s))
}

// countSentences counts sentence-ending punctuation runs. Good enough for
// validating model output against an exact sentence-count rule; it is not a
// general-purpose NLP sentence splitter.
func countSentences(s string) int {
	count := 0
	prevEnd := false
	for _, r := range s {
		switch r {
		case '.', '!', '?':
			if !prevEnd {
				count++
			}
			prevEnd = true
		default:
			if r != ' ' && r != '\n' && r != '\t' {
				prevEnd = false
			}
		}
	}
	return count
}

// asString coerces a map value to a string, returning "" for anything else.
func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asSlice coerces a map value to a []any, returning nil for anything else.
func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// asMap coerces a map value to a map[string]any, returning nil for anything else.
func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func issue(code, human, fix string) registry.ValidationError {
	return registry.ValidationError{Code: code, HumanMessage: human, SuggestedFix: fix}
}

// withGuidance appends revision guidance to a system prompt, matching the
// revise-loop's "original output + error list + fix suggestions" contract
// (spec §4.D step 6) without each step duplicating the plumbing.
func withGuidance(system, guidance string) string {
	if guidance == "" {
		return system
	}
	return system + "\n\nRevision guidance:\n" + guidance
}

// defaultParse is the shared parser body for every non-fanout step: run the
// mandatory four-tier fallback chain and return its result verbatim. Steps
// whose payload needs extra structural massaging define their own Parser.
func defaultParse(raw string) (map[string]any, bool, error) {
	return steprunner.ParseStructured(raw)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
