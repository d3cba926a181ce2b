// Package steprunner implements the Step Runtime: the template method that
// drives every step through compose -> prompt -> generate -> parse ->
// validate -> revise -> fallback -> persist (spec §4.D).
package steprunner

import (
	"regexp"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// fencePattern strips ```json ... ``` or ``` ... ``` wrappers models love to
// add around otherwise-valid structured output.
var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// kvPattern is the last-resort tier: pull "key": value or key: value pairs
// out of free text that never became well-formed structured data.
var kvPattern = regexp.MustCompile(`(?m)^\s*"?([A-Za-z_][A-Za-z0-9_]*)"?\s*:\s*"?([^",\n]+?)"?\s*,?\s*$`)

// ParseStructured is the mandatory four-tier fallback chain shared by every
// step parser (spec §4.D step 4): (a) direct parse, (b) parse after
// stripping code fences, (c) first balanced block inside free text, (d)
// regex key/value extraction. Tier (d) failing wraps the raw text as
// {"content": raw} and reports parseDegraded=true.
func ParseStructured(raw string) (payload map[string]any, parseDegraded bool, err error) {
	trimmed := strings.TrimSpace(raw)

	// Tier (a): direct structured parse.
	var direct map[string]any
	if err := gojson.Unmarshal([]byte(trimmed), &direct); err == nil {
		return direct, false, nil
	}

	// Tier (b): strip fences, retry direct parse.
	if m := fencePattern.FindStringSubmatch(trimmed); m != nil {
		var fenced map[string]any
		if err := gojson.Unmarshal([]byte(strings.TrimSpace(m[1])), &fenced); err == nil {
			return fenced, false, nil
		}
	}

	// Tier (c): locate the first balanced {...} block anywhere in the text.
	if block := firstBalancedObject(trimmed); block != "" {
		result := gjson.Parse(block)
		if result.IsObject() {
			var extracted map[string]any
			if err := gojson.Unmarshal([]byte(result.Raw), &extracted); err == nil {
				return extracted, false, nil
			}
		}
	}

	// Tier (d): regex key/value extraction.
	matches := kvPattern.FindAllStringSubmatch(trimmed, -1)
	if len(matches) > 0 {
		extracted := make(map[string]any, len(matches))
		for _, m := range matches {
			extracted[m[1]] = m[2]
		}
		return extracted, true, nil
	}

	// All four tiers failed: wrap the raw text, flag degraded.
	return map[string]any{"content": trimmed}, true, nil
}

// firstBalancedObject scans s for the first top-level {...} block with
// balanced braces, respecting string literals so braces inside quoted
// strings don't throw off the count.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
