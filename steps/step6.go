package steps

import "github.com/inkforge/pipeline/registry"

func step6Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Index:            6,
		Name:             "long_synopsis",
		Parents:          []int{2, 4},
		Tier:             registry.TierQuality,
		EmergencyAllowed: true,
		PromptVersion:    templateVersion("step6.tmpl"),
		BuildPrompt:      buildStep6Prompt,
		Parse:            parseStep6,
		Validate:         validateStep6,
		Fallback:         func(parents map[int]map[string]any) (map[string]any, bool) { return fallbackStep6(parents), true },
	}
}

func buildStep6Prompt(parents map[int]map[string]any, guidance string) (string, string, error) {
	user, err := render("step6.tmpl", struct {
		Step2 map[string]any
		Step4 map[string]any
	}{Step2: parents[2], Step4: parents[4]})
	if err != nil {
		return "", "", err
	}
	return withGuidance("You write long-form novel synopses. Respond with JSON only.", guidance), user, nil
}

func parseStep6(raw string) (map[string]any, bool, error) {
	return defaultParse(raw)
}

func validateStep6(payload map[string]any, _ map[int]map[string]any) (bool, []registry.ValidationError) {
	var errs []registry.ValidationError
	synopsis := asString(payload["long_synopsis"])
	if synopsis == "" {
		errs = append(errs, issue("missing_long_synopsis", "long_synopsis must be non-empty", "supply the long synopsis text"))
		return false, errs
	}
	n := countWords(synopsis)
	if n < 2500 || n > 3000 {
		errs = append(errs, issue("long_synopsis_length", "long_synopsis must be between 2,500 and 3,000 words", "expand or trim the synopsis to fit the target length"))
	}
	return len(errs) == 0, errs
}

// fallbackStep6 stitches the pitch paragraphs together when the revise loop
// is exhausted, guaranteeing a structurally valid (if unpolished) artifact.
func fallbackStep6(parents map[int]map[string]any) map[string]any {
	paragraphs := asMap(parents[4]["paragraphs"])
	var combined string
	for _, key := range []string{"1", "2", "3", "4", "5"} {
		combined += asString(paragraphs[key]) + "\n\n"
	}
	return map[string]any{"long_synopsis": combined}
}
