package steps

import "github.com/inkforge/pipeline/registry"

func step4Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Index:            4,
		Name:             "pitch",
		Parents:          []int{0, 1, 2},
		Tier:             registry.TierBalanced,
		EmergencyAllowed: false,
		PromptVersion:    templateVersion("step4.tmpl"),
		BuildPrompt:      buildStep4Prompt,
		Parse:            parseStep4,
		Validate:         validateStep4,
	}
}

func buildStep4Prompt(parents map[int]map[string]any, guidance string) (string, string, error) {
	user, err := render("step4.tmpl", struct {
		Seed  string
		Step1 map[string]any
		Step2 map[string]any
	}{
		Seed:  asString(parents[seedParentIndex]["brief"]),
		Step1: parents[1],
		Step2: parents[2],
	})
	if err != nil {
		return "", "", err
	}
	return withGuidance("You write five-paragraph story pitches. Respond with JSON only.", guidance), user, nil
}

func parseStep4(raw string) (map[string]any, bool, error) {
	return defaultParse(raw)
}

func validateStep4(payload map[string]any, _ map[int]map[string]any) (bool, []registry.ValidationError) {
	var errs []registry.ValidationError
	paragraphs := asMap(payload["paragraphs"])
	if len(paragraphs) != 5 {
		errs = append(errs, issue("pitch_paragraph_count", "paragraphs must have exactly 5 entries", "supply exactly 5 paragraphs"))
	}
	for _, key := range []string{"1", "2", "3", "4", "5"} {
		text := asString(paragraphs[key])
		if text == "" {
			errs = append(errs, issue("pitch_missing_paragraph_"+key, "paragraph "+key+" is missing", "supply paragraph "+key))
			continue
		}
		if countWords(text) < 50 {
			errs = append(errs, issue("pitch_paragraph_too_short_"+key, "paragraph "+key+" must be at least 50 words", "expand paragraph "+key+" to at least 50 words"))
		}
	}
	return len(errs) == 0, errs
}
