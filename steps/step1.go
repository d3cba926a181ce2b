package steps

import "github.com/inkforge/pipeline/registry"

func step1Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Index:            1,
		Name:             "logline",
		Parents:          []int{0},
		Tier:             registry.TierFast,
		EmergencyAllowed: false,
		PromptVersion:    templateVersion("step1.tmpl"),
		BuildPrompt:      buildStep1Prompt,
		Parse:            parseStep1,
		Validate:         validateStep1,
	}
}

func buildStep1Prompt(parents map[int]map[string]any, guidance string) (string, string, error) {
	user, err := render("step1.tmpl", struct {
		Seed  string
		Step0 map[string]any
	}{
		Seed:  asString(parents[seedParentIndex]["brief"]),
		Step0: parents[0],
	})
	if err != nil {
		return "", "", err
	}
	return withGuidance("You write tight, 25-word loglines. Respond with JSON only.", guidance), user, nil
}

func parseStep1(raw string) (map[string]any, bool, error) {
	return defaultParse(raw)
}

func validateStep1(payload map[string]any, _ map[int]map[string]any) (bool, []registry.ValidationError) {
	var errs []registry.ValidationError
	logline := asString(payload["logline"])
	if logline == "" {
		errs = append(errs, issue("missing_logline", "logline must be non-empty", "provide a logline string"))
		return false, errs
	}
	n := countWords(logline)
	if n == 0 || n > 25 {
		errs = append(errs, issue("logline_word_count", "logline must be 25 words or fewer", "trim to 25 words or fewer"))
	}
	components := asMap(payload["components"])
	for _, field := range []string{"lead", "role", "goal", "opposition"} {
		if asString(components[field]) == "" {
			errs = append(errs, issue("missing_component_"+field, "components."+field+" must be non-empty", "supply the missing component"))
		}
	}
	return len(errs) == 0, errs
}
