package steps

import "github.com/inkforge/pipeline/registry"

func step3Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Index:            3,
		Name:             "characters",
		Parents:          []int{0, 1, 2},
		Tier:             registry.TierBalanced,
		EmergencyAllowed: true,
		PromptVersion:    templateVersion("step3.tmpl"),
		BuildPrompt:      buildStep3Prompt,
		Parse:            parseStep3,
		Validate:         validateStep3,
		Fallback:         func(parents map[int]map[string]any) (map[string]any, bool) { return fallbackStep3(parents), true },
	}
}

func buildStep3Prompt(parents map[int]map[string]any, guidance string) (string, string, error) {
	user, err := render("step3.tmpl", struct {
		Step1 map[string]any
		Step2 map[string]any
	}{Step1: parents[1], Step2: parents[2]})
	if err != nil {
		return "", "", err
	}
	return withGuidance("You develop rich principal characters. Respond with JSON only.", guidance), user, nil
}

func parseStep3(raw string) (map[string]any, bool, error) {
	return defaultParse(raw)
}

func validateStep3(payload map[string]any, _ map[int]map[string]any) (bool, []registry.ValidationError) {
	var errs []registry.ValidationError
	characters := asSlice(payload["characters"])
	if len(characters) < 2 {
		errs = append(errs, issue("character_cardinality", "at least 2 characters are required", "add more characters"))
	}
	for i, c := range characters {
		cm := asMap(c)
		for _, field := range []string{"name", "role", "goal", "conflict", "epiphany", "arc"} {
			if asString(cm[field]) == "" {
				errs = append(errs, issue("character_missing_"+field, "character "+itoa(i)+" is missing "+field, "supply the missing field"))
			}
		}
	}
	return len(errs) == 0, errs
}

// fallbackStep3 synthesizes a minimal two-character cast from the logline
// components when the revise loop is exhausted (spec §4.D step 7).
func fallbackStep3(parents map[int]map[string]any) map[string]any {
	components := asMap(parents[1]["components"])
	lead := asString(components["lead"])
	if lead == "" {
		lead = "The protagonist"
	}
	opposition := asString(components["opposition"])
	if opposition == "" {
		opposition = "The antagonist"
	}
	goal := asString(components["goal"])
	return map[string]any{
		"characters": []any{
			map[string]any{
				"name": lead, "role": "protagonist", "goal": goal,
				"ambition": goal, "values": []any{"perseverance"},
				"conflict": "opposed by " + opposition, "epiphany": "learns the cost of " + goal,
				"arc": "grows through adversity",
			},
			map[string]any{
				"name": opposition, "role": "antagonist", "goal": "thwart " + lead,
				"ambition": "prevail", "values": []any{"self-interest"},
				"conflict": "stands against " + lead, "epiphany": "none",
				"arc": "remains fixed",
			},
		},
	}
}
