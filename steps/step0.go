package steps

import "github.com/inkforge/pipeline/registry"

const seedParentIndex = -1

func step0Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Index:            0,
		Name:             "classification",
		Parents:          nil,
		Tier:             registry.TierFast,
		EmergencyAllowed: false,
		PromptVersion:    templateVersion("step0.tmpl"),
		BuildPrompt:      buildStep0Prompt,
		Parse:            parseStep0,
		Validate:         validateStep0,
	}
}

func buildStep0Prompt(parents map[int]map[string]any, guidance string) (string, string, error) {
	seed := asString(parents[seedParentIndex]["brief"])
	user, err := render("step0.tmpl", struct{ Seed string }{Seed: seed})
	if err != nil {
		return "", "", err
	}
	system := "You are a precise story-development assistant. Always respond with JSON only."
	return withGuidance(system, guidance), user, nil
}

func parseStep0(raw string) (map[string]any, bool, error) {
	return defaultParse(raw)
}

func validateStep0(payload map[string]any, _ map[int]map[string]any) (bool, []registry.ValidationError) {
	var errs []registry.ValidationError
	if asString(payload["category"]) == "" {
		errs = append(errs, issue("missing_category", "category must be non-empty", "supply a genre/category string"))
	}
	if asString(payload["story_kind"]) == "" {
		errs = append(errs, issue("missing_story_kind", "story_kind must be non-empty", "supply a story kind string"))
	}
	delights := asSlice(payload["audience_delight"])
	if len(delights) == 0 {
		errs = append(errs, issue("missing_audience_delight", "audience_delight must list at least one item", "add at least one audience delight"))
	}
	return len(errs) == 0, errs
}
