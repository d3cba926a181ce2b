package steps

import "github.com/inkforge/pipeline/registry"

func step5Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Index:            5,
		Name:             "character_synopses",
		Parents:          []int{3},
		Tier:             registry.TierBalanced,
		EmergencyAllowed: false,
		PromptVersion:    templateVersion("step5.tmpl"),
		BuildPrompt:      buildStep5Prompt,
		Parse:            parseStep5,
		Validate:         validateStep5,
	}
}

func buildStep5Prompt(parents map[int]map[string]any, guidance string) (string, string, error) {
	user, err := render("step5.tmpl", struct {
		Step3 map[string]any
	}{Step3: parents[3]})
	if err != nil {
		return "", "", err
	}
	return withGuidance("You write in-depth character synopses. Respond with JSON only.", guidance), user, nil
}

func parseStep5(raw string) (map[string]any, bool, error) {
	return defaultParse(raw)
}

func validateStep5(payload map[string]any, parents map[int]map[string]any) (bool, []registry.ValidationError) {
	var errs []registry.ValidationError
	synopses := asSlice(payload["character_synopses"])
	characters := asSlice(parents[3]["characters"])
	if len(synopses) != len(characters) {
		errs = append(errs, issue("synopsis_cardinality", "one synopsis is required per character", "add or remove synopses to match the character count"))
	}
	for i, s := range synopses {
		sm := asMap(s)
		if asString(sm["name"]) == "" {
			errs = append(errs, issue("synopsis_missing_name", "synopsis "+itoa(i)+" is missing a name", "supply the character name"))
		}
		if countWords(asString(sm["synopsis"])) < 300 {
			errs = append(errs, issue("synopsis_too_short", "synopsis "+itoa(i)+" must be at least 300 words", "expand the synopsis to at least 300 words"))
		}
	}
	return len(errs) == 0, errs
}
