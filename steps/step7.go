package steps

import "github.com/inkforge/pipeline/registry"

func step7Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Index:            7,
		Name:             "bibles",
		Parents:          []int{3, 5},
		Tier:             registry.TierBalanced,
		EmergencyAllowed: false,
		PromptVersion:    templateVersion("step7.tmpl"),
		BuildPrompt:      buildStep7Prompt,
		Parse:            parseStep7,
		Validate:         validateStep7,
	}
}

func buildStep7Prompt(parents map[int]map[string]any, guidance string) (string, string, error) {
	user, err := render("step7.tmpl", struct {
		Step3 map[string]any
		Step5 map[string]any
	}{Step3: parents[3], Step5: parents[5]})
	if err != nil {
		return "", "", err
	}
	return withGuidance("You write detailed character story bibles. Respond with JSON only.", guidance), user, nil
}

func parseStep7(raw string) (map[string]any, bool, error) {
	return defaultParse(raw)
}

func validateStep7(payload map[string]any, parents map[int]map[string]any) (bool, []registry.ValidationError) {
	var errs []registry.ValidationError
	bibles := asSlice(payload["bibles"])
	characters := asSlice(parents[3]["characters"])
	if len(bibles) != len(characters) {
		errs = append(errs, issue("bible_cardinality", "one bible is required per character", "add or remove bibles to match the character count"))
	}
	for i, b := range bibles {
		bm := asMap(b)
		for _, field := range []string{"name", "physical", "voice", "background", "personality"} {
			if asString(bm[field]) == "" {
				errs = append(errs, issue("bible_missing_"+field, "bible "+itoa(i)+" is missing "+field, "supply the missing field"))
			}
		}
	}
	return len(errs) == 0, errs
}
