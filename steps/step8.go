package steps

import "github.com/inkforge/pipeline/registry"

// targetNovelWords is the nominal manuscript length scene word-targets are
// checked against (spec §4.F "word-targets sum to novel length within
// tolerance").
const targetNovelWords = 80000

// novelWordTolerance is the allowed relative deviation from targetNovelWords.
const novelWordTolerance = 0.25

func step8Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Index:            8,
		Name:             "scenes",
		Parents:          []int{6, 7},
		Tier:             registry.TierQuality,
		EmergencyAllowed: false,
		PromptVersion:    templateVersion("step8.tmpl"),
		BuildPrompt:      buildStep8Prompt,
		Parse:            parseStep8,
		Validate:         validateStep8,
	}
}

func buildStep8Prompt(parents map[int]map[string]any, guidance string) (string, string, error) {
	user, err := render("step8.tmpl", struct {
		Step6 map[string]any
		Step7 map[string]any
	}{Step6: parents[6], Step7: parents[7]})
	if err != nil {
		return "", "", err
	}
	return withGuidance("You break a synopsis into a numbered scene list. Respond with JSON only.", guidance), user, nil
}

func parseStep8(raw string) (map[string]any, bool, error) {
	return defaultParse(raw)
}

func validateStep8(payload map[string]any, parents map[int]map[string]any) (bool, []registry.ValidationError) {
	var errs []registry.ValidationError
	scenes := asSlice(payload["scenes"])
	if len(scenes) < 40 || len(scenes) > 80 {
		errs = append(errs, issue("scene_cardinality", "scenes must number between 40 and 80", "add or remove scenes to fit the 40-80 range"))
	}

	bibles := asSlice(parents[7]["bibles"])
	knownPOV := map[string]bool{}
	for _, b := range bibles {
		if name := asString(asMap(b)["name"]); name != "" {
			knownPOV[name] = true
		}
	}

	totalWords := 0
	for i, s := range scenes {
		sm := asMap(s)
		for _, field := range []string{"type", "pov", "summary", "location"} {
			if asString(sm[field]) == "" {
				errs = append(errs, issue("scene_missing_"+field, "scene "+itoa(i)+" is missing "+field, "supply the missing field"))
			}
		}
		sceneType := asString(sm["type"])
		if sceneType != "proactive" && sceneType != "reactive" {
			errs = append(errs, issue("scene_invalid_type", "scene "+itoa(i)+" type must be proactive or reactive", "set type to proactive or reactive"))
		}
		pov := asString(sm["pov"])
		if pov != "" && len(knownPOV) > 0 && !knownPOV[pov] {
			errs = append(errs, issue("scene_pov_not_in_bibles", "scene "+itoa(i)+" POV character is not in the story bibles", "use a POV character present in the story bibles"))
		}
		if wt, ok := sm["word_target"].(float64); ok {
			totalWords += int(wt)
		}
	}

	if totalWords > 0 {
		lower := float64(targetNovelWords) * (1 - novelWordTolerance)
		upper := float64(targetNovelWords) * (1 + novelWordTolerance)
		if float64(totalWords) < lower || float64(totalWords) > upper {
			errs = append(errs, issue("scene_word_targets_sum", "scene word_target values must sum to roughly the novel length", "adjust scene word targets so their sum is close to the target manuscript length"))
		}
	}

	return len(errs) == 0, errs
}
