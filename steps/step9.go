package steps

import "github.com/inkforge/pipeline/registry"

func step9Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Index:            9,
		Name:             "briefs",
		Parents:          []int{8},
		Tier:             registry.TierBalanced,
		FanoutEnabled:    true,
		EmergencyAllowed: true,
		PromptVersion:    templateVersion("step9.tmpl"),
		Parse:            parseStep9,
		Validate:         validateStep9,
		SubItems:         subItemsStep9,
		BuildSubPrompt:   buildStep9SubPrompt,
		AssembleFanout:   assembleStep9,
		Fallback:         func(parents map[int]map[string]any) (map[string]any, bool) { return fallbackStep9(parents), true },
	}
}

func subItemsStep9(parents map[int]map[string]any) ([]any, error) {
	return asSlice(parents[8]["scenes"]), nil
}

func buildStep9SubPrompt(_ map[int]map[string]any, item any, guidance string) (string, string, error) {
	user, err := render("step9.tmpl", struct{ Scene map[string]any }{Scene: asMap(item)})
	if err != nil {
		return "", "", err
	}
	return withGuidance("You write tight scene briefs matching the scene's type exactly. Respond with JSON only.", guidance), user, nil
}

func parseStep9(raw string) (map[string]any, bool, error) {
	return defaultParse(raw)
}

func assembleStep9(items []any, results []map[string]any) (map[string]any, error) {
	briefs := make([]any, len(results))
	for i, r := range results {
		brief := map[string]any{}
		for k, v := range r {
			brief[k] = v
		}
		if sc := asMap(items[i]); sc != nil {
			brief["scene_index"] = sc["index"]
		}
		briefs[i] = brief
	}
	return map[string]any{"briefs": briefs}, nil
}

// fallbackStep9 synthesizes a minimal brief per scene when the whole-step
// revise loop is exhausted (e.g. assembly itself failed validation).
func fallbackStep9(parents map[int]map[string]any) map[string]any {
	scenes := asSlice(parents[8]["scenes"])
	briefs := make([]any, len(scenes))
	for i, s := range scenes {
		sm := asMap(s)
		sceneType := asString(sm["type"])
		brief := map[string]any{"scene_index": sm["index"]}
		if sceneType == "reactive" {
			brief["reaction"] = "reacts to events"
			brief["dilemma"] = "faces a hard choice"
			brief["decision"] = "commits to a path"
			brief["stakes"] = "the consequences of inaction"
		} else {
			brief["goal"] = asString(sm["summary"])
			brief["conflict"] = asString(sm["conflict"])
			brief["setback"] = "the attempt falls short"
			brief["stakes"] = "the consequences of failure"
		}
		briefs[i] = brief
	}
	return map[string]any{"briefs": briefs}
}

func validateStep9(payload map[string]any, parents map[int]map[string]any) (bool, []registry.ValidationError) {
	var errs []registry.ValidationError
	briefs := asSlice(payload["briefs"])
	scenes := asSlice(parents[8]["scenes"])
	if len(briefs) != len(scenes) {
		errs = append(errs, issue("brief_cardinality", "exactly one brief is required per scene", "add or remove briefs to match the scene count"))
	}
	for i, b := range briefs {
		bm := asMap(b)
		var sceneType string
		if i < len(scenes) {
			sceneType = asString(asMap(scenes[i])["type"])
		}
		switch sceneType {
		case "proactive":
			for _, field := range []string{"goal", "conflict", "setback", "stakes"} {
				if asString(bm[field]) == "" {
					errs = append(errs, issue("brief_missing_"+field, "brief "+itoa(i)+" is missing "+field, "supply the missing field"))
				}
			}
		case "reactive":
			for _, field := range []string{"reaction", "dilemma", "decision", "stakes"} {
				if asString(bm[field]) == "" {
					errs = append(errs, issue("brief_missing_"+field, "brief "+itoa(i)+" is missing "+field, "supply the missing field"))
				}
			}
		}
	}
	return len(errs) == 0, errs
}
