package steps

import "github.com/inkforge/pipeline/registry"

// sceneBrief pairs a scene descriptor with its brief for sub-fanout prose
// generation, letting BuildSubPrompt/AssembleFanout stay index-aligned
// without re-deriving the pairing every call.
type sceneBrief struct {
	scene map[string]any
	brief map[string]any
}

func step10Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Index:            10,
		Name:             "manuscript",
		Parents:          []int{8, 9},
		Tier:             registry.TierQuality,
		FanoutEnabled:    true,
		EmergencyAllowed: true,
		PromptVersion:    templateVersion("step10.tmpl"),
		Parse:            parseStep10,
		Validate:         validateStep10,
		SubItems:         subItemsStep10,
		BuildSubPrompt:   buildStep10SubPrompt,
		AssembleFanout:   assembleStep10,
		SubFallback: func(item any) map[string]any {
			sb, _ := item.(sceneBrief)
			return fallbackStep10SceneProse(sb.scene)
		},
	}
}

func subItemsStep10(parents map[int]map[string]any) ([]any, error) {
	scenes := asSlice(parents[8]["scenes"])
	briefs := asSlice(parents[9]["briefs"])
	items := make([]any, len(scenes))
	for i, s := range scenes {
		var brief map[string]any
		if i < len(briefs) {
			brief = asMap(briefs[i])
		}
		items[i] = sceneBrief{scene: asMap(s), brief: brief}
	}
	return items, nil
}

func buildStep10SubPrompt(_ map[int]map[string]any, item any, guidance string) (string, string, error) {
	sb, _ := item.(sceneBrief)
	user, err := render("step10.tmpl", struct {
		Scene map[string]any
		Brief map[string]any
	}{Scene: sb.scene, Brief: sb.brief})
	if err != nil {
		return "", "", err
	}
	return withGuidance("You write polished, scene-length prose that hits the target word count. Respond with JSON only.", guidance), user, nil
}

func parseStep10(raw string) (map[string]any, bool, error) {
	return defaultParse(raw)
}

// assembleStep10 groups scenes into chapters by a fixed scene-per-chapter
// window; the source domain does not define chapter boundaries explicitly,
// so this mirrors how most outline-to-manuscript pipelines bucket scenes.
const scenesPerChapter = 5

func assembleStep10(items []any, results []map[string]any) (map[string]any, error) {
	var chapters []any
	var currentScenes []any
	total := 0

	flush := func() {
		if len(currentScenes) > 0 {
			chapters = append(chapters, map[string]any{"scenes": currentScenes})
			currentScenes = nil
		}
	}

	for i, r := range results {
		prose := asString(r["prose"])
		wc := countWords(prose)
		total += wc
		currentScenes = append(currentScenes, map[string]any{"prose": prose, "word_count": wc})
		if (i+1)%scenesPerChapter == 0 {
			flush()
		}
	}
	flush()

	return map[string]any{"chapters": chapters, "total_word_count": total}, nil
}

func validateStep10(payload map[string]any, parents map[int]map[string]any) (bool, []registry.ValidationError) {
	var errs []registry.ValidationError
	chapters := asSlice(payload["chapters"])
	if len(chapters) == 0 {
		errs = append(errs, issue("manuscript_empty", "manuscript must contain at least one chapter", "ensure at least one scene produced prose"))
	}
	sceneCount := len(asSlice(parents[8]["scenes"]))
	sceneTotal := 0
	for _, c := range chapters {
		sceneTotal += len(asSlice(asMap(c)["scenes"]))
	}
	if sceneTotal != sceneCount {
		errs = append(errs, issue("manuscript_scene_count", "assembled manuscript scene count does not match the scene list", "ensure every scene produced a prose block"))
	}
	return len(errs) == 0, errs
}

// fallbackStep10SceneProse synthesizes stub prose for one scene when its
// sub-task is exhausted, word-padded toward the scene's word_target but
// never forced to hit it exactly.
func fallbackStep10SceneProse(scene map[string]any) map[string]any {
	summary := asString(scene["summary"])
	if summary == "" {
		summary = "The scene unfolds."
	}
	target, _ := scene["word_target"].(float64)
	prose := summary
	for countWords(prose) < int(target) && target > 0 {
		prose += " " + summary
	}
	return map[string]any{"prose": prose, "word_count": countWords(prose)}
}
