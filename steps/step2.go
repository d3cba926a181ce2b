package steps

import (
	"strings"

	"github.com/inkforge/pipeline/registry"
)

func step2Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Index:            2,
		Name:             "premise",
		Parents:          []int{0, 1},
		Tier:             registry.TierBalanced,
		EmergencyAllowed: false,
		PromptVersion:    templateVersion("step2.tmpl"),
		BuildPrompt:      buildStep2Prompt,
		Parse:            parseStep2,
		Validate:         validateStep2,
	}
}

func buildStep2Prompt(parents map[int]map[string]any, guidance string) (string, string, error) {
	user, err := render("step2.tmpl", struct {
		Step0 map[string]any
		Step1 map[string]any
	}{Step0: parents[0], Step1: parents[1]})
	if err != nil {
		return "", "", err
	}
	return withGuidance("You write five-sentence story premises with escalating disasters. Respond with JSON only.", guidance), user, nil
}

func parseStep2(raw string) (map[string]any, bool, error) {
	return defaultParse(raw)
}

func validateStep2(payload map[string]any, _ map[int]map[string]any) (bool, []registry.ValidationError) {
	var errs []registry.ValidationError
	paragraph := asString(payload["paragraph"])
	if paragraph == "" {
		errs = append(errs, issue("missing_paragraph", "paragraph must be non-empty", "supply the premise paragraph"))
	} else if n := countSentences(paragraph); n != 5 {
		errs = append(errs, issue("sentence_count", "paragraph must have exactly 5 sentences, got a different count", "rewrite to exactly 5 sentences"))
	}
	sentences := asSlice(payload["sentences"])
	if len(sentences) != 5 {
		errs = append(errs, issue("sentences_array_count", "sentences array must have exactly 5 entries", "supply exactly 5 sentence entries"))
	}
	disasters := asSlice(payload["disasters"])
	if len(disasters) != 3 {
		errs = append(errs, issue("disasters_count", "disasters must have exactly 3 entries", "supply exactly 3 disaster entries"))
	}
	for i, d := range disasters {
		text := strings.ToLower(asString(d))
		if !strings.Contains(text, "forces") && !strings.Contains(text, "must") {
			errs = append(errs, issue("disaster_missing_marker", "disaster must use \"forces\" or \"must\"", "add a forcing clause to disaster "+itoa(i+1)))
		}
	}
	if asString(payload["moral_premise"]) == "" {
		errs = append(errs, issue("missing_moral_premise", "moral_premise must be non-empty", "state the moral pivot explicitly"))
	}
	return len(errs) == 0, errs
}
