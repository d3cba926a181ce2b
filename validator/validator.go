// Package validator defines the shared validation vocabulary used by the
// Step Runtime's revise loop and the validate_only control-surface
// operation (spec §4.F).
package validator

import (
	"fmt"
	"time"

	gpvalidator "github.com/go-playground/validator/v10"

	"github.com/inkforge/pipeline/registry"
)

// Issue is the structured per-field error a step validator reports. It is
// the smaller, human-facing twin of ClassifiedError: spec.md names both a
// per-field validation error and a reliability-layer classified error
// without separating their Go shapes, so each gets its own type here.
type Issue = registry.ValidationError

// ClassifiedError mirrors spec.md's ClassifiedError record: category,
// retryable flag, suggested base delay, and max retries. It is the
// structural twin the Reliability Layer deals in; see domain/classify for
// the live implementation these fields are modeled on.
type ClassifiedError struct {
	Category   string
	Retryable  bool
	BaseDelay  time.Duration
	MaxRetries int
}

// structShape is a process-wide validator/v10 instance; it holds no
// per-call state and is safe for concurrent use.
var structShape = gpvalidator.New()

// SchemaShape runs go-playground/validator/v10 struct-tag validation as the
// "shape" pass before a step's hand-written semantic rules run (spec
// SPEC_FULL §4.F: validator/v10 covers shape, hand-written Go covers
// content).
func SchemaShape(v any) []Issue {
	err := structShape.Struct(v)
	if err == nil {
		return nil
	}
	valErrs, ok := err.(gpvalidator.ValidationErrors)
	if !ok {
		return []Issue{{Code: "schema_shape", HumanMessage: err.Error(), SuggestedFix: "fix the reported field"}}
	}
	issues := make([]Issue, 0, len(valErrs))
	for _, fe := range valErrs {
		issues = append(issues, Issue{
			Code:         "schema_shape_" + fe.Field(),
			HumanMessage: fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag()),
			SuggestedFix: fmt.Sprintf("set %s to a valid %s", fe.Field(), fe.Tag()),
		})
	}
	return issues
}

// payloadShape is the generic struct SchemaShape validates a step's raw
// payload against before any hand-written semantic rule runs: a well-formed
// step output is at minimum a non-empty JSON object.
type payloadShape struct {
	Payload map[string]any `validate:"required,min=1"`
}

// Run executes the shape pass followed by a step's registered semantic
// validator, returning (ok, issues). A shape failure short-circuits before
// the semantic validator ever sees the payload. validate_only and the Step
// Runtime's revise loop both call this so the two paths can never diverge
// in behavior.
func Run(stepIndex int, payload map[string]any, parents map[int]map[string]any) (bool, []Issue) {
	if issues := SchemaShape(payloadShape{Payload: payload}); len(issues) > 0 {
		return false, issues
	}

	desc := registry.ByIndex(stepIndex)
	if desc.Validate == nil {
		return true, nil
	}
	return desc.Validate(payload, parents)
}
