// Package registry holds the process-global, read-only-after-init table of
// the 11 pipeline steps: their dependency list, prompt builder, parser,
// validator and preferred model tier (spec §4.B).
package registry

import "sync"

// Tier is the requested model quality/speed tier for a step.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierQuality  Tier = "quality"
)

// StepCount is the fixed number of steps in the DAG.
const StepCount = 11

// PromptBuilder renders the system/user prompt text for a step from its
// parents' parsed payloads.
type PromptBuilder func(parents map[int]map[string]any, guidance string) (systemText, userText string, err error)

// Parser turns raw model output text into a structured payload map. Parsers
// are expected to apply the four-tier fallback chain themselves (steprunner
// provides a shared helper they call into) and report whether the fallback
// degraded the result.
type Parser func(raw string) (payload map[string]any, parseDegraded bool, err error)

// ValidateFunc is a pure, side-effect-free validator over a parsed payload.
type ValidateFunc func(payload map[string]any, parents map[int]map[string]any) (ok bool, errs []ValidationError)

// SubItems extracts the list of sub-fanout units (e.g. one per scene) from
// parent payloads, for steps with FanoutEnabled.
type SubItems func(parents map[int]map[string]any) ([]any, error)

// SubPromptBuilder renders the system/user prompt for one sub-fanout unit.
type SubPromptBuilder func(parents map[int]map[string]any, item any, guidance string) (systemText, userText string, err error)

// AssembleFanout combines per-item parsed results (in original order) into
// the step's overall payload.
type AssembleFanout func(items []any, results []map[string]any) (payload map[string]any, err error)

// ValidationError is the structured per-field error surfaced to the revise
// loop and to validate_only callers.
type ValidationError struct {
	Code         string `json:"code"`
	HumanMessage string `json:"human_message"`
	SuggestedFix string `json:"suggested_fix"`
}

// Descriptor is one entry of the step table.
type Descriptor struct {
	Index            int
	Name             string
	Parents          []int
	Tier             Tier
	FanoutEnabled    bool
	EmergencyAllowed bool
	PromptVersion    string
	BuildPrompt      PromptBuilder
	Parse            Parser
	Validate         ValidateFunc

	// Fanout-only fields; nil/unused unless FanoutEnabled.
	SubItems         SubItems
	BuildSubPrompt   SubPromptBuilder
	AssembleFanout   AssembleFanout
	// SubFallback synthesizes a deterministic result for one sub-fanout item
	// whose generate/parse phase failed, so a single bad candidate doesn't
	// sink the whole step (spec §4.D "partial failures follow the same
	// degraded-artifact discipline").
	SubFallback func(item any) map[string]any

	// Fallback synthesizes a deterministic, structurally minimal artifact
	// when the revise loop is exhausted; nil unless EmergencyAllowed.
	Fallback func(parents map[int]map[string]any) (map[string]any, bool)
}

var (
	initOnce sync.Once
	table    [StepCount]Descriptor
	order    []int
	children [StepCount][]int
)

// Register installs the full 11-entry table. Called exactly once, from
// steps.All() during process init.
func Register(descs [StepCount]Descriptor) {
	initOnce.Do(func() {
		table = descs
		order = computeTopologicalOrder(descs)
		children = computeChildren(descs)
	})
}

// ByIndex returns the registered entry for step i.
func ByIndex(i int) Descriptor {
	return table[i]
}

// Parents returns the parent step indices for step i.
func Parents(i int) []int {
	return table[i].Parents
}

// TopologicalOrder returns all step indices in an order respecting every
// dependency edge (a valid execution order for execute_all).
func TopologicalOrder() []int {
	out := make([]int, len(order))
	copy(out, order)
	return out
}

// Downstream returns the transitive closure of step i's children: every
// step index that depends on i directly or indirectly, used for cascade
// invalidation.
func Downstream(i int) []int {
	visited := map[int]bool{}
	var walk func(int)
	walk = func(n int) {
		for _, c := range children[n] {
			if !visited[c] {
				visited[c] = true
				walk(c)
			}
		}
	}
	walk(i)
	out := make([]int, 0, len(visited))
	for idx := 0; idx < StepCount; idx++ {
		if visited[idx] {
			out = append(out, idx)
		}
	}
	return out
}

func computeChildren(descs [StepCount]Descriptor) [StepCount][]int {
	var ch [StepCount][]int
	for i, d := range descs {
		for _, p := range d.Parents {
			ch[p] = append(ch[p], i)
		}
	}
	return ch
}

// computeTopologicalOrder runs Kahn's algorithm over the static table. The
// table is small and fixed (11 nodes), so a simple in-degree queue suffices.
func computeTopologicalOrder(descs [StepCount]Descriptor) []int {
	inDegree := [StepCount]int{}
	for _, d := range descs {
		inDegree[d.Index] = len(d.Parents)
	}
	ch := computeChildren(descs)

	queue := make([]int, 0, StepCount)
	for i := 0; i < StepCount; i++ {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	out := make([]int, 0, StepCount)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		for _, c := range ch[n] {
			inDegree[c]--
			if inDegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	return out
}
