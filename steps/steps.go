package steps

import "github.com/inkforge/pipeline/registry"

// All builds the 11 step descriptors and registers them in the process-wide
// registry table. Callers (cmd/pipelinectl, orchestrator tests) call this
// once before touching the registry.
func All() {
	registry.Register([registry.StepCount]registry.Descriptor{
		step0Descriptor(),
		step1Descriptor(),
		step2Descriptor(),
		step3Descriptor(),
		step4Descriptor(),
		step5Descriptor(),
		step6Descriptor(),
		step7Descriptor(),
		step8Descriptor(),
		step9Descriptor(),
		step10Descriptor(),
	})
}
