// Command pipelinectl is a thin control-surface client over the
// orchestrator: every subcommand parses flags and calls exactly one
// Orchestrator method, except status, which reads the Project Store
// directly via store.Load. It carries no retry, validation, or reliability
// logic of its own (SPEC_FULL.md §6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipelinectl",
		Short: "Drive the content-generation pipeline orchestrator",
	}
	root.PersistentFlags().String("store-dir", envOr("PIPELINE_STORE_DIR", "./data/projects"), "project store root directory")

	root.AddCommand(
		newCreateCmd(),
		newRunCmd(),
		newReviseCmd(),
		newStatusCmd(),
		newValidateCmd(),
		newCancelCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
