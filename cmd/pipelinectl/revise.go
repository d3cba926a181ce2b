package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newReviseCmd() *cobra.Command {
	var projectID, guidance string
	var step int

	cmd := &cobra.Command{
		Use:   "revise",
		Short: "Re-run a step with additional guidance and invalidate its downstream steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDir, _ := cmd.Flags().GetString("store-dir")
			a, err := buildApp(storeDir)
			if err != nil {
				return err
			}
			art, cerr := a.orch.ReviseStep(context.Background(), projectID, step, guidance)
			if cerr != nil {
				return cerr
			}
			fmt.Printf("step %d revised: content_hash=%s attempts=%d\n",
				art.StepIndex, art.Envelope.ContentHash, art.Envelope.Attempts)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "id", "", "project ID")
	cmd.Flags().IntVar(&step, "step", 0, "step index to revise")
	cmd.Flags().StringVar(&guidance, "guidance", "", "freeform revision guidance appended to the prompt")
	cmd.MarkFlagRequired("id")
	return cmd
}
