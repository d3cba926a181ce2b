package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var projectID string
	var step, upTo int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one step, or every step up to --up-to",
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDir, _ := cmd.Flags().GetString("store-dir")
			a, err := buildApp(storeDir)
			if err != nil {
				return err
			}
			ctx := context.Background()

			if cmd.Flags().Changed("step") {
				art, cerr := a.orch.ExecuteStep(ctx, projectID, step)
				if cerr != nil {
					return cerr
				}
				fmt.Printf("step %d complete: content_hash=%s degraded=%v attempts=%d\n",
					art.StepIndex, art.Envelope.ContentHash, art.Envelope.Degraded, art.Envelope.Attempts)
				return nil
			}

			art, cerr := a.orch.ExecuteAll(ctx, projectID, upTo)
			if cerr != nil {
				return cerr
			}
			fmt.Printf("ran through step %d: content_hash=%s degraded=%v\n",
				art.StepIndex, art.Envelope.ContentHash, art.Envelope.Degraded)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "id", "", "project ID")
	cmd.Flags().IntVar(&step, "step", 0, "run only this step index")
	cmd.Flags().IntVar(&upTo, "up-to", 10, "run every not-yet-completed step up to and including this index")
	cmd.MarkFlagRequired("id")
	return cmd
}
