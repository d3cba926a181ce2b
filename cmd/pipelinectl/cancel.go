package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a project's in-flight run, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDir, _ := cmd.Flags().GetString("store-dir")
			a, err := buildApp(storeDir)
			if err != nil {
				return err
			}
			a.orch.Cancel(context.Background(), projectID)
			fmt.Printf("cancel requested for project %s\n", projectID)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "id", "", "project ID")
	cmd.MarkFlagRequired("id")
	return cmd
}
