package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var projectID string
	var step int

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Re-validate a step's on-disk artifact without calling the Reliability Layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDir, _ := cmd.Flags().GetString("store-dir")
			a, err := buildApp(storeDir)
			if err != nil {
				return err
			}
			ok, issues, err := a.orch.ValidateOnly(projectID, step)
			if err != nil {
				return err
			}
			if ok {
				fmt.Printf("step %d: valid\n", step)
				return nil
			}
			fmt.Printf("step %d: %d issue(s)\n", step, len(issues))
			for _, iss := range issues {
				fmt.Printf("  [%s] %s (fix: %s)\n", iss.Code, iss.HumanMessage, iss.SuggestedFix)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "id", "", "project ID")
	cmd.Flags().IntVar(&step, "step", 0, "step index to validate")
	cmd.MarkFlagRequired("id")
	return cmd
}
