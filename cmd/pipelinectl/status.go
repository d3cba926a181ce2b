package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a project's persisted status",
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDir, _ := cmd.Flags().GetString("store-dir")
			a, err := buildApp(storeDir)
			if err != nil {
				return err
			}
			p, err := a.store.Load(projectID)
			if err != nil {
				return err
			}
			fmt.Printf("id:              %s\n", p.ID)
			fmt.Printf("name:            %s\n", p.Name)
			fmt.Printf("status:          %s\n", p.Status)
			fmt.Printf("current_step:    %d\n", p.CurrentStep)
			fmt.Printf("completed_steps: %v\n", p.CompletedList())
			fmt.Printf("cancelled:       %v\n", p.Cancelled)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "id", "", "project ID")
	cmd.MarkFlagRequired("id")
	return cmd
}
