package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newCreateCmd() *cobra.Command {
	var name, seed, projectID string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new project from a story seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDir, _ := cmd.Flags().GetString("store-dir")
			a, err := buildApp(storeDir)
			if err != nil {
				return err
			}
			if projectID == "" {
				projectID = uuid.NewString()
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			p, err := a.orch.CreateProject(ctx, name, projectID, seed)
			if err != nil {
				return err
			}
			fmt.Printf("created project %s (name=%q)\n", p.ID, p.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human-readable project name")
	cmd.Flags().StringVar(&seed, "seed", "", "story seed text")
	cmd.Flags().StringVar(&projectID, "id", "", "project ID (generated if omitted)")
	cmd.MarkFlagRequired("seed")
	return cmd
}
