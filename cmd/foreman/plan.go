package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan ISSUE",
		Short: "Break an issue into engineering tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := apiClient().Breakdown(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(tasks)
			}
			for i, task := range tasks {
				fmt.Printf("%d. %s", i+1, task.Title)
				if task.Estimate > 0 {
					fmt.Printf(" (~%dh)", task.Estimate)
				}
				fmt.Println()
				if task.Detail != "" {
					fmt.Printf("   %s\n", task.Detail)
				}
			}
			return nil
		},
	}
}

func poolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect the agent pool",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show every agent and worker availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := apiClient().PoolStatus(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(status)
			}
			fmt.Printf("Workers: %d idle / %d total\n", status.Stats.IdleWorkers, status.Stats.TotalWorkers)
			for _, a := range status.Agents {
				state := "idle"
				if a.Busy {
					state = "busy"
					if a.CurrentWorkID != "" {
						state += " " + a.CurrentWorkID
					}
				}
				fmt.Printf("  %-10s %-9s %s  (%d processed)\n", a.ID, a.Role, state, a.TotalWorkProcessed)
			}
			return nil
		},
	})

	return cmd
}
