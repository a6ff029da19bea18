package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forgeline/foreman/internal/config"
	"github.com/forgeline/foreman/internal/crypto"
	"github.com/forgeline/foreman/internal/tracker"
)

// issueCmd manages the bundled sqlite tracker directly, without going
// through the server. Useful for local setups and demos; deployments
// with an external tracker use its own tooling instead.
func issueCmd() *cobra.Command {
	var (
		flagConfig string
		flagDB     string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Manage issues in the bundled sqlite tracker",
	}
	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file (or FOREMAN_CONFIG)")
	cmd.PersistentFlags().StringVar(&flagDB, "db", "", "Tracker database file, overrides config")

	openDB := func(cmd *cobra.Command) (*tracker.SQLite, error) {
		var overrides config.Overrides
		if cmd.Flags().Changed("db") {
			overrides.TrackerDB = &flagDB
		}
		cfg, err := config.Load(flagConfig, overrides)
		if err != nil {
			return nil, err
		}
		return tracker.OpenSQLite(cfg.TrackerDB)
	}

	var (
		flagID     string
		flagBody   string
		flagLabels []string
	)
	addCmd := &cobra.Command{
		Use:   "add TITLE",
		Short: "Create an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			id := flagID
			if id == "" {
				id, err = newIssueID()
				if err != nil {
					return err
				}
			}
			issue := tracker.Issue{ID: id, Title: args[0], Body: flagBody, Labels: flagLabels}
			if err := db.CreateIssue(cmd.Context(), issue); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(issue)
			}
			fmt.Printf("✓ Issue created: %s\n", id)
			return nil
		},
	}
	addCmd.Flags().StringVar(&flagID, "id", "", "Issue id, generated when empty")
	addCmd.Flags().StringVar(&flagBody, "body", "", "Issue body")
	addCmd.Flags().StringSliceVar(&flagLabels, "label", nil, "Label (repeatable)")
	cmd.AddCommand(addCmd)

	var flagStatus string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			issues, err := db.ListIssues(cmd.Context(), flagStatus)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(issues)
			}
			if len(issues) == 0 {
				fmt.Println("No issues.")
				return nil
			}
			for _, issue := range issues {
				fmt.Printf("%-12s %-12s %s\n", issue.ID, issue.Status, issue.Title)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&flagStatus, "status", "", "Filter by status (open, in_progress, closed)")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show one issue with its comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			issue, err := db.GetIssue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			comments, err := db.Comments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"issue": issue, "comments": comments})
			}
			fmt.Printf("%s  [%s]  %s\n", issue.ID, issue.Status, issue.Title)
			if issue.Body != "" {
				fmt.Printf("\n%s\n", issue.Body)
			}
			if len(issue.Labels) > 0 {
				fmt.Printf("\nLabels: %s\n", strings.Join(issue.Labels, ", "))
			}
			for i, comment := range comments {
				fmt.Printf("\n--- comment %d ---\n%s\n", i+1, comment)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "close ID",
		Short: "Close an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.CloseIssue(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !flagJSON {
				fmt.Printf("✓ Issue closed: %s\n", args[0])
			}
			return nil
		},
	})

	return cmd
}

func newIssueID() (string, error) {
	raw, err := crypto.RandBytes(make([]byte, 3))
	if err != nil {
		return "", fmt.Errorf("generating issue id: %w", err)
	}
	return "I-" + strings.ToUpper(hex.EncodeToString(raw)), nil
}
