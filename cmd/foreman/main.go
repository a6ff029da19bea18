package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeline/foreman/pkg/client"
)

// Build info (set via ldflags).
var Version = "dev"

var (
	// Global flags.
	flagServer string
	flagToken  string
	flagJSON   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "Automated issue work orchestration",
		Long: `Foreman drives coding agents through issue work: it claims an issue
from the tracker, launches an agent on the repository, relays progress
events, and reports the outcome back to the issue.

The serve command runs the orchestration server; the other commands
talk to a running server over its HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = Version

	rootCmd.PersistentFlags().StringVar(&flagServer, "server", envOr("FOREMAN_SERVER", "http://localhost:3005"), "Server base URL (or FOREMAN_SERVER)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("FOREMAN_TOKEN"), "Bearer token for protected servers (or FOREMAN_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(poolCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(authCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiClient builds the SDK client from the global flags.
func apiClient() *client.Client {
	var opts []client.Option
	if flagToken != "" {
		opts = append(opts, client.WithToken(flagToken))
	}
	return client.New(flagServer, opts...)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
