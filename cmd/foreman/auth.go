package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeline/foreman/internal/crypto"
)

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage server auth secrets and tokens",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "secret",
		Short: "Generate a fresh auth secret",
		Long: `Generate a fresh auth secret.

Set it as FOREMAN_AUTH_SECRET (or auth_secret in the config file) on
the server to require bearer tokens on the API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := crypto.NewAuthSecret()
			if err != nil {
				return err
			}
			fmt.Println(secret)
			return nil
		},
	})

	var (
		flagSecret  string
		flagSubject string
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := flagSecret
			if secret == "" {
				secret = os.Getenv("FOREMAN_AUTH_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("an auth secret is required (--secret or FOREMAN_AUTH_SECRET)")
			}
			manager, err := crypto.NewJWTManager(secret)
			if err != nil {
				return err
			}
			token, err := manager.CreateToken(flagSubject, nil)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&flagSecret, "secret", "", "Auth secret (or FOREMAN_AUTH_SECRET)")
	tokenCmd.Flags().StringVar(&flagSubject, "subject", "cli", "Token subject")
	cmd.AddCommand(tokenCmd)

	return cmd
}
