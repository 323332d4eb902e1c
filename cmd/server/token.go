package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/facturaIA/invoice-pipeline/internal/auth"
)

var (
	tokenTenant string
	tokenUser   string
	tokenEmail  string
	tokenRole   string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		authn, err := auth.New(cfg.Auth.JWTSecret)
		if err != nil {
			return err
		}
		tok, err := authn.GenerateToken(tokenUser, tokenEmail, tokenTenant, "", tokenRole)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant (empresa alias)")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "cli", "user id")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "user email, recorded as review actor")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "role; admin may top up credits")
	_ = tokenCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(tokenCmd)
}
