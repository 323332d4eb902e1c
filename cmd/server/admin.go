package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	creditsTenant string
	creditsAmount string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the record store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		driver := storeDriver()
		env := newEnvironment()
		defer env.Close()
		if _, err := openStore(cmd.Context(), cfg, driver, env); err != nil {
			return err
		}
		zap.L().Info("schema applied", zap.String("driver", driver))
		return nil
	},
}

var topupCmd = &cobra.Command{
	Use:   "topup",
	Short: "Add credits to a tenant balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(creditsAmount)
		if err != nil || !amount.IsPositive() {
			return eris.Errorf("amount %q must be a positive number", creditsAmount)
		}

		env := newEnvironment()
		defer env.Close()
		store, err := openStore(cmd.Context(), cfg, storeDriver(), env)
		if err != nil {
			return err
		}
		if err := store.TopUp(cmd.Context(), creditsTenant, amount); err != nil {
			return err
		}
		bal, err := store.Balance(cmd.Context(), creditsTenant)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %s\n", creditsTenant, bal)
		return nil
	},
}

// storeDriver is the persistent store for commands that need one.
func storeDriver() string {
	if storeFlag != "" && storeFlag != "memory" {
		return storeFlag
	}
	return cfg.Database.Driver
}

func init() {
	topupCmd.Flags().StringVar(&creditsTenant, "tenant", "", "tenant to credit")
	topupCmd.Flags().StringVar(&creditsAmount, "amount", "", "credits to add")
	_ = topupCmd.MarkFlagRequired("tenant")
	_ = topupCmd.MarkFlagRequired("amount")
	rootCmd.AddCommand(migrateCmd, topupCmd)
}
