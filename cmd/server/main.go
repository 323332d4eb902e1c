package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/facturaIA/invoice-pipeline/internal/config"
)

var (
	cfg       *config.Config
	storeFlag string
)

var rootCmd = &cobra.Command{
	Use:   "fiscal-pipeline",
	Short: "Confidence-gated CFDI invoice extraction",
	Long:  "Extracts CFDI invoices from XML and PDF uploads through local and cloud tiers, checks them for anomalies, meters credits and routes them to approval.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "record store: postgres, sqlite or memory (default from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
