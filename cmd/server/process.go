package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
)

var (
	processTenant string
	processID     string
	processOutput string
)

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Run one XML or PDF document through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if processOutput != "json" && processOutput != "yaml" {
			return eris.Errorf("unknown output format %q", processOutput)
		}
		content, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}

		driver := storeFlag
		if driver == "" {
			driver = "memory"
		}
		env, err := initPipeline(cmd.Context(), cfg, driver)
		if err != nil {
			return err
		}
		defer env.Close()

		doc := models.RawDocument{
			ID:         processID,
			TenantID:   processTenant,
			Filename:   filepath.Base(args[0]),
			Content:    content,
			UploadedAt: time.Now().UTC(),
		}
		res, err := env.Pipeline.Process(cmd.Context(), doc)
		if res != nil {
			if werr := writeResult(cmd.OutOrStdout(), res, processOutput); werr != nil {
				return werr
			}
		}
		return err
	},
}

// writeResult prints res with the same field names in both formats.
func writeResult(w io.Writer, res *pipeline.Result, format string) error {
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return eris.Wrap(err, "encode result")
	}
	if format == "json" {
		_, err = w.Write(append(raw, '\n'))
		return eris.Wrap(err, "write result")
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return eris.Wrap(err, "decode result")
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return eris.Wrap(err, "encode yaml")
	}
	return eris.Wrap(enc.Close(), "flush yaml")
}

func init() {
	processCmd.Flags().StringVar(&processTenant, "tenant", "", "tenant (empresa) the document belongs to")
	processCmd.Flags().StringVar(&processID, "id", "", "document id (default: random uuid)")
	processCmd.Flags().StringVarP(&processOutput, "output", "o", "json", "output format: json or yaml")
	_ = processCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(processCmd)
}
