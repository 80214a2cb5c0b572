package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/spf13/cobra"
)

var importTenant string

var importCmd = &cobra.Command{
	Use:   "import <reference.json>",
	Short: "Import tariff reference data",
	Long: `Replace a tenant's reference data (telephony types, operators, prefixes,
bands, indicators, series, trunks and special services) with the content of a
JSON file. The data is checked against every configured plan first.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.Repository.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(migrateCmd)

	importCmd.Flags().StringVarP(&importTenant, "tenant", "t", "default", "tenant the reference data belongs to")
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := readReference(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.rater.ImportReference(ctx, importTenant, data); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "imported %d prefixes, %d indicators and %d series for tenant %s\n",
		len(data.Prefixes), len(data.Indicators), len(data.Series), importTenant)
	return nil
}

func readReference(path string) (*domain.ReferenceData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data domain.ReferenceData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &data, nil
}
