package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"coda-helper/go-backend/internal/composition"
	"coda-helper/go-backend/internal/config"
	"coda-helper/go-backend/internal/merge"
)

func newMergeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Run one merge and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildService(cmd, flags, config.Settings.Validate)
			if err != nil {
				return err
			}
			rec, err := svc.MergeOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("merge %s: %w", rec.ID, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec.Result)
		},
	}
}

func newCreateTableCmd(flags *globalFlags) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create-table",
		Short: "Create a destination table from the first source table's schema",
		Long: `Create a table in the destination doc whose columns are the first source
table's columns plus unique_key, row_hash and Project. Prints the new table id;
put it into destination_table_id afterwards. Only the destination doc, the
sources and CODA_API_TOKEN need to be configured. Fails when the doc already
has a table with that name.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildService(cmd, flags, config.Settings.ValidateTableCreation)
			if err != nil {
				return err
			}
			client, err := svc.CodaClient()
			if err != nil {
				return err
			}
			cfg := svc.Settings.MergeTable
			existing, err := client.ListTables(cmd.Context(), cfg.DestinationDocID)
			if err != nil {
				return fmt.Errorf("list tables of %s: %w", cfg.DestinationDocID, err)
			}
			for _, t := range existing {
				if t.Name == name {
					return fmt.Errorf("table %q already exists in doc %s with id %s", name, cfg.DestinationDocID, t.ID)
				}
			}
			schema, err := merge.New(client, cfg, merge.WithLogger(svc.Logger)).MergedSchema(cmd.Context())
			if err != nil {
				return err
			}
			id, err := client.CreateTable(cmd.Context(), cfg.DestinationDocID, name, schema)
			if err != nil {
				return fmt.Errorf("create table %q: %w", name, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name of the new table")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// buildService loads settings for one-shot commands and checks them with
// validate. Logs go to stderr so stdout carries only the command's output.
func buildService(cmd *cobra.Command, flags *globalFlags, validate func(config.Settings) error) (*composition.Service, error) {
	settings, err := flags.load()
	if err != nil {
		return nil, err
	}
	if err := validate(settings); err != nil {
		return nil, err
	}
	return composition.Build(settings, composition.NewLogger(cmd.ErrOrStderr(), settings.LogLevel))
}
