package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"coda-helper/go-backend/internal/config"
)

func newCheckCmd(flags *globalFlags) *cobra.Command {
	var descriptor string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate settings and the process descriptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			var errs []error

			settings, err := flags.load()
			if err == nil {
				err = settings.Validate()
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("settings: %w", err))
			} else {
				fmt.Fprintf(out, "settings ok (environment=%s, sources=%d)\n", settings.Environment, len(settings.MergeTable.SourceTables))
			}

			d, err := config.LoadProcessDescriptor(descriptor)
			if err == nil {
				err = d.Validate()
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("descriptor %s: %w", descriptor, err))
			} else {
				fmt.Fprintf(out, "descriptor ok (%s)\n", d.Apps[0].Name)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&descriptor, "descriptor", config.DefaultDescriptorPath, "process-manager descriptor to validate")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coda-helper version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		},
	}
}
