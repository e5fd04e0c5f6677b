package main

import (
	"github.com/spf13/cobra"

	"coda-helper/go-backend/internal/config"
)

type globalFlags struct {
	configPath string
	envDir     string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "coda-helper",
		Short: "Merge Coda tables into one destination table",
		Long: `coda-helper keeps a destination Coda table in sync with several source
tables. Run it as an HTTP service (serve) or trigger a single merge (merge).

Settings come from configs/config.yaml, .env, .env.<ENVIRONMENT> and the
process environment, later sources winning.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config.yaml (default "+config.DefaultConfigPath+" when present)")
	root.PersistentFlags().StringVar(&flags.envDir, "env-dir", ".", "directory holding .env and .env.<environment>")

	root.AddCommand(
		newServeCmd(flags),
		newMergeCmd(flags),
		newCheckCmd(flags),
		newCreateTableCmd(flags),
		newVersionCmd(),
	)
	return root
}

func (f *globalFlags) load() (config.Settings, error) {
	return config.Load(config.LoadOptions{ConfigPath: f.configPath, EnvDir: f.envDir})
}
