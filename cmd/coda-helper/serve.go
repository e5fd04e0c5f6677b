package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"coda-helper/go-backend/internal/composition"
	"coda-helper/go-backend/internal/watch"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		addr     string
		watching bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Run the HTTP service until interrupted.

With --watch the service restarts in-process whenever the config file, .env
or .env.<environment> changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for {
				restart, err := serveOnce(cmd.Context(), flags, addr, watching)
				if err != nil || !restart {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default LISTEN_ADDR or 127.0.0.1:8000)")
	cmd.Flags().BoolVar(&watching, "watch", false, "restart when configuration files change")
	return cmd
}

// serveOnce runs the server with freshly loaded settings. It reports
// restart=true when a watched file changed.
func serveOnce(ctx context.Context, flags *globalFlags, addr string, watching bool) (bool, error) {
	settings, err := flags.load()
	if err != nil {
		return false, err
	}
	if err := settings.Validate(); err != nil {
		return false, err
	}
	logger := composition.NewLogger(os.Stdout, settings.LogLevel)
	svc, err := composition.Build(settings, logger)
	if err != nil {
		return false, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var changes <-chan string
	if watching {
		if changes, err = watch.Files(runCtx, settings.WatchPaths(), watch.DefaultDebounce, logger); err != nil {
			return false, err
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Server(addr).Run(runCtx) }()

	select {
	case err := <-errCh:
		return false, err
	case path, ok := <-changes:
		cancel()
		if err := <-errCh; err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		logger.Info("configuration changed, restarting", "path", path)
		return true, nil
	}
}
