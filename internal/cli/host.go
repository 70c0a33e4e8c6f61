package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hojune02/ironspider-extension/internal/host"
)

func NewHostCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Run the demo remote host (TLS static server with write/reset endpoints)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := setupLogging(cfg.Logging)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return host.New(cfg.Host, logger).Run(ctx)
		},
	}
}
