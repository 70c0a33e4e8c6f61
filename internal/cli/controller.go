package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hojune02/ironspider-extension/internal/controller"
)

func NewControllerCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run the background controller for the configured scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := setupLogging(cfg.Logging)

			svc, err := controller.New(cfg.Controller, logger)
			if err != nil {
				return fmt.Errorf("init controller: %w", err)
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// The process supervisor role: installation failures are reported
			// by the core and retried out here, not inside it.
			for {
				err := svc.Install(ctx)
				if err == nil {
					break
				}
				logger.Error("installation attempt failed", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Second):
				}
			}

			addr := fmt.Sprintf(":%d", cfg.Controller.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}

			srv := &http.Server{
				Handler:           svc.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				logger.Info("controller listening",
					"addr", addr,
					"scope", cfg.Controller.Scope,
					"origin", cfg.Controller.Origin)
				err := srv.Serve(ln)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "error", err)
					stop()
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil
		},
	}
}
