package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/app"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service and restore saved sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := opts.load()
			if err != nil {
				return err
			}
			defer flush()

			zap.L().Info("wamanager starting",
				zap.String("version", app.Version),
				zap.String("sessions_dir", cfg.SessionsDir),
				zap.String("proxy_country", cfg.ProxyCountry),
				zap.Int("proxies", cfg.Proxies.Count()),
				zap.Bool("telegram", cfg.Telegram.Enabled()))

			a, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}
