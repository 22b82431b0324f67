package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/app"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/config"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/logger"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "wamanager",
		Short:        "Multi-account WhatsApp session manager",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "optional config file (yaml, json or toml)")

	serve := newServeCmd(opts)
	rootCmd.RunE = serve.RunE
	rootCmd.AddCommand(
		serve,
		newSessionsCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), app.Version)
			},
		},
	)
	return rootCmd
}

// load reads the configuration and installs the global logger.
func (o *rootOptions) load() (*config.Config, func(), error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	flush, err := logger.Init(logger.Config{Mode: cfg.Log.Mode, Filename: cfg.Log.File})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, flush, nil
}
