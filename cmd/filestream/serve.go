package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SpringsFern/TG-FileStream/internal/app"
	"github.com/SpringsFern/TG-FileStream/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Log the bot accounts in and serve downloads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		logging.Info("TG-FileStream starting...",
			zap.String("version", app.Version),
			zap.String("listen", cfg.ListenAddr()),
			zap.String("metrics", cfg.MetricsAddr),
			zap.String("db_backend", cfg.DBBackend))

		store, err := app.OpenStore(ctx, cfg)
		if err != nil {
			return err
		}
		a, err := app.New(ctx, cfg, store, app.GatewayLogin(cfg))
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Run(ctx)
	},
}
