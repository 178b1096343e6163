package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SpringsFern/TG-FileStream/internal/app"
	"github.com/SpringsFern/TG-FileStream/internal/config"
	"github.com/SpringsFern/TG-FileStream/internal/logging"
	"github.com/SpringsFern/TG-FileStream/internal/storage"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:     "filestream",
	Short:   "Stream Telegram files over HTTP with parallel multi-account downloads",
	Version: app.Version,
	Long: `filestream serves files stored on Telegram through signed HTTP links,
fetching each range over pooled data-center connections of one or more bot
accounts.

Configuration is read from the environment:
  GATEWAY_ADDR, BOT_TOKEN, MULTI_TOKEN1..n, BIN_CHANNEL, PROXY_URL
  HOST, PORT, PUBLIC_URL, METRICS_ADDR
  CONNECTION_LIMIT, DOWNLOAD_PART_SIZE, REQUESTS_PER_MINUTE, FILE_CACHE_TTL
  DB_BACKEND (postgres|badger), DATABASE_URL, BADGER_DIR
  LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT, DEBUG`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		if err := logging.Init(logging.Config{
			Level:      cfg.LogLevel,
			Format:     cfg.LogFormat,
			OutputPath: cfg.LogOutput,
		}); err != nil {
			return fmt.Errorf("logging init error: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, linkCmd, secretCmd, fileCmd, groupCmd, userCmd, versionCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withStore runs fn against the configured store and closes it afterwards.
func withStore(fn func(ctx context.Context, store storage.Store) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}
