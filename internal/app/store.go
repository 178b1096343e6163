package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/SpringsFern/TG-FileStream/internal/auth"
	"github.com/SpringsFern/TG-FileStream/internal/config"
	"github.com/SpringsFern/TG-FileStream/internal/logging"
	"github.com/SpringsFern/TG-FileStream/internal/storage"
	badgerstore "github.com/SpringsFern/TG-FileStream/internal/storage/badger"
	"github.com/SpringsFern/TG-FileStream/internal/storage/postgres"
)

// OpenStore opens the storage backend selected by DB_BACKEND. The postgres
// schema is migrated before returning.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.DBBackend {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		s, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		logging.Info("running migrations...")
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil

	case "badger":
		logging.Info("opening badger store", zap.String("dir", cfg.BadgerDir))
		s, err := badgerstore.New(cfg.BadgerDir)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported DB_BACKEND %q", cfg.DBBackend)
	}
}

// NewSigner loads the link secret from store, generating it on first use.
func NewSigner(ctx context.Context, store storage.Store) (*auth.Signer, error) {
	secret, err := store.Secret(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("load link secret: %w", err)
	}
	return auth.NewSigner(secret)
}
