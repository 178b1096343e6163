package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/SpringsFern/TG-FileStream/internal/storage"
)

// Version is the release recorded in storage on start-up. Overridden at
// build time with -ldflags "-X .../internal/app.Version=...".
var Version = "3.2.0"

// checkVersion records the running version. When it differs from the stored
// one the previous value is kept as OLD_VERSION, and a change of minor
// version is reported since it may need a data migration.
func checkVersion(ctx context.Context, store storage.Store, current string, log *zap.Logger) error {
	stored, err := store.GetConfigValue(ctx, storage.KeyVersion)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("read version: %w", err)
	}
	if stored == current {
		return nil
	}
	if err := store.SetConfigValue(ctx, storage.KeyVersion, current); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	if stored == "" {
		return nil
	}
	if err := store.SetConfigValue(ctx, storage.KeyOldVersion, stored); err != nil {
		return fmt.Errorf("write old version: %w", err)
	}

	oldMinor, ok1 := minorVersion(stored)
	newMinor, ok2 := minorVersion(current)
	if !ok1 || !ok2 || oldMinor != newMinor {
		log.Warn("version mismatch detected",
			zap.String("old_version", stored),
			zap.String("version", current))
	}
	return nil
}

func minorVersion(v string) (int, bool) {
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	if len(parts) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[1])
	return n, err == nil
}
