package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/tavern/internal/config"
	"github.com/MrWong99/tavern/pkg/chatstore"
	"github.com/MrWong99/tavern/pkg/chatstore/postgres"
	"github.com/MrWong99/tavern/pkg/chatstore/sqlite"
)

// OpenStore opens the chat store selected by cfg and applies its schema.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (chatstore.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		s, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		slog.Info("chat store opened", "driver", "sqlite", "dsn", cfg.DSN)
		return s, nil

	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		slog.Info("chat store opened", "driver", "postgres")
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
