package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vyvo/compute/buildcache/pkg/buildstore"
	"github.com/vyvo/compute/buildcache/pkg/config"
)

// openStore returns the configured backend and a function releasing it.
func openStore(ctx context.Context, cfg config.OrchestratorConfig) (buildstore.Repository, func() error, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "memory":
		return buildstore.NewMemStore(), func() error { return nil }, nil
	case "postgres":
		store, err := buildstore.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	case "sqlite", "":
		store, err := buildstore.NewSQLiteStore(cfg.SQLitePath, func(err error) {
			slog.Error("sqlite migration", "error", err)
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
