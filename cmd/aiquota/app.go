package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/aiquota/internal/catalog"
	"github.com/rcourtman/aiquota/internal/config"
	"github.com/rcourtman/aiquota/internal/logging"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/internal/store/docstore"
	"github.com/rcourtman/aiquota/internal/store/sqlite"
)

// app is the storage and catalog wiring shared by every command.
type app struct {
	cfg     *config.Config
	store   store.Store
	cache   *catalog.Cache
	manager *catalog.Manager
	bus     *catalog.RedisBus
}

// loadConfig reads configuration and re-initializes logging from it.
func loadConfig(component string) (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: component})

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: component,
	})
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn().Msg("Using the in-memory store; accounts are lost on restart")
		return store.NewMemoryStore(), nil
	case config.StoreFirestore:
		return docstore.Open(ctx, docstore.Config{
			ProjectID:       cfg.FirestoreProject,
			CredentialsFile: cfg.FirestoreCredentials,
		})
	default:
		return sqlite.Open(cfg.DataDir)
	}
}

// openApp opens the configured store and seeds the catalog. withBus also
// connects the Redis catalog bus when one is configured.
func openApp(ctx context.Context, cfg *config.Config, withBus bool) (*app, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}

	a := &app{cfg: cfg, store: s, cache: catalog.NewCache(s, cfg.CatalogTTL)}

	var bus catalog.Bus
	if withBus && cfg.RedisURL != "" {
		client, err := catalog.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		a.bus = catalog.NewRedisBus(client)
		bus = a.bus
	}
	a.manager = catalog.NewManager(s, a.cache, bus)

	cat, err := a.manager.Seed(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	log.Debug().Int64("catalogVersion", cat.Version).Str("store", cfg.Store).Msg("Catalog loaded")
	return a, nil
}

func (a *app) Close() error {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
	return a.store.Close()
}
