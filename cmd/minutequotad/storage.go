package main

import (
	"context"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/minutequota/internal/config"
	"github.com/mihaimyh/minutequota/pkg/minutequota"
	"github.com/mihaimyh/minutequota/storage/firestore"
	"github.com/mihaimyh/minutequota/storage/gormstore"
	"github.com/mihaimyh/minutequota/storage/memory"
	"github.com/mihaimyh/minutequota/storage/postgres"
	"github.com/mihaimyh/minutequota/storage/redis"
)

type storageBackend struct {
	storage minutequota.Storage
	close   func() error
	ping    func(context.Context) error
}

func noopClose() error { return nil }
func noopPing(context.Context) error { return nil }

func openStorage(ctx context.Context, cfg *config.Config) (*storageBackend, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return &storageBackend{storage: memory.New(), close: noopClose, ping: noopPing}, nil

	case config.BackendPostgres:
		pc := postgres.DefaultConfig()
		pc.ConnectionString = cfg.Storage.DSN
		pc.MaxConns = cfg.Storage.MaxConns
		store, err := postgres.New(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if cfg.Storage.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, fmt.Errorf("migrating postgres: %w", err)
			}
		}
		return &storageBackend{
			storage: store,
			close:   func() error { store.Close(); return nil },
			ping:    store.Ping,
		}, nil

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rc := redis.DefaultConfig()
		if cfg.Redis.KeyPrefix != "" {
			rc.KeyPrefix = cfg.Redis.KeyPrefix
		}
		store, err := redis.New(client, rc)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("creating redis storage: %w", err)
		}
		return &storageBackend{storage: store, close: store.Close, ping: store.Ping}, nil

	case config.BackendFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("connecting to firestore: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{
			AccountsCollection: cfg.Firestore.AccountsCollection,
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("creating firestore storage: %w", err)
		}
		return &storageBackend{storage: store, close: client.Close, ping: noopPing}, nil

	case config.BackendSQLite, config.BackendGormPostgres:
		dialect := "sqlite"
		if cfg.Storage.Backend == config.BackendGormPostgres {
			dialect = "postgres"
		}
		db, err := gormstore.Open(dialect, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", dialect, err)
		}
		store, err := gormstore.New(db)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("migrating %s: %w", dialect, err)
			}
		}
		return &storageBackend{storage: store, close: store.Close, ping: store.Ping}, nil
	}

	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}
