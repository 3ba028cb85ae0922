package storage

import (
	"context"

	"github.com/alexchuang650730/aicore0707-sub001/internal/config"
	"github.com/alexchuang650730/aicore0707-sub001/internal/log"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

// InitStore opens the store selected by cfg.Driver.
func InitStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	logger := log.GetLogger()
	switch cfg.Driver {
	case "", "memory":
		logger.Info("Using in-memory store")
		return storage.NewMemoryStore(), nil
	case "file":
		logger.WithField("path", cfg.Path).Info("Using file store")
		return NewFileStore(cfg.Path)
	case "postgres":
		pg := cfg.Postgres
		store, err := NewPostgresStore(ctx, pg.ConnString(), PoolConfig{
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		logger.WithField("host", pg.Host).Info("Using postgres store")
		return store, nil
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Migrate applies every pending migration from sourceURL, e.g.
// "file://migrations". It reports whether anything changed.
func Migrate(sourceURL, connStr string) (bool, error) {
	m, err := migrate.New(sourceURL, connStr)
	if err != nil {
		return false, errors.Wrap(err, "initialize migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return false, nil
		}
		return false, errors.Wrap(err, "apply migrations")
	}
	return true, nil
}
