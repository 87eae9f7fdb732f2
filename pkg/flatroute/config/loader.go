package config

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cognicore/flatroute/internal/logging"
	"github.com/cognicore/flatroute/pkg/flatroute/internalerr"
	"github.com/cognicore/flatroute/pkg/flatroute/store"
	"github.com/cognicore/flatroute/pkg/flatroute/store/memstore"
	"github.com/cognicore/flatroute/pkg/flatroute/store/postgres"
	"github.com/cognicore/flatroute/pkg/flatroute/store/sqlite"
)

// Loader reads the config file and constructs the components it names.
type Loader struct {
	Path string
}

// Components holds everything built from one config file.
type Components struct {
	Config *Config
	Store  store.Store
	Logger *zap.Logger
}

// Close releases the store and flushes the logger.
func (c *Components) Close() error {
	var err error
	if c.Store != nil {
		err = c.Store.Close()
	}
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	return err
}

// Load reads the config and opens the logger and store.
func (l *Loader) Load(ctx context.Context) (*Components, error) {
	cfg, err := Load(l.Path)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", internalerr.ErrInvalidConfig, err)
	}

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrapf(err, "config: open %s store", cfg.Store.Driver)
	}

	logger.Info("config: loaded",
		zap.String("path", l.Path),
		zap.String("job", cfg.Job),
		zap.Strings("sources", cfg.Sources),
		zap.String("store", cfg.Store.Driver))

	return &Components{Config: cfg, Store: st, Logger: logger}, nil
}

// OpenStore opens the destination selected by s.
func OpenStore(ctx context.Context, s Store) (store.Store, error) {
	switch s.Driver {
	case DriverSQLite:
		return sqlite.OpenSQLite(ctx, s.DSN, sqlite.Options{MaxOpenConns: s.MaxConns})
	case DriverPostgres:
		return postgres.Open(ctx, s.DSN, s.MaxConns)
	case DriverMemory:
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("%w: unknown store driver %q", internalerr.ErrInvalidConfig, s.Driver)
}
