package store

import (
	"context"
	"fmt"

	"mastery-signals/internal/config"
)

// Open connects the backend named by cfg.StoreDriver.
func Open(ctx context.Context, cfg config.Config, opts Options) (SignalStore, error) {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = cfg.SignalTTL
	}
	if opts.MaxEventDataBytes == 0 {
		opts.MaxEventDataBytes = cfg.MaxEventDataBytes
	}
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		st, err := NewPostgres(ctx, cfg.PostgresDSN, opts)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverSQLite:
		st, err := NewSQLite(ctx, cfg.SQLitePath, opts)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
