package storage

import (
	"context"
	"errors"
	"time"

	"jobkit/internal/config"
	logx "jobkit/pkg/logx"
)

const defaultBusyTimeout = 5 * time.Second

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg *config.StorageConfig, log logx.Logger) (Store, error) {
	driver := cfg.DriverName()
	if driver == config.DriverNone {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))
	max := cfg.MaxEvents
	if max <= 0 {
		max = config.DefaultMaxEvents
	}

	switch driver {
	case config.DriverFile:
		return openFile(cfg.Path, max, log)
	case config.DriverSQLite, "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return nil, err
		}
		return openSQLite(ctx, cfg.Path, busy, max, log)
	case config.DriverPostgres:
		return openPostgres(ctx, cfg.DSN, max, log)
	case config.DriverRedis:
		return openRedis(ctx, redisOptions{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Key:      cfg.Key,
			Max:      max,
		}, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
