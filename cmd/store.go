package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/crestview-partners/portfolio-cli/internal/ingest"
	"github.com/crestview-partners/portfolio-cli/internal/resilience"
	"github.com/crestview-partners/portfolio-cli/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.SQLitePath
		if dsn == "" {
			dsn = "portfolio.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("database URL is required (PORTFOLIO_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func retryPolicy() resilience.Policy {
	return resilience.Policy{
		Attempts:  cfg.Retry.Attempts,
		BaseDelay: time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.Retry.MaxDelaySecs) * time.Second,
	}
}

func initPipeline(st store.Store, allowCreate bool) *ingest.Pipeline {
	return ingest.New(st, ingest.Options{
		AllowCreate: allowCreate,
		Retry:       retryPolicy(),
	})
}
