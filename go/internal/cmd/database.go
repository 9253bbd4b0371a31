package main

import (
	"context"
	"fmt"

	"github.com/mcdev12/planningpoker/go/internal/config"
	"github.com/mcdev12/planningpoker/go/internal/estimation/gateway"
	"github.com/mcdev12/planningpoker/go/internal/estimation/gateway/relay/natsrelay"
	"github.com/mcdev12/planningpoker/go/internal/estimation/gateway/relay/pgnotify"
	"github.com/mcdev12/planningpoker/go/internal/estimation/gateway/relay/redisrelay"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store/memory"
	"github.com/mcdev12/planningpoker/go/internal/estimation/store/postgres"
	"github.com/mcdev12/planningpoker/go/internal/health"
	"github.com/rs/zerolog/log"
)

type storeHandle struct {
	store store.Store
	stats func() map[string]int
	ping  health.Pinger
	close func()
}

// setupStore opens the configured session store
func setupStore(ctx context.Context, cfg *config.Config) (*storeHandle, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.Database.DSN(), postgres.PoolConfig{})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		repo := postgres.NewRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info().
			Str("host", cfg.Database.Host).
			Str("database", cfg.Database.Database).
			Msg("using postgres session store")
		return &storeHandle{
			store: repo,
			stats: func() map[string]int {
				s := pool.Stat()
				return map[string]int{
					"total_conns":    int(s.TotalConns()),
					"idle_conns":     int(s.IdleConns()),
					"acquired_conns": int(s.AcquiredConns()),
				}
			},
			ping:  pool,
			close: pool.Close,
		}, nil

	default:
		log.Info().Msg("using in-memory session store")
		st := memory.NewStore()
		return &storeHandle{store: st, stats: st.Stats, close: func() {}}, nil
	}
}

// setupRelay returns the cross-instance relay, or nil when running alone
func setupRelay(ctx context.Context, cfg *config.Config) (gateway.Relay, error) {
	switch cfg.Relay.Driver {
	case config.RelayNATS:
		natsCfg := natsrelay.DefaultConfig()
		natsCfg.URL = cfg.Relay.NATSURL
		relay, err := natsrelay.New(natsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create nats relay: %w", err)
		}
		return relay, nil

	case config.RelayRedis:
		relay, err := redisrelay.NewFromURL(ctx, cfg.Relay.RedisURL, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create redis relay: %w", err)
		}
		return relay, nil

	case config.RelayPGNotify:
		relay, err := pgnotify.New(cfg.Database.DSN(), cfg.Relay.PGNotifyChannel)
		if err != nil {
			return nil, fmt.Errorf("failed to create pg notify relay: %w", err)
		}
		return relay, nil

	default:
		return nil, nil
	}
}

func migrate(ctx context.Context, cfg *config.Config) error {
	pool, err := postgres.Connect(ctx, cfg.Database.DSN(), postgres.PoolConfig{MaxConns: 1})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	return postgres.NewRepository(pool).Migrate(ctx)
}
