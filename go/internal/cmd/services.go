package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/config"
	"github.com/mcdev12/planningpoker/go/internal/estimation"
	"github.com/mcdev12/planningpoker/go/internal/estimation/gateway"
	"github.com/mcdev12/planningpoker/go/internal/health"
	"github.com/mcdev12/planningpoker/go/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Services holds the wired application components
type Services struct {
	Coordinator *estimation.Coordinator
	Gateway     *gateway.Service
	Sweeper     *estimation.Sweeper
	Health      *health.Checker
	StoreStats  func() map[string]int
}

// setupServices wires store → coordinator → gateway. The hub is created
// first since the coordinator publishes through it.
func setupServices(ctx context.Context, cfg *config.Config, metrics estimation.MetricsCollector) (*Services, func(), error) {
	sh, err := setupStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	relay, err := setupRelay(ctx, cfg)
	if err != nil {
		sh.close()
		return nil, nil, err
	}

	checker := health.NewChecker(5 * time.Second)
	checker.Register("store", sh.ping)
	if p, ok := relay.(health.Pinger); ok {
		checker.Register("relay", p)
	}

	connCfg := gateway.DefaultConnectionConfig()
	connCfg.CheckOrigin = originChecker(cfg.AllowedOrigins)
	hub := gateway.NewHub(connCfg, relay)
	clock := clockwork.NewRealClock()
	coordinator := estimation.NewCoordinator(sh.store, hub,
		estimation.WithClock(clock),
		estimation.WithMetrics(metrics),
	)

	return &Services{
		Coordinator: coordinator,
		Gateway:     gateway.NewService(ctx, hub, coordinator),
		Sweeper:     estimation.NewSweeper(coordinator, clock, cfg.Session.IdleTimeout, cfg.Session.SweepInterval),
		Health:      checker,
		StoreStats:  sh.stats,
	}, sh.close, nil
}

// originChecker accepts WebSocket upgrades from the configured origins. A "*"
// entry, or a request without an Origin header, is always accepted.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[strings.ToLower(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(origin)]
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	provider, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		ServiceName:  serviceName,
		Environment:  cfg.Metrics.Environment,
		OTLPEndpoint: cfg.Metrics.OTLPEndpoint,
		OTLPInsecure: cfg.Metrics.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics provider shutdown failed")
		}
	}()

	metrics, err := observability.NewSessionMetrics(provider)
	if err != nil {
		return fmt.Errorf("failed to create session metrics: %w", err)
	}

	services, closeStore, err := setupServices(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer closeStore()

	server := setupServer(cfg, services)

	log.Info().
		Str("addr", server.Addr).
		Str("store", cfg.StoreDriver).
		Str("relay", cfg.Relay.Driver).
		Dur("idle_timeout", cfg.Session.IdleTimeout).
		Msg("starting planning poker server")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return services.Gateway.Start(gctx)
	})
	g.Go(func() error {
		return services.Sweeper.Start(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("planning poker server shutdown complete")
	return err
}
