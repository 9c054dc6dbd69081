package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Breakout/internal/adapters/http"
	"github.com/dkeye/Breakout/internal/app"
	"github.com/dkeye/Breakout/internal/app/orch"
	"github.com/dkeye/Breakout/internal/auth"
	"github.com/dkeye/Breakout/internal/bus"
	"github.com/dkeye/Breakout/internal/config"
	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/metrics"
	"github.com/dkeye/Breakout/internal/scheduler"
	"github.com/dkeye/Breakout/internal/segment"
	"github.com/dkeye/Breakout/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	clock := clockwork.NewRealClock()
	sched := scheduler.New(clock)
	defer sched.Stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	events := bus.New(256)
	defer events.Close()
	m.ObserveBus(events)

	idem, closeStore, err := openStore(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer closeStore()

	issuer, err := auth.NewIssuer(cfg.Secret, clock)
	if err != nil {
		return err
	}

	directory := core.NewMemoryDirectory()
	engine := segment.NewEngine(clock, events, nil, directory,
		segment.WithMetrics(m),
		segment.WithIdempotency(idem),
	)
	rooms := app.NewRoomManager(app.RoomConfig{
		CountdownPeriod: cfg.Rooms.CountdownPeriod,
		WarningMinutes:  cfg.Rooms.WarningMinutes,
		ClosingGrace:    cfg.Rooms.ClosingGrace,
		RedirectGrace:   cfg.Rooms.RedirectGrace,
		Retention:       cfg.Rooms.Retention,
		MediaBaseURL:    cfg.MediaBaseURL,
		MediaTokenTTL:   cfg.MediaTokenTTL,
	}, events, sched, idem,
		app.WithAssignments(engine),
		app.WithMediaTokens(issuer),
		app.WithMetrics(m),
	)
	engine.SetRooms(rooms)

	o := orch.New(orch.Config{
		RetransmitPeriod: cfg.Realtime.RetransmitPeriod,
		MaxRetransmits:   cfg.Realtime.MaxRetransmits,
	}, &orch.Orchestrator{
		Registry:  app.NewRegistry(),
		Rooms:     rooms,
		Segments:  engine,
		Directory: directory,
		Policy:    app.SimplePolicy{},
		Bus:       events,
		Sched:     sched,
		Metrics:   m,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rooms.Run(ctx)
		return nil
	})
	g.Go(func() error {
		o.Run(ctx)
		return nil
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, o, issuer, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Breakout server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (store.IdempotencyStore, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info().Str("module", "main").Msg("using in-memory idempotency store")
		return store.NewMemoryStore(clock, cfg.IdempotencyTTL), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	log.Info().Str("module", "main").Str("addr", cfg.RedisAddr).Msg("using redis idempotency store")
	return store.NewRedisStore(client, "breakout:idem:", cfg.IdempotencyTTL), func() { _ = client.Close() }, nil
}
