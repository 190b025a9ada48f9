package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/janmaj/srds-przychodnia/internal/api"
	"github.com/janmaj/srds-przychodnia/internal/config"
	"github.com/janmaj/srds-przychodnia/internal/events"
	"github.com/janmaj/srds-przychodnia/internal/generator"
	"github.com/janmaj/srds-przychodnia/internal/obs"
	"github.com/janmaj/srds-przychodnia/internal/scheduler"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

func main() {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := obs.NewLogger()
	metrics := obs.NewMetrics(nil)

	if cfg.TraceStdout {
		if err := obs.InitTracing("clinicsched", os.Stdout); err != nil {
			log.Fatalf("tracing: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.ShutdownTracing(shutdownCtx)
		}()
	}

	backend, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store open: %v", err)
	}
	defer backend.Close()
	store := storage.Instrument(backend, metrics)

	roster, err := config.LoadRoster(cfg.RosterFile)
	if err != nil {
		log.Fatalf("roster: %v", err)
	}
	for _, res := range roster {
		if err := store.InsertResource(ctx, res); err != nil {
			log.Fatalf("seed resource %s: %v", res.ID, err)
		}
	}

	var pub events.Publisher = events.Nop{}
	if cfg.RabbitURL != "" {
		rp, err := events.NewRabbitPublisher(cfg.RabbitURL, cfg.EventsExchange)
		if err != nil {
			log.Fatalf("rabbitmq: %v", err)
		}
		pub = rp
	}
	defer pub.Close()

	deps := scheduler.Deps{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		Events:  pub,
	}
	pool := scheduler.NewPool(cfg.Categories, cfg.WorkersPerCategory, deps, scheduler.Config{
		Settle:        cfg.SettleInterval,
		CycleInterval: cfg.CycleInterval,
		QueueLimit:    cfg.QueueLimit,
		MaxAttempts:   cfg.MaxCommitAttempts,
	})
	sweeper := scheduler.NewClaimSweeper(deps, cfg.ClaimStaleAfter, cfg.SweepInterval)

	mux := http.NewServeMux()
	mux.Handle("/", api.NewServer(store, logger, cfg.Categories).Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx) // releases held claims before returning
	}()

	for i := 0; i < cfg.GeneratorWorkers; i++ {
		gen := generator.New(store, cfg.Categories, cfg.GeneratorInterval,
			generator.WithObservability(logger, metrics))
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("clinicsched up addr=%s store=%s categories=%v workers=%d",
			cfg.HTTPAddr, cfg.StoreDriver, cfg.Categories, len(pool.Workers()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}

	wg.Wait()
	log.Printf("clinicsched stopped")
}

func openStore(ctx context.Context, cfg config.App) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return storage.Open(ctx, storage.Config{
			Path:         cfg.SQLitePath,
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 20,
			MaxIdleConns: 20,
		})
	case config.DriverRedis:
		return storage.DialRedis(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, storage.WithRedisPrefix(cfg.RedisPrefix))
	case config.DriverMemory:
		return storage.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
