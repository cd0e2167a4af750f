package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "mastery-signals/internal/api"
	"mastery-signals/internal/config"
	"mastery-signals/internal/coord"
	"mastery-signals/internal/logger"
	"mastery-signals/internal/ratelimit"
	"mastery-signals/internal/store"
	"mastery-signals/internal/worker"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg, store.Options{Logger: log})
	if err != nil {
		log.Fatal("open store", "driver", cfg.StoreDriver, "error", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", "error", err)
	}

	sweeperOpts := worker.SweeperOptionsFromConfig(cfg)
	sweeperOpts.Logger = log
	deps := api.Deps{Logger: log}

	c, err := coord.Dial(ctx, cfg)
	if err != nil {
		log.Warn("redis unavailable, running without rate limits and wake-ups", "error", err)
	}
	if c != nil {
		defer c.Close()
		deps.Limiter = ratelimit.NewTokenBucket(c.Client(), "ratelimit:signals:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		deps.Waker = c
		sweeperOpts.Locker = c
	}
	deps.Sweeper = worker.NewSweeper(st, sweeperOpts)

	server := api.New(st, deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort, "driver", cfg.StoreDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}
