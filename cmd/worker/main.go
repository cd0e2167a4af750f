package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mastery-signals/internal/archive"
	"mastery-signals/internal/config"
	"mastery-signals/internal/coord"
	"mastery-signals/internal/dispatch"
	"mastery-signals/internal/logger"
	"mastery-signals/internal/store"
	"mastery-signals/internal/telemetry"
	workerproc "mastery-signals/internal/worker"
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

	workerID := cfg.ResolveWorkerID()
	wlog := log.With("worker_id", workerID)

	c, err := coord.Dial(ctx, cfg)
	if err != nil {
		log.Warn("redis unavailable, polling without fleet locks", "error", err)
	}

	var handler workerproc.BatchHandler = workerproc.TriageHandler{}
	if cfg.RecommenderURL != "" {
		client := dispatch.NewClient(cfg.RecommenderURL, cfg.RecommenderTimeout, cfg.RecommenderMaxRetries, dispatch.WithLogger(wlog))
		handler = workerproc.RecommenderHandler{R: client}
	}

	procOpts := workerproc.OptionsFromConfig(cfg)
	procOpts.WorkerID = workerID
	procOpts.Logger = log
	processor, err := workerproc.NewProcessor(st, handler, procOpts)
	if err != nil {
		log.Fatal("init processor", "error", err)
	}

	sweepOpts := workerproc.SweeperOptionsFromConfig(cfg)
	sweepOpts.Holder = workerID
	sweepOpts.Logger = wlog

	uploader, err := archive.NewUploader(ctx, cfg)
	if err != nil {
		log.Fatal("init archive uploader", "error", err)
	}
	archiveOpts := archive.Options{
		After:    cfg.ArchiveAfter,
		Interval: cfg.ArchiveInterval,
		Holder:   workerID,
		Logger:   wlog,
	}

	if c != nil {
		defer c.Close()
		processor.WithWaiter(c)
		sweepOpts.Locker = c
		archiveOpts.Locker = c
	}
	sweeper := workerproc.NewSweeper(st, sweepOpts)
	archiver := archive.New(st, uploader, archiveOpts)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if cfg.ArchiveAfter > 0 {
		g.Go(func() error { return archiver.Run(gctx) })
	}
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return metricsServer.Shutdown(shutdownCtx)
	})

	wlog.Info("worker started",
		"lease", cfg.LeaseDuration.String(),
		"batch_size", cfg.ClaimBatchSize,
		"concurrency", cfg.WorkerConcurrency,
		"recommender", cfg.RecommenderURL != "",
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "error", err)
		return
	}
	log.Info("worker stopped")
}
