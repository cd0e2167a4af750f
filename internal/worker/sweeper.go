package worker

import (
	"context"
	"fmt"
	"time"

	"mastery-signals/internal/config"
	"mastery-signals/internal/logger"
	"mastery-signals/internal/models"
	"mastery-signals/internal/telemetry"
)

const sweepLockName = "sweep"

// SweepStore is the part of the signal store the sweeper needs.
type SweepStore interface {
	SweepExpiredLeases(ctx context.Context, limit int) ([]models.SignalEntry, error)
	ExpireStale(ctx context.Context, limit int) (int64, error)
	Stats(ctx context.Context) (map[models.Status]int64, error)
}

// Locker serialises sweep cycles across the fleet.
type Locker interface {
	RunLocked(ctx context.Context, name, holder string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// SweepResult counts what one sweep cycle changed.
type SweepResult struct {
	Reclaimed int `json:"reclaimed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
}

// SweeperOptions configure a Sweeper.
type SweeperOptions struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
	Holder    string
	Locker    Locker
	Logger    *logger.Logger
}

func SweeperOptionsFromConfig(cfg config.Config) SweeperOptions {
	return SweeperOptions{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
		LockTTL:   cfg.SweepLockTTL,
		Holder:    cfg.ResolveWorkerID(),
	}
}

// Sweeper returns elapsed leases to the queue and abandons signals past
// their TTL.
type Sweeper struct {
	store SweepStore
	opts  SweeperOptions
}

func NewSweeper(st SweepStore, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Sweeper{store: st, opts: opts}
}

// RunOnce sweeps until no expired lease or stale signal is left.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	for {
		reclaimed, err := s.store.SweepExpiredLeases(ctx, s.opts.BatchSize)
		if err != nil {
			return res, fmt.Errorf("sweep expired leases: %w", err)
		}
		for _, e := range reclaimed {
			if e.Status == models.StatusFailed {
				res.Failed++
			} else {
				res.Reclaimed++
			}
		}
		telemetry.SignalsReclaimed.Add(float64(len(reclaimed)))
		if len(reclaimed) < s.opts.BatchSize {
			break
		}
	}
	for {
		n, err := s.store.ExpireStale(ctx, s.opts.BatchSize)
		if err != nil {
			return res, fmt.Errorf("expire stale signals: %w", err)
		}
		res.Expired += int(n)
		telemetry.SignalsExpired.Add(float64(n))
		if n < int64(s.opts.BatchSize) {
			break
		}
	}
	if stats, err := s.store.Stats(ctx); err == nil {
		telemetry.ObserveDepth(stats)
	}
	if res != (SweepResult{}) {
		s.opts.Logger.Info("sweep finished", "reclaimed", res.Reclaimed, "failed", res.Failed, "expired", res.Expired)
	}
	return res, nil
}

// Run sweeps on every interval until ctx is done. With a Locker, only the
// lock holder sweeps in a given cycle.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		s.cycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) cycle(ctx context.Context) {
	run := func(ctx context.Context) error {
		_, err := s.RunOnce(ctx)
		return err
	}
	var err error
	if s.opts.Locker != nil {
		var ran bool
		ran, err = s.opts.Locker.RunLocked(ctx, sweepLockName, s.opts.Holder, s.opts.LockTTL, run)
		if !ran && err == nil {
			s.opts.Logger.Debug("sweep cycle held elsewhere")
			return
		}
	} else {
		err = run(ctx)
	}
	if err != nil && ctx.Err() == nil {
		s.opts.Logger.Error("sweep cycle failed", "error", err)
	}
}
