package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mastery-signals/internal/logger"
	"mastery-signals/internal/models"
	"mastery-signals/internal/telemetry"
)

const (
	defaultBatchSize = 500
	lockName         = "archive"
	contentType      = "application/x-ndjson"
)

// Source is the part of the signal store the archiver needs.
type Source interface {
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]models.SignalEntry, error)
	DeleteSignals(ctx context.Context, ids []int64) (int64, error)
}

// Locker serialises archive cycles across processes.
type Locker interface {
	RunLocked(ctx context.Context, name, holder string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// Options configure an Archiver.
type Options struct {
	After     time.Duration
	Interval  time.Duration
	BatchSize int
	Holder    string
	LockTTL   time.Duration
	Locker    Locker
	Now       func() time.Time
	Logger    *logger.Logger
}

// Archiver moves terminal signals older than the retention window into
// JSON Lines objects and then deletes them from the queue.
type Archiver struct {
	src      Source
	uploader Uploader
	opts     Options
}

func New(src Source, uploader Uploader, opts Options) *Archiver {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Archiver{src: src, uploader: uploader, opts: opts}
}

// RunOnce archives every eligible row and returns how many were deleted.
// Rows are deleted only after their object was written.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	now := a.opts.Now().UTC()
	cutoff := now.Add(-a.opts.After)
	var total int64
	for part := 0; ; part++ {
		rows, err := a.src.ListArchivable(ctx, cutoff, a.opts.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list archivable: %w", err)
		}
		if len(rows) == 0 {
			return total, nil
		}
		body, ids, err := encodeLines(rows)
		if err != nil {
			return total, err
		}
		key := fmt.Sprintf("signals/%s/%s-%04d-%d.jsonl",
			now.Format("2006-01-02"), now.Format("150405"), part, rows[0].ID)
		location, err := a.uploader.Upload(ctx, key, body, contentType)
		if err != nil {
			return total, fmt.Errorf("upload %s: %w", key, err)
		}
		n, err := a.src.DeleteSignals(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("delete archived signals: %w", err)
		}
		total += n
		telemetry.SignalsArchived.Add(float64(n))
		a.opts.Logger.Info("archived signals", "count", n, "location", location)
		if len(rows) < a.opts.BatchSize {
			return total, nil
		}
	}
}

// Run archives on every interval until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		a.cycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Archiver) cycle(ctx context.Context) {
	run := func(ctx context.Context) error {
		_, err := a.RunOnce(ctx)
		return err
	}
	var err error
	if a.opts.Locker != nil {
		var ran bool
		ran, err = a.opts.Locker.RunLocked(ctx, lockName, a.opts.Holder, a.opts.LockTTL, run)
		if !ran && err == nil {
			a.opts.Logger.Debug("archive cycle held elsewhere")
			return
		}
	} else {
		err = run(ctx)
	}
	if err != nil && ctx.Err() == nil {
		a.opts.Logger.Error("archive cycle failed", "error", err)
	}
}

func encodeLines(rows []models.SignalEntry) ([]byte, []int64, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return nil, nil, fmt.Errorf("encode signal %d: %w", r.ID, err)
		}
		ids = append(ids, r.ID)
	}
	return buf.Bytes(), ids, nil
}
