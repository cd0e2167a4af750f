package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mastery-signals/internal/config"
	"mastery-signals/internal/logger"
	"mastery-signals/internal/models"
	"mastery-signals/internal/store"
	"mastery-signals/internal/telemetry"
)

// Store is the part of the signal store a processor drives.
type Store interface {
	Claim(ctx context.Context, p store.ClaimParams) ([]models.SignalEntry, error)
	ExtendLease(ctx context.Context, id int64, workerID string, extension time.Duration) error
	Complete(ctx context.Context, id int64, workerID string, o store.Outcome) (models.SignalEntry, error)
	BeginBatch(ctx context.Context, h store.HistoryStart) (models.ProcessingHistory, bool, error)
	CompleteBatch(ctx context.Context, batchID string, r store.HistoryResult) (models.ProcessingHistory, error)
}

// Waiter blocks until new work may be available.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration, windows ...models.WindowType) (bool, error)
}

// Options configure a Processor.
type Options struct {
	WorkerID       string
	BatchSize      int
	LeaseDuration  time.Duration
	PollInterval   time.Duration
	Concurrency    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Priority       *models.Priority
	WindowType     *models.WindowType
	Logger         *logger.Logger
}

// OptionsFromConfig maps worker settings from config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:       cfg.ResolveWorkerID(),
		BatchSize:      cfg.ClaimBatchSize,
		LeaseDuration:  cfg.LeaseDuration,
		PollInterval:   cfg.WorkerPollInterval,
		Concurrency:    cfg.WorkerConcurrency,
		BackoffInitial: cfg.RetryBackoffInitial,
		BackoffMax:     cfg.RetryBackoffMax,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// Processor drives the worker execution loop: claim, group per user and
// window, hand each group to the handler, apply outcomes.
type Processor struct {
	store   Store
	handler BatchHandler
	waiter  Waiter
	opts    Options
	log     *logger.Logger
}

func NewProcessor(st Store, handler BatchHandler, opts Options) (*Processor, error) {
	opts = opts.withDefaults()
	if opts.WorkerID == "" {
		return nil, errors.New("processor requires a worker id")
	}
	if handler == nil {
		handler = TriageHandler{}
	}
	return &Processor{
		store:   st,
		handler: handler,
		opts:    opts,
		log:     opts.Logger.With("worker_id", opts.WorkerID),
	}, nil
}

// WithWaiter lets the processor sleep on wake-ups instead of a fixed poll.
func (p *Processor) WithWaiter(w Waiter) *Processor {
	p.waiter = w
	return p
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("processor started",
		"batch_size", p.opts.BatchSize,
		"lease", p.opts.LeaseDuration.String(),
		"concurrency", p.opts.Concurrency,
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error("processing cycle failed", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		p.idle(ctx)
	}
}

func (p *Processor) idle(ctx context.Context) {
	if p.waiter != nil {
		var windows []models.WindowType
		if p.opts.WindowType != nil {
			windows = []models.WindowType{*p.opts.WindowType}
		}
		_, err := p.waiter.Wait(ctx, p.opts.PollInterval, windows...)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.log.Debug("wake wait failed, polling", "error", err)
	}
	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// RunOnce claims one batch of signals and processes it. It returns how many
// signals were claimed.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	claimed, err := p.store.Claim(ctx, store.ClaimParams{
		BatchSize:     p.opts.BatchSize,
		LeaseDuration: p.opts.LeaseDuration,
		WorkerID:      p.opts.WorkerID,
		Priority:      p.opts.Priority,
		WindowType:    p.opts.WindowType,
	})
	if err != nil {
		return 0, fmt.Errorf("claim signals: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	telemetry.SignalsClaimed.Add(float64(len(claimed)))
	telemetry.InFlightGauge.Add(float64(len(claimed)))

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for _, b := range groupSignals(claimed) {
		b := b
		g.Go(func() error {
			defer telemetry.InFlightGauge.Sub(float64(len(b.Signals)))
			return p.processBatch(ctx, b)
		})
	}
	return len(claimed), g.Wait()
}

// groupSignals splits claimed signals into one batch per (user, window),
// keeping claim order inside and across batches. Signals already tagged with
// an open batch form that batch again so a retry resumes its history record.
func groupSignals(claimed []models.SignalEntry) []Batch {
	type key struct {
		user   string
		window models.WindowType
		batch  string
	}
	index := make(map[key]int)
	var batches []Batch
	for _, s := range claimed {
		k := key{s.UserID, s.WindowType, s.BatchID}
		i, ok := index[k]
		if !ok {
			i = len(batches)
			index[k] = i
			batches = append(batches, Batch{ID: s.BatchID, UserID: s.UserID, WindowType: s.WindowType, InitialTier: models.TierRules})
		}
		batches[i].Signals = append(batches[i].Signals, s)
	}
	for i := range batches {
		if batches[i].ID == "" {
			batches[i].ID = BatchID(batches[i].UserID, batches[i].WindowType, batches[i].Signals)
		}
	}
	return batches
}

var batchNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("signal-processing-batch"))

// BatchID derives the idempotency key of a new processing cycle from its
// user, window and signal set.
func BatchID(userID string, window models.WindowType, signals []models.SignalEntry) string {
	ids := make([]int64, 0, len(signals))
	for _, s := range signals {
		ids = append(ids, s.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	name := userID + "|" + string(window) + "|" + strings.Join(parts, ",")
	return uuid.NewSHA1(batchNamespace, []byte(name)).String()
}

func (p *Processor) processBatch(ctx context.Context, b Batch) error {
	log := p.log.With("batch_id", b.ID, "user_id", b.UserID, "window", b.WindowType, "signals", len(b.Signals))
	ids := make([]int64, 0, len(b.Signals))
	for _, s := range b.Signals {
		ids = append(ids, s.ID)
	}

	hist, created, err := p.store.BeginBatch(ctx, store.HistoryStart{
		BatchID:     b.ID,
		UserID:      b.UserID,
		WindowType:  b.WindowType,
		SignalIDs:   ids,
		InitialTier: b.InitialTier,
	})
	if err != nil {
		return fmt.Errorf("begin batch %s: %w", b.ID, err)
	}
	if !created && hist.Completed() {
		log.Warn("batch already completed, skipping signals")
		for _, s := range b.Signals {
			p.complete(ctx, log, s, store.Skipped(models.SkipReasonDuplicateBatch))
		}
		return nil
	}
	if !created {
		log.Info("resuming open batch")
	}

	start := time.Now()
	res, herr := p.handle(ctx, log, b)
	if herr != nil {
		return p.failBatch(ctx, log, b, herr)
	}

	var processed, skipped int
	for _, s := range b.Signals {
		if reason, ok := res.Skipped[s.ID]; ok {
			if p.complete(ctx, log, s, store.Skipped(reason)) {
				skipped++
			}
			continue
		}
		if p.complete(ctx, log, s, store.Processed(res.Tier)) {
			processed++
		}
	}

	_, err = p.store.CompleteBatch(ctx, b.ID, store.HistoryResult{
		SignalsProcessed:         processed,
		SignalsSkipped:           skipped,
		RecommendationsGenerated: res.RecommendationsGenerated,
		FinalTier:                res.Tier,
		EscalationReason:         res.EscalationReason,
		Summary:                  res.Summary,
	})
	if errors.Is(err, store.ErrBatchCompleted) {
		log.Warn("batch completed concurrently")
		err = nil
	}
	if err != nil {
		return fmt.Errorf("complete batch %s: %w", b.ID, err)
	}
	telemetry.BatchDuration.WithLabelValues(string(res.Tier)).Observe(time.Since(start).Seconds())
	log.Info("batch processed", "tier", res.Tier, "processed", processed, "skipped", skipped,
		"recommendations", res.RecommendationsGenerated, "duration", time.Since(start).String())
	return nil
}

// handle runs the handler while a heartbeat keeps the batch's leases alive.
func (p *Processor) handle(ctx context.Context, log *logger.Logger, b Batch) (res Result, err error) {
	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(hbCtx, log, b.Signals)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, b)
}

func (p *Processor) heartbeat(ctx context.Context, log *logger.Logger, signals []models.SignalEntry) {
	ticker := time.NewTicker(max(p.opts.LeaseDuration/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, s := range signals {
			err := p.store.ExtendLease(ctx, s.ID, p.opts.WorkerID, p.opts.LeaseDuration)
			if err != nil && ctx.Err() == nil {
				log.Warn("lease heartbeat failed", "signal_id", s.ID, "error", err)
			}
		}
	}
}

func (p *Processor) failBatch(ctx context.Context, log *logger.Logger, b Batch, herr error) error {
	permanent := IsPermanent(herr)
	log.Warn("batch handler failed", "error", herr, "permanent", permanent)

	open := false
	for _, s := range b.Signals {
		var outcome store.Outcome
		if permanent {
			outcome = store.Failed(herr)
		} else {
			outcome = store.Retry(herr, p.retryDelay(s.RetryCount+1))
		}
		entry, ok := p.completeEntry(ctx, log, s, outcome)
		if ok && entry.Status == models.StatusPending {
			open = true
		}
	}
	if open {
		// the retry reuses this batch's history record
		return nil
	}
	_, err := p.store.CompleteBatch(ctx, b.ID, store.HistoryResult{
		FinalTier: b.InitialTier,
		Error:     herr.Error(),
	})
	if err != nil && !errors.Is(err, store.ErrBatchCompleted) {
		return fmt.Errorf("seal failed batch %s: %w", b.ID, err)
	}
	return nil
}

func (p *Processor) retryDelay(attempt int) time.Duration {
	if p.opts.BackoffInitial <= 0 {
		return 0
	}
	return backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, attempt)
}

func (p *Processor) complete(ctx context.Context, log *logger.Logger, s models.SignalEntry, o store.Outcome) bool {
	_, ok := p.completeEntry(ctx, log, s, o)
	return ok
}

func (p *Processor) completeEntry(ctx context.Context, log *logger.Logger, s models.SignalEntry, o store.Outcome) (models.SignalEntry, bool) {
	entry, err := p.store.Complete(ctx, s.ID, p.opts.WorkerID, o)
	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			log.Warn("lease lost before completion", "signal_id", s.ID, "outcome", o.Kind.String())
		} else {
			log.Error("complete signal failed", "signal_id", s.ID, "outcome", o.Kind.String(), "error", err)
		}
		return entry, false
	}
	label := o.Kind.String()
	if o.Kind == store.OutcomeRetry && entry.Status == models.StatusFailed {
		label = "failed"
	}
	telemetry.SignalsCompleted.WithLabelValues(label).Inc()
	return entry, true
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
