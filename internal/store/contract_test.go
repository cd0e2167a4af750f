package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mastery-signals/internal/logger"
	"mastery-signals/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, opts Options) SignalStore

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *fakeClock
	store SignalStore
}

func newHarness(t *testing.T, factory storeFactory, opts Options) *harness {
	t.Helper()
	clock := newFakeClock()
	opts.Now = clock.Now
	return &harness{t: t, ctx: context.Background(), clock: clock, store: factory(t, opts)}
}

func (h *harness) enqueue(user, event string, prio models.Priority) models.SignalEntry {
	h.t.Helper()
	entry, dedup, err := h.store.Enqueue(h.ctx, EnqueueParams{
		UserID:     user,
		EventType:  event,
		Priority:   prio,
		WindowType: models.WindowImmediate,
	})
	require.NoError(h.t, err)
	require.False(h.t, dedup)
	return entry
}

func (h *harness) claim(worker string, n int, lease time.Duration) []models.SignalEntry {
	h.t.Helper()
	claimed, err := h.store.Claim(h.ctx, ClaimParams{BatchSize: n, LeaseDuration: lease, WorkerID: worker})
	require.NoError(h.t, err)
	return claimed
}

func ids(entries []models.SignalEntry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func runContractTests(t *testing.T, factory storeFactory) {
	t.Run("MigrationsAreRepeatable", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		require.NoError(t, h.store.RunMigrations(h.ctx))
	})

	t.Run("EnqueueAppliesDefaults", func(t *testing.T) {
		h := newHarness(t, factory, Options{DefaultTTL: time.Hour})
		entry, dedup, err := h.store.Enqueue(h.ctx, EnqueueParams{UserID: "u1", EventType: "HabitMissed"})
		require.NoError(t, err)
		assert.False(t, dedup)
		assert.NotZero(t, entry.ID)
		assert.Equal(t, models.StatusPending, entry.Status)
		assert.Equal(t, models.PriorityNormal, entry.Priority)
		assert.Equal(t, models.WindowImmediate, entry.WindowType)
		assert.Equal(t, "{}", entry.EventDataJSON)
		require.NotNil(t, entry.ExpiresAt)
		assert.True(t, entry.ExpiresAt.Equal(h.clock.Now().Add(time.Hour)))
		assert.Nil(t, entry.LeasedUntil)

		got, err := h.store.Get(h.ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, entry, got)
	})

	t.Run("EnqueueRejectsInvalidInput", func(t *testing.T) {
		h := newHarness(t, factory, Options{MaxEventDataBytes: 16})
		_, _, err := h.store.Enqueue(h.ctx, EnqueueParams{EventType: "HabitMissed"})
		assert.ErrorIs(t, err, ErrInvalidSignal)

		_, _, err = h.store.Enqueue(h.ctx, EnqueueParams{UserID: "u1", EventType: "X", Priority: "Critical"})
		assert.ErrorIs(t, err, ErrInvalidSignal)

		_, _, err = h.store.Enqueue(h.ctx, EnqueueParams{UserID: "u1", EventType: "X", EventDataJSON: `{"note":"far too long for the bound"}`})
		assert.ErrorIs(t, err, ErrPayloadTooLarge)

		_, _, err = h.store.Enqueue(h.ctx, EnqueueParams{UserID: "u1", EventType: "X", EventDataJSON: `{nope`})
		assert.ErrorIs(t, err, ErrInvalidSignal)
	})

	t.Run("EnqueueDeduplicatesUnresolved", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		p := EnqueueParams{UserID: "u1", EventType: "GoalUpdated", TargetEntityType: "Goal", TargetEntityID: "g-7"}
		first, dedup, err := h.store.Enqueue(h.ctx, p)
		require.NoError(t, err)
		require.False(t, dedup)

		second, dedup, err := h.store.Enqueue(h.ctx, p)
		require.NoError(t, err)
		assert.True(t, dedup)
		assert.Equal(t, first.ID, second.ID)

		other := p
		other.TargetEntityID = "g-8"
		third, dedup, err := h.store.Enqueue(h.ctx, other)
		require.NoError(t, err)
		assert.False(t, dedup)
		assert.NotEqual(t, first.ID, third.ID)

		claimed := h.claim("w1", 10, time.Minute)
		require.Len(t, claimed, 2)
		_, dedup, err = h.store.Enqueue(h.ctx, p)
		require.NoError(t, err)
		assert.True(t, dedup, "a processing signal still occupies the slot")

		_, err = h.store.Complete(h.ctx, first.ID, "w1", Processed(models.TierRules))
		require.NoError(t, err)
		fresh, dedup, err := h.store.Enqueue(h.ctx, p)
		require.NoError(t, err)
		assert.False(t, dedup)
		assert.NotEqual(t, first.ID, fresh.ID)
	})

	t.Run("ClaimPrefersUrgent", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		normal := h.enqueue("u1", "CheckInSubmitted", models.PriorityNormal)
		urgent := h.enqueue("u2", "StreakBroken", models.PriorityUrgent)

		claimed := h.claim("w1", 1, time.Minute)
		require.Len(t, claimed, 1)
		assert.Equal(t, urgent.ID, claimed[0].ID)
		assert.Equal(t, models.StatusProcessing, claimed[0].Status)
		assert.Equal(t, "w1", claimed[0].LeaseHolder)
		require.NotNil(t, claimed[0].LeasedUntil)
		assert.True(t, claimed[0].LeasedUntil.After(h.clock.Now()))

		claimed = h.claim("w1", 1, time.Minute)
		require.Len(t, claimed, 1)
		assert.Equal(t, normal.ID, claimed[0].ID)
	})

	t.Run("ExampleScenario", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		p1 := h.enqueue("u1", "GoalDeadlineNear", models.PriorityUrgent)
		h.clock.Advance(time.Millisecond)
		p2 := h.enqueue("u1", "HabitMissed", models.PriorityNormal)
		h.clock.Advance(time.Millisecond)
		p3 := h.enqueue("u2", "HabitMissed", models.PriorityNormal)

		lease := 5 * time.Second
		w1 := h.claim("w1", 2, lease)
		assert.Equal(t, []int64{p1.ID, p2.ID}, ids(w1))
		w2 := h.claim("w2", 2, lease)
		assert.Equal(t, []int64{p3.ID}, ids(w2))

		h.clock.Advance(6 * time.Second)
		_, err := h.store.Complete(h.ctx, p3.ID, "w2", Processed(models.TierLight))
		require.NoError(t, err, "an elapsed lease can still be completed until it is swept")

		reclaimed, err := h.store.SweepExpiredLeases(h.ctx, 100)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{p1.ID, p2.ID}, ids(reclaimed))
		for _, e := range reclaimed {
			assert.Equal(t, models.StatusPending, e.Status)
			assert.Nil(t, e.LeasedUntil)
			assert.Empty(t, e.LeaseHolder)
			assert.Equal(t, 1, e.RetryCount)
			require.NotNil(t, e.LastError)
			assert.Contains(t, *e.LastError, "lease expired")
			assert.Contains(t, *e.LastError, "w1")
		}
	})

	t.Run("ConcurrentClaimsAreDisjoint", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		const total = 60
		for i := 0; i < total; i++ {
			h.enqueue(fmt.Sprintf("user-%d", i), "HabitMissed", models.Priorities[i%len(models.Priorities)])
		}

		const workers = 8
		var (
			mu   sync.Mutex
			seen = map[int64]string{}
			dups []int64
			wg   sync.WaitGroup
			errs = make(chan error, workers)
		)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					claimed, err := h.store.Claim(h.ctx, ClaimParams{BatchSize: 3, LeaseDuration: time.Minute, WorkerID: worker})
					if err != nil {
						errs <- err
						return
					}
					if len(claimed) == 0 {
						return
					}
					mu.Lock()
					for _, e := range claimed {
						if _, ok := seen[e.ID]; ok {
							dups = append(dups, e.ID)
						}
						seen[e.ID] = worker
						if e.LeaseHolder != worker {
							dups = append(dups, e.ID)
						}
					}
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		assert.Empty(t, dups)
		assert.Len(t, seen, total)
	})

	t.Run("LeaseExpiryReclaims", func(t *testing.T) {
		h := newHarness(t, factory, Options{MaxRetries: 2})
		entry := h.enqueue("u1", "HabitMissed", models.PriorityNormal)
		require.Len(t, h.claim("w1", 1, time.Second), 1)

		reclaimed, err := h.store.SweepExpiredLeases(h.ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, reclaimed, "lease still valid")
		assert.Empty(t, h.claim("w2", 1, time.Second), "leased rows are not claimable")

		h.clock.Advance(1500 * time.Millisecond)
		reclaimed, err = h.store.SweepExpiredLeases(h.ctx, 10)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, models.StatusPending, reclaimed[0].Status)

		again := h.claim("w2", 1, time.Second)
		require.Len(t, again, 1)
		assert.Equal(t, entry.ID, again[0].ID)

		h.clock.Advance(2 * time.Second)
		reclaimed, err = h.store.SweepExpiredLeases(h.ctx, 10)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, models.StatusFailed, reclaimed[0].Status, "retry budget exhausted")
		assert.NotNil(t, reclaimed[0].ProcessedAt)
		assert.Empty(t, h.claim("w3", 1, time.Second))
	})

	t.Run("SweepLogsReclaimedLeases", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		h := newHarness(t, factory, Options{Logger: logger.FromZap(zap.New(core))})
		entry := h.enqueue("u1", "HabitMissed", models.PriorityNormal)
		h.claim("w1", 1, time.Second)
		h.clock.Advance(2 * time.Second)

		_, err := h.store.SweepExpiredLeases(h.ctx, 10)
		require.NoError(t, err)
		entries := logs.FilterMessage("reclaimed expired signal lease").All()
		require.Len(t, entries, 1)
		assert.Equal(t, entry.ID, entries[0].ContextMap()["signal_id"])
	})

	t.Run("RetryBudgetEndsInFailed", func(t *testing.T) {
		h := newHarness(t, factory, Options{MaxRetries: 3})
		entry := h.enqueue("u1", "ExperimentEnded", models.PriorityHigh)

		for attempt := 1; attempt <= 3; attempt++ {
			claimed := h.claim("w1", 1, time.Minute)
			require.Len(t, claimed, 1, "attempt %d", attempt)
			done, err := h.store.Complete(h.ctx, entry.ID, "w1", Retry(errors.New("llm timeout"), 0))
			require.NoError(t, err)
			assert.Equal(t, attempt, done.RetryCount)
			if attempt < 3 {
				assert.Equal(t, models.StatusPending, done.Status)
				assert.Nil(t, done.ProcessedAt)
			} else {
				assert.Equal(t, models.StatusFailed, done.Status)
				require.NotNil(t, done.LastError)
				assert.Equal(t, "llm timeout", *done.LastError)
			}
		}
		assert.Empty(t, h.claim("w1", 10, time.Minute))
	})

	t.Run("RetryBackoffDefersClaim", func(t *testing.T) {
		h := newHarness(t, factory, Options{MaxRetries: 5})
		entry := h.enqueue("u1", "HabitMissed", models.PriorityNormal)
		h.claim("w1", 1, time.Minute)
		_, err := h.store.Complete(h.ctx, entry.ID, "w1", Retry(errors.New("busy"), 10*time.Second))
		require.NoError(t, err)

		assert.Empty(t, h.claim("w1", 1, time.Minute))
		h.clock.Advance(11 * time.Second)
		assert.Len(t, h.claim("w1", 1, time.Minute), 1)
	})

	t.Run("PermanentFailureAndSkip", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		a := h.enqueue("u1", "HabitMissed", models.PriorityNormal)
		b := h.enqueue("u2", "HabitMissed", models.PriorityNormal)
		h.claim("w1", 2, time.Minute)

		failed, err := h.store.Complete(h.ctx, a.ID, "w1", Failed(errors.New("bad payload")))
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, failed.Status)
		assert.Equal(t, 0, failed.RetryCount)

		skipped, err := h.store.Complete(h.ctx, b.ID, "w1", Skipped("user inactive"))
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessed, skipped.Status)
		assert.Equal(t, "user inactive", skipped.SkipReason)
		assert.NotNil(t, skipped.ProcessedAt)
	})

	t.Run("CompleteRequiresLeaseHolder", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		entry := h.enqueue("u1", "HabitMissed", models.PriorityNormal)
		h.claim("w1", 1, time.Minute)

		_, err := h.store.Complete(h.ctx, entry.ID, "w2", Processed(models.TierRules))
		assert.ErrorIs(t, err, ErrLeaseLost)
		_, err = h.store.Complete(h.ctx, 987654, "w1", Processed(models.TierRules))
		assert.ErrorIs(t, err, ErrNotFound)

		done, err := h.store.Complete(h.ctx, entry.ID, "w1", Processed(models.TierFull))
		require.NoError(t, err)
		assert.Equal(t, models.TierFull, done.ProcessingTier)
		_, err = h.store.Complete(h.ctx, entry.ID, "w1", Processed(models.TierFull))
		assert.ErrorIs(t, err, ErrLeaseLost, "a resolved signal cannot be completed twice")
	})

	t.Run("ExtendLeaseKeepsOwnership", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		entry := h.enqueue("u1", "HabitMissed", models.PriorityNormal)
		h.claim("w1", 1, 2*time.Second)

		h.clock.Advance(1500 * time.Millisecond)
		require.NoError(t, h.store.ExtendLease(h.ctx, entry.ID, "w1", 5*time.Second))
		assert.ErrorIs(t, h.store.ExtendLease(h.ctx, entry.ID, "w2", 5*time.Second), ErrLeaseLost)

		h.clock.Advance(2 * time.Second)
		reclaimed, err := h.store.SweepExpiredLeases(h.ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, reclaimed)
	})

	t.Run("ExpiredSignalsAreNeverClaimed", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		exp := h.clock.Now().Add(time.Second)
		stale, _, err := h.store.Enqueue(h.ctx, EnqueueParams{
			UserID: "u1", EventType: "CheckInDue", Priority: models.PriorityUrgent, ExpiresAt: &exp,
		})
		require.NoError(t, err)
		fresh := h.enqueue("u2", "CheckInDue", models.PriorityLow)

		h.clock.Advance(2 * time.Second)
		claimed := h.claim("w1", 10, time.Minute)
		assert.Equal(t, []int64{fresh.ID}, ids(claimed))

		n, err := h.store.ExpireStale(h.ctx, 100)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := h.store.Get(h.ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusExpired, got.Status)
		assert.Equal(t, models.SkipReasonTTLExpired, got.SkipReason)
		assert.NotNil(t, got.ProcessedAt)

		n, err = h.store.ExpireStale(h.ctx, 100)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ClaimFilters", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		later := h.clock.Now().Add(time.Hour)
		_, _, err := h.store.Enqueue(h.ctx, EnqueueParams{
			UserID: "u1", EventType: "MorningDigest", WindowType: models.WindowMorning, ScheduledWindowStart: &later,
		})
		require.NoError(t, err)
		evening, _, err := h.store.Enqueue(h.ctx, EnqueueParams{
			UserID: "u1", EventType: "EveningReview", WindowType: models.WindowEvening, Priority: models.PriorityLow,
		})
		require.NoError(t, err)
		h.enqueue("u2", "HabitMissed", models.PriorityUrgent)

		morning := models.WindowMorning
		claimed, err := h.store.Claim(h.ctx, ClaimParams{BatchSize: 10, LeaseDuration: time.Minute, WorkerID: "w1", WindowType: &morning})
		require.NoError(t, err)
		assert.Empty(t, claimed, "window has not opened yet")

		low := models.PriorityLow
		claimed, err = h.store.Claim(h.ctx, ClaimParams{BatchSize: 10, LeaseDuration: time.Minute, WorkerID: "w1", Priority: &low})
		require.NoError(t, err)
		assert.Equal(t, []int64{evening.ID}, ids(claimed))

		h.clock.Advance(time.Hour)
		claimed, err = h.store.Claim(h.ctx, ClaimParams{BatchSize: 10, LeaseDuration: time.Minute, WorkerID: "w1", WindowType: &morning})
		require.NoError(t, err)
		assert.Len(t, claimed, 1)
	})

	t.Run("ClaimValidatesParams", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		_, err := h.store.Claim(h.ctx, ClaimParams{BatchSize: 0, LeaseDuration: time.Minute, WorkerID: "w1"})
		assert.Error(t, err)
		_, err = h.store.Claim(h.ctx, ClaimParams{BatchSize: 1, LeaseDuration: time.Minute})
		assert.Error(t, err)
	})

	t.Run("BatchHistoryIsIdempotent", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		start := HistoryStart{
			BatchID:     "batch-1",
			UserID:      "u1",
			WindowType:  models.WindowMorning,
			SignalIDs:   []int64{3, 1, 2},
			InitialTier: models.TierRules,
		}
		first, created, err := h.store.BeginBatch(h.ctx, start)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, 3, first.SignalsReceived)
		assert.JSONEq(t, `[3,1,2]`, first.SignalIDsJSON)
		assert.False(t, first.Completed())

		h.clock.Advance(time.Second)
		second, created, err := h.store.BeginBatch(h.ctx, start)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.True(t, first.StartedAt.Equal(second.StartedAt))

		done, err := h.store.CompleteBatch(h.ctx, "batch-1", HistoryResult{
			SignalsProcessed:         2,
			SignalsSkipped:           1,
			RecommendationsGenerated: 4,
			FinalTier:                models.TierFull,
			EscalationReason:         "urgent signal present",
			Summary:                  map[string]any{"domains": []string{"habits"}},
		})
		require.NoError(t, err)
		require.True(t, done.Completed())
		assert.True(t, done.TierEscalated)
		assert.Equal(t, models.TierFull, done.FinalTier)
		assert.Equal(t, 4, done.RecommendationsGenerated)
		assert.JSONEq(t, `{"domains":["habits"]}`, done.ResultSummaryJSON)

		_, err = h.store.CompleteBatch(h.ctx, "batch-1", HistoryResult{SignalsProcessed: 99})
		assert.ErrorIs(t, err, ErrBatchCompleted)
		sealed, err := h.store.GetBatch(h.ctx, "batch-1")
		require.NoError(t, err)
		assert.Equal(t, 2, sealed.SignalsProcessed, "completed history is immutable")

		third, created, err := h.store.BeginBatch(h.ctx, start)
		require.NoError(t, err)
		assert.False(t, created)
		assert.True(t, third.Completed())

		_, err = h.store.CompleteBatch(h.ctx, "missing", HistoryResult{})
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = h.store.GetBatch(h.ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("BatchTagSurvivesRetry", func(t *testing.T) {
		h := newHarness(t, factory, Options{MaxRetries: 5})
		a := h.enqueue("u1", "HabitMissed", models.PriorityNormal)
		b := h.enqueue("u1", "GoalUpdated", models.PriorityNormal)
		assert.Empty(t, a.BatchID)

		claimed := h.claim("w1", 10, time.Minute)
		require.Len(t, claimed, 2)
		_, _, err := h.store.BeginBatch(h.ctx, HistoryStart{
			BatchID: "batch-a", UserID: "u1", WindowType: models.WindowImmediate,
			SignalIDs: []int64{a.ID}, InitialTier: models.TierRules,
		})
		require.NoError(t, err)

		retried, err := h.store.Complete(h.ctx, a.ID, "w1", Retry(errors.New("model timeout"), 0))
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, retried.Status)
		assert.Equal(t, "batch-a", retried.BatchID)

		// an existing tag is never overwritten
		_, _, err = h.store.BeginBatch(h.ctx, HistoryStart{
			BatchID: "batch-b", UserID: "u1", WindowType: models.WindowImmediate,
			SignalIDs: []int64{a.ID, b.ID}, InitialTier: models.TierRules,
		})
		require.NoError(t, err)
		got, err := h.store.Get(h.ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "batch-a", got.BatchID)
		got, err = h.store.Get(h.ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, "batch-b", got.BatchID)
	})

	t.Run("BatchSummaryIsBounded", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		_, _, err := h.store.BeginBatch(h.ctx, HistoryStart{BatchID: "big", UserID: "u1", InitialTier: models.TierFull})
		require.NoError(t, err)
		huge := make([]string, 2000)
		for i := range huge {
			huge[i] = "recommendation"
		}
		done, err := h.store.CompleteBatch(h.ctx, "big", HistoryResult{FinalTier: models.TierLight, Summary: huge})
		require.NoError(t, err)
		assert.False(t, done.TierEscalated)
		var marker map[string]any
		require.NoError(t, json.Unmarshal([]byte(done.ResultSummaryJSON), &marker))
		assert.Equal(t, true, marker["truncated"])
	})

	t.Run("StatsAndList", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		a := h.enqueue("u1", "HabitMissed", models.PriorityNormal)
		h.enqueue("u1", "GoalUpdated", models.PriorityNormal)
		h.enqueue("u2", "HabitMissed", models.PriorityNormal)
		h.claim("w1", 1, time.Minute)

		stats, err := h.store.Stats(h.ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats[models.StatusPending])
		assert.EqualValues(t, 1, stats[models.StatusProcessing])
		assert.EqualValues(t, 0, stats[models.StatusExpired])

		mine, err := h.store.List(h.ctx, ListFilter{UserID: "u1"})
		require.NoError(t, err)
		assert.Len(t, mine, 2)

		processing := models.StatusProcessing
		leased, err := h.store.List(h.ctx, ListFilter{Status: &processing})
		require.NoError(t, err)
		assert.Equal(t, []int64{a.ID}, ids(leased))
	})

	t.Run("ArchivableAndDelete", func(t *testing.T) {
		h := newHarness(t, factory, Options{})
		done := h.enqueue("u1", "HabitMissed", models.PriorityNormal)
		open := h.enqueue("u2", "HabitMissed", models.PriorityNormal)
		h.claim("w1", 1, time.Minute)
		_, err := h.store.Complete(h.ctx, done.ID, "w1", Processed(models.TierRules))
		require.NoError(t, err)

		h.clock.Advance(48 * time.Hour)
		old, err := h.store.ListArchivable(h.ctx, h.clock.Now().Add(-24*time.Hour), 100)
		require.NoError(t, err)
		assert.Equal(t, []int64{done.ID}, ids(old))

		n, err := h.store.DeleteSignals(h.ctx, []int64{done.ID, open.ID})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n, "unresolved signals are never deleted")
		_, err = h.store.Get(h.ctx, done.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = h.store.Get(h.ctx, open.ID)
		assert.NoError(t, err)
	})
}
