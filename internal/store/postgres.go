package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mastery-signals/internal/models"
)

const signalColumns = `id, user_id, event_type, event_data_json, priority, window_type, scheduled_window_start,
	target_entity_type, target_entity_id, status, created_at, processed_at, leased_until, lease_holder,
	retry_count, last_error, processing_tier, skip_reason, expires_at, batch_id`

const historyColumns = `id, batch_id, user_id, window_type, started_at, completed_at, signals_received,
	signals_processed, signals_skipped, recommendations_generated, initial_tier, final_tier, tier_escalated,
	escalation_reason, signal_ids_json, result_summary_json, error_message`

// Postgres wraps pgxpool for the production signal queue.
type Postgres struct {
	pool *pgxpool.Pool
	opts Options
}

var _ SignalStore = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, opts Options) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, opts: opts.withDefaults()}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return applyMigrations(ctx, "postgres", s)
}

func (s *Postgres) execScript(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return err
}

func (s *Postgres) migrationApplied(ctx context.Context, version string) (bool, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = $1`, version).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Postgres) recordMigration(ctx context.Context, version string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
	return err
}

// Enqueue inserts a pending signal. When an unresolved signal already occupies the
// same (user, event type, target) slot, that signal is returned with deduplicated=true.
func (s *Postgres) Enqueue(ctx context.Context, p EnqueueParams) (models.SignalEntry, bool, error) {
	now := s.opts.now()
	p, err := normalizeEnqueue(p, s.opts, now)
	if err != nil {
		return models.SignalEntry{}, false, err
	}

	for attempt := 0; attempt < dedupInsertAttempts; attempt++ {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO signal_entries (user_id, event_type, event_data_json, priority, window_type,
				scheduled_window_start, target_entity_type, target_entity_id, status, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT DO NOTHING
			RETURNING `+signalColumns,
			p.UserID, p.EventType, p.EventDataJSON, string(p.Priority), string(p.WindowType),
			p.ScheduledWindowStart, p.TargetEntityType, p.TargetEntityID, string(models.StatusPending), now, p.ExpiresAt)
		entry, err := scanPgSignal(row)
		if err == nil {
			return entry, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.SignalEntry{}, false, fmt.Errorf("insert signal: %w", err)
		}

		existing, err := s.findUnresolved(ctx, p)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return models.SignalEntry{}, false, err
		}
		// The conflicting signal resolved between the insert and the lookup.
	}
	return models.SignalEntry{}, false, errors.New("dedup conflict but no unresolved signal found")
}

func (s *Postgres) findUnresolved(ctx context.Context, p EnqueueParams) (models.SignalEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+signalColumns+` FROM signal_entries
		WHERE user_id = $1 AND event_type = $2 AND target_entity_type = $3 AND target_entity_id = $4
		  AND status IN ($5, $6)
		LIMIT 1
	`, p.UserID, p.EventType, p.TargetEntityType, p.TargetEntityID, string(models.StatusPending), string(models.StatusProcessing))
	entry, err := scanPgSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SignalEntry{}, ErrNotFound
	}
	if err != nil {
		return models.SignalEntry{}, fmt.Errorf("query unresolved signal: %w", err)
	}
	return entry, nil
}

// Get fetches a signal by id.
func (s *Postgres) Get(ctx context.Context, id int64) (models.SignalEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM signal_entries WHERE id = $1`, id)
	entry, err := scanPgSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SignalEntry{}, fmt.Errorf("signal %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.SignalEntry{}, fmt.Errorf("scan signal: %w", err)
	}
	return entry, nil
}

// List returns the newest signals matching the filter.
func (s *Postgres) List(ctx context.Context, f ListFilter) ([]models.SignalEntry, error) {
	var status *string
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+signalColumns+` FROM signal_entries
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2 = '' OR user_id = $2)
		ORDER BY id DESC
		LIMIT $3
	`, status, f.UserID, f.limit())
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	return collectPgSignals(rows)
}

// Stats counts signals per status.
func (s *Postgres) Stats(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM signal_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count signals: %w", err)
	}
	defer rows.Close()
	out := make(map[models.Status]int64, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		out[st] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

// Claim leases up to BatchSize claimable signals in one statement. SKIP LOCKED lets
// concurrent workers pass over rows another transaction is already claiming.
func (s *Postgres) Claim(ctx context.Context, p ClaimParams) ([]models.SignalEntry, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	now := s.opts.now()
	var prio, window *string
	if p.Priority != nil {
		v := string(*p.Priority)
		prio = &v
	}
	if p.WindowType != nil {
		v := string(*p.WindowType)
		window = &v
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		UPDATE signal_entries
		SET status = $1, leased_until = $2, lease_holder = $3
		WHERE id IN (
			SELECT id FROM signal_entries
			WHERE status = $4
			  AND (expires_at IS NULL OR expires_at > $5)
			  AND (scheduled_window_start IS NULL OR scheduled_window_start <= $5)
			  AND ($6::text IS NULL OR priority = $6)
			  AND ($7::text IS NULL OR window_type = $7)
			ORDER BY %s, created_at, id
			LIMIT $8
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, priorityOrderSQL(), signalColumns),
		string(models.StatusProcessing), now.Add(p.LeaseDuration), p.WorkerID,
		string(models.StatusPending), now, prio, window, p.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim signals: %w", err)
	}
	claimed, err := collectPgSignals(rows)
	if err != nil {
		return nil, fmt.Errorf("claim signals: %w", err)
	}
	sortClaimed(claimed)
	return claimed, nil
}

// ExtendLease pushes the lease deadline forward for a signal the worker still holds.
func (s *Postgres) ExtendLease(ctx context.Context, id int64, workerID string, extension time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signal_entries SET leased_until = $3
		WHERE id = $1 AND status = $4 AND lease_holder = $2
	`, id, workerID, s.opts.now().Add(extension), string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseMiss(ctx, id)
	}
	return nil
}

// Complete applies an outcome to a signal leased by workerID.
func (s *Postgres) Complete(ctx context.Context, id int64, workerID string, o Outcome) (models.SignalEntry, error) {
	now := s.opts.now()
	processing := string(models.StatusProcessing)
	var row pgx.Row

	switch o.Kind {
	case OutcomeProcessed, OutcomeSkipped:
		row = s.pool.QueryRow(ctx, `
			UPDATE signal_entries
			SET status = $3, processed_at = $4, leased_until = NULL, lease_holder = NULL,
			    processing_tier = $5, skip_reason = $6
			WHERE id = $1 AND status = $7 AND lease_holder = $2
			RETURNING `+signalColumns,
			id, workerID, string(models.StatusProcessed), now, string(o.Tier), clip(o.SkipReason, 64), processing)
	case OutcomeFailed:
		row = s.pool.QueryRow(ctx, `
			UPDATE signal_entries
			SET status = $3, processed_at = $4, leased_until = NULL, lease_holder = NULL, last_error = $5
			WHERE id = $1 AND status = $6 AND lease_holder = $2
			RETURNING `+signalColumns,
			id, workerID, string(models.StatusFailed), now, clip(o.Error, maxErrorBytes), processing)
	case OutcomeRetry:
		var retryAt *time.Time
		if o.RetryAfter > 0 {
			t := now.Add(o.RetryAfter)
			retryAt = &t
		}
		row = s.pool.QueryRow(ctx, `
			UPDATE signal_entries
			SET retry_count = retry_count + 1,
			    status = CASE WHEN retry_count + 1 >= $3 THEN $4 ELSE $5 END,
			    processed_at = CASE WHEN retry_count + 1 >= $3 THEN $6::timestamptz ELSE NULL END,
			    scheduled_window_start = CASE
			        WHEN retry_count + 1 < $3 AND $7::timestamptz IS NOT NULL THEN $7::timestamptz
			        ELSE scheduled_window_start END,
			    last_error = $8, leased_until = NULL, lease_holder = NULL
			WHERE id = $1 AND status = $9 AND lease_holder = $2
			RETURNING `+signalColumns,
			id, workerID, s.opts.MaxRetries, string(models.StatusFailed), string(models.StatusPending),
			now, retryAt, clip(o.Error, maxErrorBytes), processing)
	default:
		return models.SignalEntry{}, fmt.Errorf("unknown outcome %s", o.Kind)
	}

	entry, err := scanPgSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SignalEntry{}, s.leaseMiss(ctx, id)
	}
	if err != nil {
		return models.SignalEntry{}, fmt.Errorf("complete signal %d: %w", id, err)
	}
	return entry, nil
}

func (s *Postgres) leaseMiss(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("signal %d: %w", id, ErrLeaseLost)
}

// SweepExpiredLeases returns signals whose lease elapsed to Pending, or Failed once
// the retry budget is spent. A stale lease means the holder crashed or stalled.
func (s *Postgres) SweepExpiredLeases(ctx context.Context, limit int) ([]models.SignalEntry, error) {
	now := s.opts.now()
	rows, err := s.pool.Query(ctx, `
		UPDATE signal_entries
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= $1 THEN $2 ELSE $3 END,
		    processed_at = CASE WHEN retry_count + 1 >= $1 THEN $4::timestamptz ELSE NULL END,
		    last_error = $5::text || ' (holder ' || COALESCE(lease_holder, '') || ')',
		    leased_until = NULL, lease_holder = NULL
		WHERE id IN (
			SELECT id FROM signal_entries
			WHERE status = $6 AND (leased_until IS NULL OR leased_until < $4)
			ORDER BY leased_until NULLS FIRST, id
			LIMIT $7
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+signalColumns,
		s.opts.MaxRetries, string(models.StatusFailed), string(models.StatusPending), now,
		leaseExpiredErrPrefix, string(models.StatusProcessing), limit)
	if err != nil {
		return nil, fmt.Errorf("sweep expired leases: %w", err)
	}
	reclaimed, err := collectPgSignals(rows)
	if err != nil {
		return nil, fmt.Errorf("sweep expired leases: %w", err)
	}
	logReclaimed(s.opts.Logger, reclaimed)
	return reclaimed, nil
}

// ExpireStale abandons pending signals past their TTL.
func (s *Postgres) ExpireStale(ctx context.Context, limit int) (int64, error) {
	now := s.opts.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE signal_entries
		SET status = $1, skip_reason = $2, processed_at = $3
		WHERE id IN (
			SELECT id FROM signal_entries
			WHERE status = $4 AND expires_at IS NOT NULL AND expires_at < $3
			ORDER BY expires_at, id
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
	`, string(models.StatusExpired), models.SkipReasonTTLExpired, now, string(models.StatusPending), limit)
	if err != nil {
		return 0, fmt.Errorf("expire stale signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// BeginBatch opens a processing history row. A BatchID that already exists is
// not inserted again; the stored row is returned with created=false.
func (s *Postgres) BeginBatch(ctx context.Context, h HistoryStart) (models.ProcessingHistory, bool, error) {
	h, idsJSON, err := normalizeHistory(h)
	if err != nil {
		return models.ProcessingHistory{}, false, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO signal_processing_history (batch_id, user_id, window_type, started_at, signals_received,
			initial_tier, signal_ids_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (batch_id) DO NOTHING
		RETURNING `+historyColumns,
		h.BatchID, h.UserID, string(h.WindowType), s.opts.now(), h.SignalsReceived, string(h.InitialTier), idsJSON)
	hist, err := scanPgHistory(row)
	created := err == nil
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.ProcessingHistory{}, false, fmt.Errorf("insert processing history: %w", err)
		}
		if hist, err = s.GetBatch(ctx, h.BatchID); err != nil {
			return models.ProcessingHistory{}, false, err
		}
	}
	if len(h.SignalIDs) > 0 {
		if _, err := s.pool.Exec(ctx, `
			UPDATE signal_entries SET batch_id = $1
			WHERE id = ANY($2) AND batch_id IS NULL`, h.BatchID, h.SignalIDs); err != nil {
			return models.ProcessingHistory{}, false, fmt.Errorf("tag batch signals: %w", err)
		}
	}
	return hist, created, nil
}

// CompleteBatch seals a processing history row exactly once.
func (s *Postgres) CompleteBatch(ctx context.Context, batchID string, r HistoryResult) (models.ProcessingHistory, error) {
	summary, err := boundedSummary(r.Summary)
	if err != nil {
		return models.ProcessingHistory{}, err
	}
	var errMsg *string
	if r.Error != "" {
		v := clip(r.Error, maxErrorBytes)
		errMsg = &v
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE signal_processing_history
		SET completed_at = $2, signals_processed = $3, signals_skipped = $4, recommendations_generated = $5,
		    final_tier = $6, tier_escalated = (%s) > (%s), escalation_reason = $7,
		    result_summary_json = $8, error_message = $9
		WHERE batch_id = $1 AND completed_at IS NULL
		RETURNING %s`, tierLevelSQL("$6::text"), tierLevelSQL("initial_tier"), historyColumns),
		batchID, s.opts.now(), r.SignalsProcessed, r.SignalsSkipped, r.RecommendationsGenerated,
		string(r.FinalTier), clip(r.EscalationReason, 256), summary, errMsg)
	hist, err := scanPgHistory(row)
	if err == nil {
		return hist, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingHistory{}, fmt.Errorf("complete processing history: %w", err)
	}
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return models.ProcessingHistory{}, err
	}
	return models.ProcessingHistory{}, fmt.Errorf("batch %s: %w", batchID, ErrBatchCompleted)
}

// GetBatch fetches a processing history row by batch id.
func (s *Postgres) GetBatch(ctx context.Context, batchID string) (models.ProcessingHistory, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+historyColumns+` FROM signal_processing_history WHERE batch_id = $1`, batchID)
	hist, err := scanPgHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingHistory{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return models.ProcessingHistory{}, fmt.Errorf("scan processing history: %w", err)
	}
	return hist, nil
}

// ListArchivable returns terminal signals resolved before the cutoff, oldest first.
func (s *Postgres) ListArchivable(ctx context.Context, before time.Time, limit int) ([]models.SignalEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+signalColumns+` FROM signal_entries
		WHERE status IN (`+terminalStatusesSQL()+`) AND COALESCE(processed_at, created_at) < $1
		ORDER BY id
		LIMIT $2
	`, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list archivable signals: %w", err)
	}
	return collectPgSignals(rows)
}

// DeleteSignals removes terminal signals; unresolved ids are ignored.
func (s *Postgres) DeleteSignals(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM signal_entries WHERE id = ANY($1) AND status IN (`+terminalStatusesSQL()+`)
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPgSignal(row pgScanner) (models.SignalEntry, error) {
	var (
		e                                              models.SignalEntry
		priority, window, status, tier                 string
		windowStart, processedAt, leasedUntil, expires pgtype.Timestamptz
		holder, lastErr, batchID                       pgtype.Text
		err                                            error
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.EventType, &e.EventDataJSON, &priority, &window, &windowStart,
		&e.TargetEntityType, &e.TargetEntityID, &status, &e.CreatedAt, &processedAt, &leasedUntil, &holder,
		&e.RetryCount, &lastErr, &tier, &e.SkipReason, &expires, &batchID); err != nil {
		return models.SignalEntry{}, err
	}
	e.Priority = models.Priority(priority)
	e.WindowType = models.WindowType(window)
	e.Status = models.Status(status)
	if e.ProcessingTier, err = models.ParseProcessingTier(tier); err != nil {
		return models.SignalEntry{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.ScheduledWindowStart = tsPtr(windowStart)
	e.ProcessedAt = tsPtr(processedAt)
	e.LeasedUntil = tsPtr(leasedUntil)
	e.ExpiresAt = tsPtr(expires)
	if h := textPtr(holder); h != nil {
		e.LeaseHolder = *h
	}
	e.LastError = textPtr(lastErr)
	if b := textPtr(batchID); b != nil {
		e.BatchID = *b
	}
	return e, nil
}

func collectPgSignals(rows pgx.Rows) ([]models.SignalEntry, error) {
	defer rows.Close()
	var out []models.SignalEntry
	for rows.Next() {
		e, err := scanPgSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanPgHistory(row pgScanner) (models.ProcessingHistory, error) {
	var (
		h                      models.ProcessingHistory
		window, initial, final string
		completedAt            pgtype.Timestamptz
		errMsg                 pgtype.Text
		err                    error
	)
	if err := row.Scan(&h.ID, &h.BatchID, &h.UserID, &window, &h.StartedAt, &completedAt, &h.SignalsReceived,
		&h.SignalsProcessed, &h.SignalsSkipped, &h.RecommendationsGenerated, &initial, &final, &h.TierEscalated,
		&h.EscalationReason, &h.SignalIDsJSON, &h.ResultSummaryJSON, &errMsg); err != nil {
		return models.ProcessingHistory{}, err
	}
	h.WindowType = models.WindowType(window)
	if h.InitialTier, err = models.ParseProcessingTier(initial); err != nil {
		return models.ProcessingHistory{}, err
	}
	if h.FinalTier, err = models.ParseProcessingTier(final); err != nil {
		return models.ProcessingHistory{}, err
	}
	h.StartedAt = h.StartedAt.UTC()
	h.CompletedAt = tsPtr(completedAt)
	h.ErrorMessage = textPtr(errMsg)
	return h, nil
}

// tierLevelSQL mirrors models.ProcessingTier.Level for use inside a statement.
func tierLevelSQL(expr string) string {
	return fmt.Sprintf("CASE %s WHEN '%s' THEN %d WHEN '%s' THEN %d WHEN '%s' THEN %d ELSE 0 END",
		expr,
		models.TierRules, models.TierRules.Level(),
		models.TierLight, models.TierLight.Level(),
		models.TierFull, models.TierFull.Level())
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
