package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mastery-signals/internal/models"
)

// SQLite is a single-file signal queue for local development and tests.
// One connection serializes every statement, so each claim/sweep UPDATE runs
// under SQLite's write lock and cannot interleave with another.
type SQLite struct {
	db   *sql.DB
	opts Options
}

var _ SignalStore = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at path. ":memory:" is accepted.
func NewSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db, opts: opts.withDefaults()}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// RunMigrations executes the embedded SQLite migrations in order.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return applyMigrations(ctx, "sqlite", s)
}

func (s *SQLite) execScript(ctx context.Context, sql string) error {
	_, err := s.db.ExecContext(ctx, sql)
	return err
}

func (s *SQLite) migrationApplied(ctx context.Context, version string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) recordMigration(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, version)
	return err
}

// Enqueue inserts a pending signal, deduplicating against unresolved signals for
// the same (user, event type, target).
func (s *SQLite) Enqueue(ctx context.Context, p EnqueueParams) (models.SignalEntry, bool, error) {
	now := s.opts.now()
	p, err := normalizeEnqueue(p, s.opts, now)
	if err != nil {
		return models.SignalEntry{}, false, err
	}

	for attempt := 0; attempt < dedupInsertAttempts; attempt++ {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO signal_entries (user_id, event_type, event_data_json, priority, window_type,
				scheduled_window_start, target_entity_type, target_entity_id, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
			RETURNING `+signalColumns,
			p.UserID, p.EventType, p.EventDataJSON, string(p.Priority), string(p.WindowType),
			msArg(p.ScheduledWindowStart), p.TargetEntityType, p.TargetEntityID, string(models.StatusPending),
			now.UnixMilli(), msArg(p.ExpiresAt))
		entry, err := scanLiteSignal(row)
		if err == nil {
			return entry, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.SignalEntry{}, false, fmt.Errorf("insert signal: %w", err)
		}

		row = s.db.QueryRowContext(ctx, `
			SELECT `+signalColumns+` FROM signal_entries
			WHERE user_id = ? AND event_type = ? AND target_entity_type = ? AND target_entity_id = ?
			  AND status IN (?, ?)
			LIMIT 1
		`, p.UserID, p.EventType, p.TargetEntityType, p.TargetEntityID,
			string(models.StatusPending), string(models.StatusProcessing))
		existing, err := scanLiteSignal(row)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.SignalEntry{}, false, fmt.Errorf("query unresolved signal: %w", err)
		}
	}
	return models.SignalEntry{}, false, errors.New("dedup conflict but no unresolved signal found")
}

// Get fetches a signal by id.
func (s *SQLite) Get(ctx context.Context, id int64) (models.SignalEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signal_entries WHERE id = ?`, id)
	entry, err := scanLiteSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SignalEntry{}, fmt.Errorf("signal %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.SignalEntry{}, fmt.Errorf("scan signal: %w", err)
	}
	return entry, nil
}

// List returns the newest signals matching the filter.
func (s *SQLite) List(ctx context.Context, f ListFilter) ([]models.SignalEntry, error) {
	var status any
	if f.Status != nil {
		status = string(*f.Status)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+signalColumns+` FROM signal_entries
		WHERE (?1 IS NULL OR status = ?1)
		  AND (?2 = '' OR user_id = ?2)
		ORDER BY id DESC
		LIMIT ?3
	`, status, f.UserID, f.limit())
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	return collectLiteSignals(rows)
}

// Stats counts signals per status.
func (s *SQLite) Stats(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM signal_entries GROUP BY status`)
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

// Claim leases up to BatchSize claimable signals with a single UPDATE ... RETURNING.
func (s *SQLite) Claim(ctx context.Context, p ClaimParams) ([]models.SignalEntry, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	now := s.opts.now()
	var prio, window any
	if p.Priority != nil {
		prio = string(*p.Priority)
	}
	if p.WindowType != nil {
		window = string(*p.WindowType)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		UPDATE signal_entries
		SET status = ?1, leased_until = ?2, lease_holder = ?3
		WHERE id IN (
			SELECT id FROM signal_entries
			WHERE status = ?4
			  AND (expires_at IS NULL OR expires_at > ?5)
			  AND (scheduled_window_start IS NULL OR scheduled_window_start <= ?5)
			  AND (?6 IS NULL OR priority = ?6)
			  AND (?7 IS NULL OR window_type = ?7)
			ORDER BY %s, created_at, id
			LIMIT ?8
		)
		RETURNING %s`, priorityOrderSQL(), signalColumns),
		string(models.StatusProcessing), now.Add(p.LeaseDuration).UnixMilli(), p.WorkerID,
		string(models.StatusPending), now.UnixMilli(), prio, window, p.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim signals: %w", err)
	}
	claimed, err := collectLiteSignals(rows)
	if err != nil {
		return nil, fmt.Errorf("claim signals: %w", err)
	}
	sortClaimed(claimed)
	return claimed, nil
}

// ExtendLease pushes the lease deadline forward for a signal the worker still holds.
func (s *SQLite) ExtendLease(ctx context.Context, id int64, workerID string, extension time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signal_entries SET leased_until = ?
		WHERE id = ? AND status = ? AND lease_holder = ?
	`, s.opts.now().Add(extension).UnixMilli(), id, string(models.StatusProcessing), workerID)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.leaseMiss(ctx, id)
	}
	return nil
}

// Complete applies an outcome to a signal leased by workerID.
func (s *SQLite) Complete(ctx context.Context, id int64, workerID string, o Outcome) (models.SignalEntry, error) {
	now := s.opts.now().UnixMilli()
	processing := string(models.StatusProcessing)
	var row *sql.Row

	switch o.Kind {
	case OutcomeProcessed, OutcomeSkipped:
		row = s.db.QueryRowContext(ctx, `
			UPDATE signal_entries
			SET status = ?, processed_at = ?, leased_until = NULL, lease_holder = NULL,
			    processing_tier = ?, skip_reason = ?
			WHERE id = ? AND status = ? AND lease_holder = ?
			RETURNING `+signalColumns,
			string(models.StatusProcessed), now, string(o.Tier), clip(o.SkipReason, 64), id, processing, workerID)
	case OutcomeFailed:
		row = s.db.QueryRowContext(ctx, `
			UPDATE signal_entries
			SET status = ?, processed_at = ?, leased_until = NULL, lease_holder = NULL, last_error = ?
			WHERE id = ? AND status = ? AND lease_holder = ?
			RETURNING `+signalColumns,
			string(models.StatusFailed), now, clip(o.Error, maxErrorBytes), id, processing, workerID)
	case OutcomeRetry:
		var retryAt any
		if o.RetryAfter > 0 {
			retryAt = now + o.RetryAfter.Milliseconds()
		}
		row = s.db.QueryRowContext(ctx, `
			UPDATE signal_entries
			SET retry_count = retry_count + 1,
			    status = CASE WHEN retry_count + 1 >= ?1 THEN ?2 ELSE ?3 END,
			    processed_at = CASE WHEN retry_count + 1 >= ?1 THEN ?4 ELSE NULL END,
			    scheduled_window_start = CASE
			        WHEN retry_count + 1 < ?1 AND ?5 IS NOT NULL THEN ?5
			        ELSE scheduled_window_start END,
			    last_error = ?6, leased_until = NULL, lease_holder = NULL
			WHERE id = ?7 AND status = ?8 AND lease_holder = ?9
			RETURNING `+signalColumns,
			s.opts.MaxRetries, string(models.StatusFailed), string(models.StatusPending), now, retryAt,
			clip(o.Error, maxErrorBytes), id, processing, workerID)
	default:
		return models.SignalEntry{}, fmt.Errorf("unknown outcome %s", o.Kind)
	}

	entry, err := scanLiteSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SignalEntry{}, s.leaseMiss(ctx, id)
	}
	if err != nil {
		return models.SignalEntry{}, fmt.Errorf("complete signal %d: %w", id, err)
	}
	return entry, nil
}

func (s *SQLite) leaseMiss(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("signal %d: %w", id, ErrLeaseLost)
}

// SweepExpiredLeases returns signals whose lease elapsed to Pending, or Failed once
// the retry budget is spent.
func (s *SQLite) SweepExpiredLeases(ctx context.Context, limit int) ([]models.SignalEntry, error) {
	now := s.opts.now().UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE signal_entries
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= ?1 THEN ?2 ELSE ?3 END,
		    processed_at = CASE WHEN retry_count + 1 >= ?1 THEN ?4 ELSE NULL END,
		    last_error = ?5 || ' (holder ' || COALESCE(lease_holder, '') || ')',
		    leased_until = NULL, lease_holder = NULL
		WHERE id IN (
			SELECT id FROM signal_entries
			WHERE status = ?6 AND (leased_until IS NULL OR leased_until < ?4)
			ORDER BY leased_until, id
			LIMIT ?7
		)
		RETURNING `+signalColumns,
		s.opts.MaxRetries, string(models.StatusFailed), string(models.StatusPending), now,
		leaseExpiredErrPrefix, string(models.StatusProcessing), limit)
	if err != nil {
		return nil, fmt.Errorf("sweep expired leases: %w", err)
	}
	reclaimed, err := collectLiteSignals(rows)
	if err != nil {
		return nil, fmt.Errorf("sweep expired leases: %w", err)
	}
	logReclaimed(s.opts.Logger, reclaimed)
	return reclaimed, nil
}

// ExpireStale abandons pending signals past their TTL.
func (s *SQLite) ExpireStale(ctx context.Context, limit int) (int64, error) {
	now := s.opts.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE signal_entries
		SET status = ?1, skip_reason = ?2, processed_at = ?3
		WHERE id IN (
			SELECT id FROM signal_entries
			WHERE status = ?4 AND expires_at IS NOT NULL AND expires_at < ?3
			ORDER BY expires_at, id
			LIMIT ?5
		)
	`, string(models.StatusExpired), models.SkipReasonTTLExpired, now, string(models.StatusPending), limit)
	if err != nil {
		return 0, fmt.Errorf("expire stale signals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire stale signals: %w", err)
	}
	return n, nil
}

// BeginBatch opens a processing history row, or returns the existing row for a
// BatchID seen before with created=false.
func (s *SQLite) BeginBatch(ctx context.Context, h HistoryStart) (models.ProcessingHistory, bool, error) {
	h, idsJSON, err := normalizeHistory(h)
	if err != nil {
		return models.ProcessingHistory{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO signal_processing_history (batch_id, user_id, window_type, started_at, signals_received,
			initial_tier, signal_ids_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id) DO NOTHING
		RETURNING `+historyColumns,
		h.BatchID, h.UserID, string(h.WindowType), s.opts.now().UnixMilli(), h.SignalsReceived,
		string(h.InitialTier), idsJSON)
	hist, err := scanLiteHistory(row)
	created := err == nil
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return models.ProcessingHistory{}, false, fmt.Errorf("insert processing history: %w", err)
		}
		if hist, err = s.GetBatch(ctx, h.BatchID); err != nil {
			return models.ProcessingHistory{}, false, err
		}
	}
	if len(h.SignalIDs) > 0 {
		args := make([]any, 0, len(h.SignalIDs)+1)
		args = append(args, h.BatchID)
		for _, id := range h.SignalIDs {
			args = append(args, id)
		}
		q := `UPDATE signal_entries SET batch_id = ? WHERE batch_id IS NULL AND id IN (?` +
			strings.Repeat(",?", len(h.SignalIDs)-1) + `)`
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return models.ProcessingHistory{}, false, fmt.Errorf("tag batch signals: %w", err)
		}
	}
	return hist, created, nil
}

// CompleteBatch seals a processing history row exactly once.
func (s *SQLite) CompleteBatch(ctx context.Context, batchID string, r HistoryResult) (models.ProcessingHistory, error) {
	summary, err := boundedSummary(r.Summary)
	if err != nil {
		return models.ProcessingHistory{}, err
	}
	var errMsg any
	if r.Error != "" {
		errMsg = clip(r.Error, maxErrorBytes)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE signal_processing_history
		SET completed_at = ?2, signals_processed = ?3, signals_skipped = ?4, recommendations_generated = ?5,
		    final_tier = ?6, tier_escalated = (%s) > (%s), escalation_reason = ?7,
		    result_summary_json = ?8, error_message = ?9
		WHERE batch_id = ?1 AND completed_at IS NULL
		RETURNING %s`, tierLevelSQL("?6"), tierLevelSQL("initial_tier"), historyColumns),
		batchID, s.opts.now().UnixMilli(), r.SignalsProcessed, r.SignalsSkipped, r.RecommendationsGenerated,
		string(r.FinalTier), clip(r.EscalationReason, 256), summary, errMsg)
	hist, err := scanLiteHistory(row)
	if err == nil {
		return hist, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.ProcessingHistory{}, fmt.Errorf("complete processing history: %w", err)
	}
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return models.ProcessingHistory{}, err
	}
	return models.ProcessingHistory{}, fmt.Errorf("batch %s: %w", batchID, ErrBatchCompleted)
}

// GetBatch fetches a processing history row by batch id.
func (s *SQLite) GetBatch(ctx context.Context, batchID string) (models.ProcessingHistory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM signal_processing_history WHERE batch_id = ?`, batchID)
	hist, err := scanLiteHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProcessingHistory{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return models.ProcessingHistory{}, fmt.Errorf("scan processing history: %w", err)
	}
	return hist, nil
}

// ListArchivable returns terminal signals resolved before the cutoff, oldest first.
func (s *SQLite) ListArchivable(ctx context.Context, before time.Time, limit int) ([]models.SignalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+signalColumns+` FROM signal_entries
		WHERE status IN (`+terminalStatusesSQL()+`) AND COALESCE(processed_at, created_at) < ?
		ORDER BY id
		LIMIT ?
	`, before.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list archivable signals: %w", err)
	}
	return collectLiteSignals(rows)
}

// DeleteSignals removes terminal signals; unresolved ids are ignored.
func (s *SQLite) DeleteSignals(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `DELETE FROM signal_entries WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) +
		`) AND status IN (` + terminalStatusesSQL() + `)`
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete signals: %w", err)
	}
	return res.RowsAffected()
}

type liteScanner interface {
	Scan(dest ...any) error
}

func scanLiteSignal(row liteScanner) (models.SignalEntry, error) {
	var (
		e                                              models.SignalEntry
		priority, window, status, tier                 string
		createdAt                                      int64
		windowStart, processedAt, leasedUntil, expires sql.NullInt64
		holder, lastErr, batchID                       sql.NullString
		err                                            error
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.EventType, &e.EventDataJSON, &priority, &window, &windowStart,
		&e.TargetEntityType, &e.TargetEntityID, &status, &createdAt, &processedAt, &leasedUntil, &holder,
		&e.RetryCount, &lastErr, &tier, &e.SkipReason, &expires, &batchID); err != nil {
		return models.SignalEntry{}, err
	}
	e.Priority = models.Priority(priority)
	e.WindowType = models.WindowType(window)
	e.Status = models.Status(status)
	if e.ProcessingTier, err = models.ParseProcessingTier(tier); err != nil {
		return models.SignalEntry{}, err
	}
	e.CreatedAt = fromMs(createdAt)
	e.ScheduledWindowStart = nullMs(windowStart)
	e.ProcessedAt = nullMs(processedAt)
	e.LeasedUntil = nullMs(leasedUntil)
	e.ExpiresAt = nullMs(expires)
	e.LeaseHolder = holder.String
	e.BatchID = batchID.String
	if lastErr.Valid {
		v := lastErr.String
		e.LastError = &v
	}
	return e, nil
}

func collectLiteSignals(rows *sql.Rows) ([]models.SignalEntry, error) {
	defer rows.Close()
	var out []models.SignalEntry
	for rows.Next() {
		e, err := scanLiteSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanLiteHistory(row liteScanner) (models.ProcessingHistory, error) {
	var (
		h                      models.ProcessingHistory
		window, initial, final string
		startedAt              int64
		completedAt            sql.NullInt64
		errMsg                 sql.NullString
		err                    error
	)
	if err := row.Scan(&h.ID, &h.BatchID, &h.UserID, &window, &startedAt, &completedAt, &h.SignalsReceived,
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
	h.StartedAt = fromMs(startedAt)
	h.CompletedAt = nullMs(completedAt)
	if errMsg.Valid {
		v := errMsg.String
		h.ErrorMessage = &v
	}
	return h, nil
}

func msArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}
