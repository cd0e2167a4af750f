package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"mastery-signals/internal/logger"
	"mastery-signals/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrLeaseLost       = errors.New("lease not held by worker")
	ErrBatchCompleted  = errors.New("processing batch already completed")
	ErrPayloadTooLarge = errors.New("event data exceeds size bound")
	ErrInvalidSignal   = errors.New("invalid signal")
)

const (
	defaultMaxRetries     = 3
	defaultMaxEventBytes  = 4096
	maxSummaryBytes       = 8192
	maxErrorBytes         = 2000
	maxIdentifierLength   = 128
	defaultListLimit      = 50
	maxListLimit          = 500
	dedupInsertAttempts   = 3
	leaseExpiredErrPrefix = "lease expired"
)

// SignalStore is the durable signal queue plus its processing history.
// Implementations must be safe for concurrent use by many workers and processes.
type SignalStore interface {
	Enqueue(ctx context.Context, p EnqueueParams) (models.SignalEntry, bool, error)
	Get(ctx context.Context, id int64) (models.SignalEntry, error)
	List(ctx context.Context, f ListFilter) ([]models.SignalEntry, error)
	Stats(ctx context.Context) (map[models.Status]int64, error)

	Claim(ctx context.Context, p ClaimParams) ([]models.SignalEntry, error)
	ExtendLease(ctx context.Context, id int64, workerID string, extension time.Duration) error
	Complete(ctx context.Context, id int64, workerID string, o Outcome) (models.SignalEntry, error)
	SweepExpiredLeases(ctx context.Context, limit int) ([]models.SignalEntry, error)
	ExpireStale(ctx context.Context, limit int) (int64, error)

	BeginBatch(ctx context.Context, h HistoryStart) (models.ProcessingHistory, bool, error)
	CompleteBatch(ctx context.Context, batchID string, r HistoryResult) (models.ProcessingHistory, error)
	GetBatch(ctx context.Context, batchID string) (models.ProcessingHistory, error)

	ListArchivable(ctx context.Context, before time.Time, limit int) ([]models.SignalEntry, error)
	DeleteSignals(ctx context.Context, ids []int64) (int64, error)

	RunMigrations(ctx context.Context) error
	Close() error
}

// Options tune queue semantics shared by every backend.
type Options struct {
	MaxRetries        int
	DefaultTTL        time.Duration
	MaxEventDataBytes int
	Now               func() time.Time
	Logger            *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.MaxEventDataBytes <= 0 {
		o.MaxEventDataBytes = defaultMaxEventBytes
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

func (o Options) now() time.Time {
	return o.Now().UTC()
}

// EnqueueParams collects inputs required to insert a signal.
type EnqueueParams struct {
	UserID               string
	EventType            string
	EventDataJSON        string
	Priority             models.Priority
	WindowType           models.WindowType
	ScheduledWindowStart *time.Time
	TargetEntityType     string
	TargetEntityID       string
	ExpiresAt            *time.Time
}

// ClaimParams selects which pending signals a worker leases.
type ClaimParams struct {
	BatchSize     int
	LeaseDuration time.Duration
	WorkerID      string
	Priority      *models.Priority
	WindowType    *models.WindowType
}

func (p ClaimParams) validate() error {
	if p.BatchSize <= 0 {
		return fmt.Errorf("claim batch size must be positive, got %d", p.BatchSize)
	}
	if p.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive, got %s", p.LeaseDuration)
	}
	if p.WorkerID == "" {
		return errors.New("claim requires a worker id")
	}
	return nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status *models.Status
	UserID string
	Limit  int
}

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// OutcomeKind is how a leased signal finished.
type OutcomeKind int

const (
	OutcomeProcessed OutcomeKind = iota
	OutcomeSkipped
	OutcomeRetry
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeProcessed:
		return "processed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is applied by Complete. RetryAfter only matters for OutcomeRetry;
// zero means the signal is claimable again immediately.
type Outcome struct {
	Kind       OutcomeKind
	Tier       models.ProcessingTier
	SkipReason string
	Error      string
	RetryAfter time.Duration
}

func Processed(tier models.ProcessingTier) Outcome {
	return Outcome{Kind: OutcomeProcessed, Tier: tier}
}

func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, SkipReason: reason}
}

func Retry(err error, after time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetry, Error: errString(err), RetryAfter: after}
}

func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Error: errString(err)}
}

// HistoryStart opens a processing history record.
type HistoryStart struct {
	BatchID         string
	UserID          string
	WindowType      models.WindowType
	SignalIDs       []int64
	SignalsReceived int
	InitialTier     models.ProcessingTier
}

// HistoryResult seals a processing history record.
type HistoryResult struct {
	SignalsProcessed         int
	SignalsSkipped           int
	RecommendationsGenerated int
	FinalTier                models.ProcessingTier
	EscalationReason         string
	Summary                  any
	Error                    string
}

func normalizeEnqueue(p EnqueueParams, opts Options, now time.Time) (EnqueueParams, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	p.EventType = strings.TrimSpace(p.EventType)
	if p.UserID == "" || p.EventType == "" {
		return p, fmt.Errorf("%w: user id and event type are required", ErrInvalidSignal)
	}
	if len(p.UserID) > maxIdentifierLength || len(p.EventType) > maxIdentifierLength ||
		len(p.TargetEntityType) > maxIdentifierLength || len(p.TargetEntityID) > maxIdentifierLength {
		return p, fmt.Errorf("%w: identifiers are limited to %d bytes", ErrInvalidSignal, maxIdentifierLength)
	}
	if p.TargetEntityID != "" && p.TargetEntityType == "" {
		return p, fmt.Errorf("%w: target entity id without a target entity type", ErrInvalidSignal)
	}

	prio, err := models.ParsePriority(string(p.Priority))
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	p.Priority = prio
	window, err := models.ParseWindowType(string(p.WindowType))
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	p.WindowType = window

	if p.EventDataJSON == "" {
		p.EventDataJSON = "{}"
	}
	if len(p.EventDataJSON) > opts.MaxEventDataBytes {
		return p, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(p.EventDataJSON), opts.MaxEventDataBytes)
	}
	if !json.Valid([]byte(p.EventDataJSON)) {
		return p, fmt.Errorf("%w: event data is not valid JSON", ErrInvalidSignal)
	}

	if p.ExpiresAt == nil && opts.DefaultTTL > 0 {
		exp := now.Add(opts.DefaultTTL)
		p.ExpiresAt = &exp
	}
	if p.ExpiresAt != nil {
		exp := p.ExpiresAt.UTC()
		p.ExpiresAt = &exp
	}
	if p.ScheduledWindowStart != nil {
		start := p.ScheduledWindowStart.UTC()
		p.ScheduledWindowStart = &start
	}
	return p, nil
}

func normalizeHistory(h HistoryStart) (HistoryStart, string, error) {
	if strings.TrimSpace(h.BatchID) == "" {
		return h, "", errors.New("batch id is required")
	}
	window, err := models.ParseWindowType(string(h.WindowType))
	if err != nil {
		return h, "", err
	}
	h.WindowType = window
	if h.SignalsReceived == 0 {
		h.SignalsReceived = len(h.SignalIDs)
	}
	ids := h.SignalIDs
	if ids == nil {
		ids = []int64{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return h, "", fmt.Errorf("marshal signal ids: %w", err)
	}
	return h, string(raw), nil
}

// boundedSummary encodes the summary, replacing oversize documents with a marker
// so the column always holds valid JSON.
func boundedSummary(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result summary: %w", err)
	}
	if len(raw) > maxSummaryBytes {
		return fmt.Sprintf(`{"truncated":true,"bytes":%d}`, len(raw)), nil
	}
	return string(raw), nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func escalated(initial, final models.ProcessingTier) bool {
	return final.Level() > initial.Level()
}

// priorityOrderSQL ranks the priority column; both dialects accept it.
func priorityOrderSQL() string {
	var b strings.Builder
	b.WriteString("CASE priority")
	for i, p := range models.Priorities {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", p, i)
	}
	fmt.Fprintf(&b, " ELSE %d END", len(models.Priorities))
	return b.String()
}

func terminalStatusesSQL() string {
	return fmt.Sprintf("'%s','%s','%s'", models.StatusProcessed, models.StatusFailed, models.StatusExpired)
}

// sortClaimed restores claim order; RETURNING does not guarantee it.
func sortClaimed(entries []models.SignalEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func logReclaimed(log *logger.Logger, reclaimed []models.SignalEntry) {
	for _, e := range reclaimed {
		lastErr := ""
		if e.LastError != nil {
			lastErr = *e.LastError
		}
		log.Warn("reclaimed expired signal lease",
			"signal_id", e.ID,
			"user_id", e.UserID,
			"event_type", e.EventType,
			"retry_count", e.RetryCount,
			"status", e.Status,
			"detail", lastErr,
		)
	}
}
