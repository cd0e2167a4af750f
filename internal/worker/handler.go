package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"mastery-signals/internal/dispatch"
	"mastery-signals/internal/models"
)

// Batch is one processing cycle: the signals a worker claimed for a single
// user and window.
type Batch struct {
	ID          string
	UserID      string
	WindowType  models.WindowType
	InitialTier models.ProcessingTier
	Signals     []models.SignalEntry
}

// Result is what a handler reports for a batch. Signals listed in Skipped
// are resolved with that reason; the rest are processed at Tier.
type Result struct {
	Tier                     models.ProcessingTier
	RecommendationsGenerated int
	Skipped                  map[int64]string
	EscalationReason         string
	Summary                  any
}

// BatchHandler processes a batch. Errors are retried unless wrapped with
// Permanent.
type BatchHandler interface {
	Handle(ctx context.Context, b Batch) (Result, error)
}

// HandlerFunc adapts a function to BatchHandler.
type HandlerFunc func(ctx context.Context, b Batch) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, b Batch) (Result, error) {
	return f(ctx, b)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the batch's signals fail at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

const skipReasonRecommender = "recommender_skipped"

// Triage picks a tier from the batch shape alone: any Urgent signal needs the
// full pipeline, three or more signals need the light one, the rest are
// handled by rules.
func Triage(signals []models.SignalEntry) (models.ProcessingTier, string) {
	for _, s := range signals {
		if s.Priority == models.PriorityUrgent {
			return models.TierFull, fmt.Sprintf("urgent %s signal", s.EventType)
		}
	}
	if len(signals) >= 3 {
		return models.TierLight, fmt.Sprintf("%d signals in batch", len(signals))
	}
	return models.TierRules, ""
}

// TriageHandler resolves batches locally using Triage. It is the default
// when no recommendation service is configured.
type TriageHandler struct{}

func (TriageHandler) Handle(ctx context.Context, b Batch) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	tier, reason := Triage(b.Signals)
	return Result{
		Tier:             tier,
		EscalationReason: reason,
		Summary: map[string]any{
			"signals":     len(b.Signals),
			"event_types": eventTypes(b.Signals),
			"tier":        tier,
		},
	}, nil
}

func eventTypes(signals []models.SignalEntry) []string {
	seen := make(map[string]struct{}, len(signals))
	out := make([]string, 0, len(signals))
	for _, s := range signals {
		if _, ok := seen[s.EventType]; ok {
			continue
		}
		seen[s.EventType] = struct{}{}
		out = append(out, s.EventType)
	}
	sort.Strings(out)
	return out
}

// Recommender is the downstream recommendation service.
type Recommender interface {
	Recommend(ctx context.Context, req dispatch.Request) (dispatch.Response, error)
}

// RecommenderHandler forwards batches to a Recommender. Rejected requests
// are permanent failures; everything else is retried.
type RecommenderHandler struct {
	R Recommender
}

func (h RecommenderHandler) Handle(ctx context.Context, b Batch) (Result, error) {
	triaged, reason := Triage(b.Signals)
	req := dispatch.NewRequest(b.ID, b.UserID, b.WindowType, triaged, b.Signals)
	resp, err := h.R.Recommend(ctx, req)
	if err != nil {
		if errors.Is(err, dispatch.ErrRejected) {
			return Result{}, Permanent(err)
		}
		return Result{}, err
	}

	res := Result{
		Tier:                     resp.Tier,
		RecommendationsGenerated: resp.RecommendationsGenerated,
		EscalationReason:         resp.EscalationReason,
	}
	if res.Tier == models.TierNone {
		res.Tier = triaged
	}
	if res.EscalationReason == "" {
		res.EscalationReason = reason
	}
	if len(resp.Summary) > 0 {
		res.Summary = resp.Summary
	}
	if len(resp.SkippedSignalIDs) > 0 {
		skipReason := resp.SkipReason
		if skipReason == "" {
			skipReason = skipReasonRecommender
		}
		res.Skipped = make(map[int64]string, len(resp.SkippedSignalIDs))
		for _, id := range resp.SkippedSignalIDs {
			res.Skipped[id] = skipReason
		}
	}
	return res, nil
}
