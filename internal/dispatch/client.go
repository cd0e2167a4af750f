package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"mastery-signals/internal/logger"
	"mastery-signals/internal/models"
)

// ErrRejected marks a request the recommendation service refused with a 4xx.
// Resending the same batch will not help.
var ErrRejected = errors.New("recommendation request rejected")

const maxErrorBody = 512

// Signal is the wire form of one queued signal.
type Signal struct {
	ID               int64           `json:"id"`
	EventType        string          `json:"event_type"`
	Priority         models.Priority `json:"priority"`
	TargetEntityType string          `json:"target_entity_type,omitempty"`
	TargetEntityID   string          `json:"target_entity_id,omitempty"`
	EventData        json.RawMessage `json:"event_data,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Request is one processing cycle handed to the recommendation service.
type Request struct {
	BatchID     string                `json:"batch_id"`
	UserID      string                `json:"user_id"`
	WindowType  models.WindowType     `json:"window_type"`
	InitialTier models.ProcessingTier `json:"initial_tier"`
	Signals     []Signal              `json:"signals"`
}

// Response is the service's verdict on a batch.
type Response struct {
	Tier                     models.ProcessingTier `json:"tier"`
	RecommendationsGenerated int                   `json:"recommendations_generated"`
	SkippedSignalIDs         []int64               `json:"skipped_signal_ids,omitempty"`
	SkipReason               string                `json:"skip_reason,omitempty"`
	EscalationReason         string                `json:"escalation_reason,omitempty"`
	Summary                  json.RawMessage       `json:"summary,omitempty"`
}

// NewRequest converts claimed signals into a request.
func NewRequest(batchID, userID string, window models.WindowType, tier models.ProcessingTier, entries []models.SignalEntry) Request {
	req := Request{
		BatchID:     batchID,
		UserID:      userID,
		WindowType:  window,
		InitialTier: tier,
		Signals:     make([]Signal, 0, len(entries)),
	}
	for _, e := range entries {
		s := Signal{
			ID:               e.ID,
			EventType:        e.EventType,
			Priority:         e.Priority,
			TargetEntityType: e.TargetEntityType,
			TargetEntityID:   e.TargetEntityID,
			CreatedAt:        e.CreatedAt,
		}
		if e.EventDataJSON != "" && json.Valid([]byte(e.EventDataJSON)) {
			s.EventData = json.RawMessage(e.EventDataJSON)
		}
		req.Signals = append(req.Signals, s)
	}
	return req
}

// Client forwards batches to the recommendation service.
type Client struct {
	http       *http.Client
	url        string
	maxRetries uint64
	backoff    time.Duration
	log        *logger.Logger
}

// Option customises a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBackoff sets the first retry delay; later delays double.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(url string, timeout time.Duration, maxRetries int, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	c := &Client{
		http:       &http.Client{Timeout: timeout},
		url:        url,
		maxRetries: uint64(maxRetries),
		backoff:    500 * time.Millisecond,
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backoff <= 0 {
		c.backoff = time.Millisecond
	}
	return c
}

// Recommend posts the batch. Network errors and 5xx replies are retried with
// exponential backoff, as are 2xx replies whose body does not decode; 4xx
// replies fail immediately with ErrRejected.
func (c *Client) Recommend(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	var out Response
	attempt := 0
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		resp, err := c.post(ctx, req.BatchID, body)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("recommendation request failed", "batch_id", req.BatchID, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			err := statusError(resp)
			c.log.Warn("recommendation service error", "batch_id", req.BatchID, "attempt", attempt, "status", resp.StatusCode)
			return retry.RetryableError(err)
		case resp.StatusCode >= 400:
			return fmt.Errorf("%w: %v", ErrRejected, statusError(resp))
		case resp.StatusCode == http.StatusNoContent:
			out = Response{}
			return nil
		}
		out = Response{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			c.log.Warn("undecodable recommendation reply", "batch_id", req.BatchID, "attempt", attempt, "error", err)
			return retry.RetryableError(fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, batchID string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", batchID)
	return c.http.Do(httpReq)
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}
