package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastery-signals/internal/models"
)

func sampleRequest() Request {
	return NewRequest("batch-1", "u1", models.WindowMorning, models.TierRules, []models.SignalEntry{
		{ID: 1, EventType: "HabitMissed", Priority: models.PriorityUrgent, EventDataJSON: `{"habit":"run"}`},
		{ID: 2, EventType: "GoalUpdated", Priority: models.PriorityNormal},
	})
}

func TestRecommendDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "batch-1", r.Header.Get("Idempotency-Key"))
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Signals, 2)
		assert.JSONEq(t, `{"habit":"run"}`, string(req.Signals[0].EventData))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tier":"Full","recommendations_generated":3,"skipped_signal_ids":[2],"skip_reason":"stale"}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, time.Second, 2).Recommend(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, models.TierFull, resp.Tier)
	assert.Equal(t, 3, resp.RecommendationsGenerated)
	assert.Equal(t, []int64{2}, resp.SkippedSignalIDs)
}

func TestRecommendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"tier":"Light","recommendations_generated":1}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 3, WithBackoff(time.Millisecond))
	resp, err := c.Recommend(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, models.TierLight, resp.Tier)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRecommendGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 2, WithBackoff(time.Millisecond))
	_, err := c.Recommend(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "status 502")
	assert.EqualValues(t, 3, calls.Load())
}

func TestRecommendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown user", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 5, WithBackoff(time.Millisecond))
	_, err := c.Recommend(context.Background(), sampleRequest())
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "unknown user")
	assert.EqualValues(t, 1, calls.Load())
}

func TestRecommendRetriesGarbledReplies(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"tier":"Fu`))
			return
		}
		_, _ = w.Write([]byte(`{"tier":"Full","recommendations_generated":2}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 2, WithBackoff(time.Millisecond))
	resp, err := c.Recommend(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, models.TierFull, resp.Tier)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRecommendGarbledRepliesAreNotRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 1, WithBackoff(time.Millisecond))
	_, err := c.Recommend(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "decode response")
}
