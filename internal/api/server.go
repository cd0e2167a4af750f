package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mastery-signals/internal/logger"
	"mastery-signals/internal/models"
	"mastery-signals/internal/ratelimit"
	"mastery-signals/internal/store"
	"mastery-signals/internal/telemetry"
	"mastery-signals/internal/worker"
)

const maxRequestBytes = 64 << 10

// Limiter throttles producers per user.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Waker nudges idle workers after an enqueue.
type Waker interface {
	Wake(ctx context.Context, window models.WindowType) error
}

// Sweeper runs one maintenance cycle on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (worker.SweepResult, error)
}

// Deps are the optional collaborators of the API. Nil members disable the
// matching feature.
type Deps struct {
	Limiter Limiter
	Waker   Waker
	Sweeper Sweeper
	Logger  *logger.Logger
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	store   store.SignalStore
	limiter Limiter
	waker   Waker
	sweeper Sweeper
	log     *logger.Logger
}

// New constructs the API server.
func New(st store.SignalStore, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		store:   st,
		limiter: deps.Limiter,
		waker:   deps.Waker,
		sweeper: deps.Sweeper,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/signals", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
	})
	r.Get("/stats", s.handleStats)
	r.Get("/batches/{batchID}", s.handleGetBatch)
	r.Post("/admin/sweep", s.handleSweep)
	return r
}

type enqueueRequest struct {
	UserID               string          `json:"user_id"`
	EventType            string          `json:"event_type"`
	EventData            json.RawMessage `json:"event_data"`
	Priority             string          `json:"priority"`
	WindowType           string          `json:"window_type"`
	ScheduledWindowStart *time.Time      `json:"scheduled_window_start"`
	TargetEntityType     string          `json:"target_entity_type"`
	TargetEntityID       string          `json:"target_entity_id"`
	ExpiresAt            *time.Time      `json:"expires_at"`
}

type enqueueResponse struct {
	Signal       models.SignalEntry `json:"signal"`
	Deduplicated bool               `json:"deduplicated"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), req.UserID)
		if err != nil {
			s.log.Error("rate limiter unavailable", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if secs := d.RetryAfterSeconds(); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	entry, deduped, err := s.store.Enqueue(r.Context(), store.EnqueueParams{
		UserID:               req.UserID,
		EventType:            req.EventType,
		EventDataJSON:        string(req.EventData),
		Priority:             models.Priority(req.Priority),
		WindowType:           models.WindowType(req.WindowType),
		ScheduledWindowStart: req.ScheduledWindowStart,
		TargetEntityType:     req.TargetEntityType,
		TargetEntityID:       req.TargetEntityID,
		ExpiresAt:            req.ExpiresAt,
	})
	switch {
	case errors.Is(err, store.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, store.ErrInvalidSignal):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("enqueue failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	if deduped {
		telemetry.SignalsDeduplicated.Inc()
	} else {
		telemetry.SignalsEnqueued.Inc()
		if s.waker != nil {
			if err := s.waker.Wake(r.Context(), entry.WindowType); err != nil {
				s.log.Debug("wake failed", "error", err)
			}
		}
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Signal: entry, Deduplicated: deduped})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	entry, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{UserID: q.Get("user_id")}
	if raw := q.Get("status"); raw != "" {
		st, err := models.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &st
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	entries, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []models.SignalEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	telemetry.ObserveDepth(stats)
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	hist, err := s.store.GetBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper not configured")
		return
	}
	res, err := s.sweeper.RunOnce(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.log.Error("store request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
