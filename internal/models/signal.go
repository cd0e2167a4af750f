package models

import (
	"fmt"
	"time"
)

// Status enumerates signal lifecycle states persisted in the signal_entries table.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusProcessed  Status = "Processed"
	StatusFailed     Status = "Failed"
	StatusExpired    Status = "Expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusProcessed, StatusFailed, StatusExpired}

// ParseStatus converts a stored status back into its typed form.
func ParseStatus(s string) (Status, error) {
	for _, v := range AllStatuses {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed || s == StatusExpired
}

// Unresolved reports whether the signal still counts for deduplication.
func (s Status) Unresolved() bool {
	return s == StatusPending || s == StatusProcessing
}

// Priority orders claims: lower rank is claimed first.
type Priority string

const (
	PriorityUrgent Priority = "Urgent"
	PriorityHigh   Priority = "High"
	PriorityNormal Priority = "Normal"
	PriorityLow    Priority = "Low"
)

// Priorities is ordered from most to least urgent.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for _, v := range Priorities {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Rank is the claim ordering position of the priority.
func (p Priority) Rank() int {
	for i, v := range Priorities {
		if v == p {
			return i
		}
	}
	return len(Priorities)
}

// WindowType is the processing window a signal is batched into.
type WindowType string

const (
	WindowImmediate WindowType = "Immediate"
	WindowMorning   WindowType = "Morning"
	WindowEvening   WindowType = "Evening"
	WindowWeekly    WindowType = "Weekly"
)

var WindowTypes = []WindowType{WindowImmediate, WindowMorning, WindowEvening, WindowWeekly}

func ParseWindowType(s string) (WindowType, error) {
	if s == "" {
		return WindowImmediate, nil
	}
	for _, v := range WindowTypes {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown window type %q", s)
}

// ProcessingTier is how much of the recommendation pipeline a batch used.
type ProcessingTier string

const (
	TierNone  ProcessingTier = ""
	TierRules ProcessingTier = "Rules"
	TierLight ProcessingTier = "Light"
	TierFull  ProcessingTier = "Full"
)

var tiers = []ProcessingTier{TierNone, TierRules, TierLight, TierFull}

func ParseProcessingTier(s string) (ProcessingTier, error) {
	for _, v := range tiers {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown processing tier %q", s)
}

// Level orders tiers so escalation can be detected.
func (t ProcessingTier) Level() int {
	for i, v := range tiers {
		if v == t {
			return i
		}
	}
	return 0
}

// Skip reasons recorded on signals that were resolved without full processing.
const (
	SkipReasonTTLExpired     = "ttl_expired"
	SkipReasonDuplicateBatch = "duplicate_batch"
)

// SignalEntry is one unit of work in the signal queue.
type SignalEntry struct {
	ID                   int64          `json:"id"`
	UserID               string         `json:"user_id"`
	EventType            string         `json:"event_type"`
	EventDataJSON        string         `json:"event_data_json,omitempty"`
	Priority             Priority       `json:"priority"`
	WindowType           WindowType     `json:"window_type"`
	ScheduledWindowStart *time.Time     `json:"scheduled_window_start,omitempty"`
	TargetEntityType     string         `json:"target_entity_type,omitempty"`
	TargetEntityID       string         `json:"target_entity_id,omitempty"`
	Status               Status         `json:"status"`
	CreatedAt            time.Time      `json:"created_at"`
	ProcessedAt          *time.Time     `json:"processed_at,omitempty"`
	LeasedUntil          *time.Time     `json:"leased_until,omitempty"`
	LeaseHolder          string         `json:"lease_holder,omitempty"`
	RetryCount           int            `json:"retry_count"`
	LastError            *string        `json:"last_error,omitempty"`
	ProcessingTier       ProcessingTier `json:"processing_tier,omitempty"`
	SkipReason           string         `json:"skip_reason,omitempty"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty"`
	// BatchID is the processing cycle that first took the signal. A retried
	// signal keeps it so the retry resumes the same history record.
	BatchID              string         `json:"batch_id,omitempty"`
}

// ProcessingHistory records one processing cycle for a user and window.
type ProcessingHistory struct {
	ID                       int64          `json:"id"`
	BatchID                  string         `json:"batch_id"`
	UserID                   string         `json:"user_id"`
	WindowType               WindowType     `json:"window_type"`
	StartedAt                time.Time      `json:"started_at"`
	CompletedAt              *time.Time     `json:"completed_at,omitempty"`
	SignalsReceived          int            `json:"signals_received"`
	SignalsProcessed         int            `json:"signals_processed"`
	SignalsSkipped           int            `json:"signals_skipped"`
	RecommendationsGenerated int            `json:"recommendations_generated"`
	InitialTier              ProcessingTier `json:"initial_tier,omitempty"`
	FinalTier                ProcessingTier `json:"final_tier,omitempty"`
	TierEscalated            bool           `json:"tier_escalated"`
	EscalationReason         string         `json:"escalation_reason,omitempty"`
	SignalIDsJSON            string         `json:"signal_ids_json,omitempty"`
	ResultSummaryJSON        string         `json:"result_summary_json,omitempty"`
	ErrorMessage             *string        `json:"error_message,omitempty"`
}

// Completed reports whether the record has been sealed.
func (h ProcessingHistory) Completed() bool {
	return h.CompletedAt != nil
}
