package session

// EventKind names a metrics hook event (spec.md §4.H).
type EventKind string

const (
	EventRequestStart         EventKind = "request_start"
	EventFirstToken           EventKind = "first_token"
	EventTokenEmitted         EventKind = "token_emitted"
	EventRequestComplete      EventKind = "request_complete"
	EventKvBudgetExceeded     EventKind = "kv_budget_exceeded"
	EventContextPolicyApplied EventKind = "context_policy_applied"
)

// MetricsSink receives (session_id, event_kind, value) events. The core
// treats it as opaque and never blocks on it; a sink shared across
// sessions is the caller's responsibility to synchronize (spec.md §4.H).
type MetricsSink interface {
	Observe(sessionID string, kind EventKind, value any)
}

// NopSink discards every event; New installs it when sink is nil, so
// Generate/Stream never nil-check it.
type NopSink struct{}

func (NopSink) Observe(string, EventKind, any) {}

// FinishReason is the terminal state a generation ends in (spec.md §4.H).
type FinishReason string

const (
	FinishMaxTokens        FinishReason = "max_tokens"
	FinishStop             FinishReason = "stop"
	FinishCancelled        FinishReason = "cancelled"
	FinishDeadline         FinishReason = "deadline"
	FinishContextFull      FinishReason = "context_full"
	FinishKvBudgetExceeded FinishReason = "kv_budget_exceeded"
	FinishError            FinishReason = "error"
)

// Usage summarizes one completed generation.
type Usage struct {
	PromptTokens    int
	GeneratedTokens int
	WallMs          int64
	TTFTMs          int64
}

// Result is what Generate returns: the full emitted token sequence,
// usage, and the reason generation stopped.
type Result struct {
	Tokens       []int
	Usage        Usage
	FinishReason FinishReason
}
