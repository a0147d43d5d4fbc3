// Package patternlog implements the Pattern / Non-Action Log: an
// append-only observability record of refusals and executions. Grounded on
// backend/core/execution_guard.py's _record_pattern (which explicitly never
// raises — "PATTERNS OBSERVE, NEVER CONTROL") and on
// store.SQLiteReceiptStore's insert-only SQLite pattern, including its
// causal PrevHash/LamportClock hash chain.
package patternlog

// Entry is one row of the pattern log: either a successful execution or a
// Non-Action, never anything that influences a future decision.
type Entry struct {
	ID               string
	Timestamp        string // ISO-8601 UTC
	EventType        string // "execution_success" | "non_action"
	CapabilityName   string
	ConsequenceLevel string
	Reason           string // NonActionReason, empty for success
	SubReason        string // GuardSubReason, empty unless applicable
	Details          map[string]any
	ContextID        string
	ProfileID        string
	SessionID        string
	PrevHash         string
	LamportClock     int64
}
