package model

import "time"

// Context status constants.
const (
	StatusLive     = "live"
	StatusDisposed = "disposed"
)

// Evaluation kind constants.
const (
	KindEval    = "eval"
	KindResolve = "resolve"
)

// Evaluation outcome constants.
const (
	OutcomeValue     = "value"
	OutcomeException = "exception"
	OutcomeNotFound  = "not_found"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusLive: {
		StatusDisposed: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ContextRecord is the journaled lifecycle of one bridge context. ContextID
// is only unique within a Session, because the bridge counter restarts with
// the process.
type ContextRecord struct {
	ID         string     `json:"id"`
	ContextID  string     `json:"context_id"`
	Session    string     `json:"session"`
	Engine     string     `json:"engine"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	DisposedAt *time.Time `json:"disposed_at,omitempty"`
}

// Evaluation is one journaled evaluate or resolve call.
type Evaluation struct {
	ID         string    `json:"id"`
	ContextID  string    `json:"context_id"`
	Session    string    `json:"session"`
	Kind       string    `json:"kind"`
	Source     string    `json:"source"`
	Outcome    string    `json:"outcome"`
	Result     string    `json:"result,omitempty"`
	DurationMS int       `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConsoleLine is a single persisted console line written by script code.
type ConsoleLine struct {
	ID        int64     `json:"id"`
	ContextID string    `json:"context_id"`
	Session   string    `json:"session"`
	Seq       int       `json:"seq"`
	Level     string    `json:"level"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
