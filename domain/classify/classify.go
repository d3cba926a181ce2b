// Package classify defines the single error-kind enumeration shared by the
// Reliability Layer, Step Runtime, and Orchestrator (spec §7). Keeping the
// enum in its own small package avoids either of those components owning
// the other's vocabulary.
package classify

import "time"

// Kind is the taxonomy of classified errors produced anywhere in the core.
type Kind string

const (
	KindNetwork                Kind = "network"
	KindRateLimit              Kind = "rate_limit"
	KindTransient              Kind = "transient"
	KindInvalidInput           Kind = "invalid_input"
	KindPermanent              Kind = "permanent"
	KindCircuitOpen            Kind = "circuit_open"
	KindParse                  Kind = "parse"
	KindValidation             Kind = "validation"
	KindCooldown               Kind = "cooldown"
	KindUnsatisfiedDeps        Kind = "unsatisfied_dependencies"
	KindIO                     Kind = "io_error"
	KindCancelled              Kind = "cancelled"
	KindUnknown                Kind = "unknown"
	KindBusy                   Kind = "busy"
	KindNotFound               Kind = "not_found"
	KindAllCandidatesFailed    Kind = "all_candidates_failed"
	KindRateLimitedExhausted   Kind = "rate_limited_exhausted"
	KindCircuitOpenAllProvider Kind = "circuit_open_all"
)

// Error is the structured error type surfaced across component boundaries.
// It carries enough information for a caller to decide whether, and when,
// to retry — without needing to inspect error strings.
type Error struct {
	Kind          Kind
	Message       string
	Retryable     bool
	BaseDelay     time.Duration
	MaxRetries    int
	RetryAfter    time.Duration // honored when > 0, overrides BaseDelay
	NextAllowedAt time.Time     // set for KindCooldown
	Missing       []int         // set for KindUnsatisfiedDeps
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a classified error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// RetryPolicy returns the base delay and max retry count mandated by
// spec §4.E's classification table for a given error kind.
func RetryPolicy(kind Kind) (baseDelay time.Duration, maxRetries int, retryable bool) {
	switch kind {
	case KindNetwork:
		return time.Second, 5, true
	case KindRateLimit:
		return 30 * time.Second, 5, true
	case KindTransient:
		return 2 * time.Second, 3, true
	case KindInvalidInput, KindPermanent:
		return 0, 0, false
	case KindUnknown:
		return 2 * time.Second, 2, true
	default:
		return 0, 0, false
	}
}

// CooldownSchedule is the fixed (project, step) cooldown backoff ladder
// from spec §4.E: 5s, 15s, 1m, 5m, 15m, 1h, 6h, 24h.
var CooldownSchedule = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// CooldownDelay returns the delay for a given failure streak count (1-indexed).
// Counts beyond the schedule's length clamp to the final (longest) entry.
func CooldownDelay(streak int) time.Duration {
	if streak <= 0 {
		return CooldownSchedule[0]
	}
	idx := streak - 1
	if idx >= len(CooldownSchedule) {
		idx = len(CooldownSchedule) - 1
	}
	return CooldownSchedule[idx]
}
