// Package event defines the append-only event record emitted by every
// mutation the Orchestrator and Step Runtime make to a project, and the
// latest-wins status snapshot derived from it (spec §4.D).
package event

import (
	"encoding/json"
	"time"
)

// Kind enumerates the event types appended to a project's durable log.
type Kind string

const (
	KindStepStarted     Kind = "step_started"
	KindStepProgress    Kind = "step_progress"
	KindStepCompleted   Kind = "step_completed"
	KindStepDegraded    Kind = "step_degraded"
	KindStepFailed      Kind = "step_failed"
	KindStepCancelled   Kind = "step_cancelled"
	KindStepRevised     Kind = "step_revised"
	KindInvalidated     Kind = "invalidated"
	KindProjectCreated  Kind = "project_created"
	KindProjectCanceled Kind = "project_cancelled"
	KindCooldownEntered Kind = "cooldown_entered"
)

// Event is one append-only log entry for a project. Seq is assigned by the
// Event Bus and is monotonically increasing per project, starting at 1.
type Event struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	ProjectID string         `json:"project_id"`
	StepIndex *int           `json:"step_index,omitempty"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an Event; Seq is left zero for the Event Bus to assign on append.
func New(projectID string, stepIndex *int, kind Kind, payload map[string]any) Event {
	return Event{
		ProjectID: projectID,
		StepIndex: stepIndex,
		Kind:      kind,
		Payload:   payload,
	}
}

// StepPtr is a small helper so callers can write event.StepPtr(i) inline
// instead of declaring a local variable to take its address.
func StepPtr(i int) *int {
	v := i
	return &v
}

// Status is the latest-wins snapshot derived by folding a project's event
// log. It answers "what is true right now" without replaying the whole log.
type Status struct {
	ProjectID       string    `json:"project_id"`
	CurrentStep     int       `json:"current_step"`
	ActiveStep      *int      `json:"active_step,omitempty"`
	LastEventSeq    uint64    `json:"last_event_seq"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
	LastKind        Kind      `json:"last_kind,omitempty"`
	Degraded        bool      `json:"degraded"`
	Cancelled       bool      `json:"cancelled"`
	FailureStreak   int       `json:"failure_streak,omitempty"`
	LastErrorKind   string    `json:"last_error_kind,omitempty"`
	LastErrorDetail string    `json:"last_error_detail,omitempty"`
}

// Apply folds a single event into the status snapshot, in place. The Event
// Bus calls this once per appended event so the snapshot always reflects
// the last-written entry without needing to re-read the whole log.
func (s *Status) Apply(e Event) {
	s.LastEventSeq = e.Seq
	s.LastUpdatedAt = e.Timestamp
	s.LastKind = e.Kind
	switch e.Kind {
	case KindStepStarted:
		s.ActiveStep = e.StepIndex
	case KindStepCompleted:
		s.ActiveStep = nil
		s.Degraded = false
		s.FailureStreak = 0
		if e.StepIndex != nil && *e.StepIndex+1 > s.CurrentStep {
			s.CurrentStep = *e.StepIndex + 1
		}
	case KindStepDegraded:
		s.ActiveStep = nil
		s.Degraded = true
		s.FailureStreak = 0
		if e.StepIndex != nil && *e.StepIndex+1 > s.CurrentStep {
			s.CurrentStep = *e.StepIndex + 1
		}
	case KindStepCancelled:
		s.ActiveStep = nil
	case KindStepFailed:
		s.ActiveStep = nil
		s.FailureStreak++
		if kind, ok := e.Payload["error_kind"].(string); ok {
			s.LastErrorKind = kind
		}
		if detail, ok := e.Payload["error_detail"].(string); ok {
			s.LastErrorDetail = detail
		}
	case KindInvalidated:
		if e.StepIndex != nil && *e.StepIndex < s.CurrentStep {
			s.CurrentStep = *e.StepIndex
		}
	case KindProjectCanceled:
		s.Cancelled = true
		s.ActiveStep = nil
	}
}

// MarshalSnapshot renders the status as the bytes written to status.json.
func MarshalSnapshot(s Status) ([]byte, error) {
	return json.Marshal(s)
}
