// Package project holds the core data model shared by every component of
// the pipeline: Project, StepArtifact, and the envelope they are persisted
// in. These types are intentionally free of behavior beyond small invariant
// helpers — the Orchestrator is the only component authorised to mutate a
// Project (spec §4.C).
package project

import (
	"encoding/json"
	"time"
)

// Status is the overall lifecycle status of a project.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepCount is the fixed number of steps in the DAG (indices 0..10).
const StepCount = 11

// Project is the in-process and on-disk record of one pipeline run.
type Project struct {
	ID             string          `json:"id" validate:"required"`
	Name           string          `json:"name"`
	Seed           string          `json:"seed" validate:"required"`
	CreatedAt      time.Time       `json:"created_at"`
	CurrentStep    int             `json:"current_step"`
	CompletedSteps map[int]bool    `json:"-"`
	Status         Status          `json:"status" validate:"required"`
	Cancelled      bool            `json:"cancelled,omitempty"`
}

// projectWire is the on-disk shape for Project: a Go map has no stable
// iteration order, so project.json and status.json always serialize
// CompletedSteps as a sorted int slice instead.
type projectWire struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Seed           string    `json:"seed"`
	CreatedAt      time.Time `json:"created_at"`
	CurrentStep    int       `json:"current_step"`
	CompletedSteps []int     `json:"completed_steps"`
	Status         Status    `json:"status"`
	Cancelled      bool      `json:"cancelled,omitempty"`
}

// MarshalJSON renders CompletedSteps as a sorted slice for deterministic,
// diffable on-disk output.
func (p Project) MarshalJSON() ([]byte, error) {
	w := projectWire{
		ID:             p.ID,
		Name:           p.Name,
		Seed:           p.Seed,
		CreatedAt:      p.CreatedAt,
		CurrentStep:    p.CurrentStep,
		CompletedSteps: p.CompletedList(),
		Status:         p.Status,
		Cancelled:      p.Cancelled,
	}
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds CompletedSteps from the on-disk sorted slice.
func (p *Project) UnmarshalJSON(data []byte) error {
	var w projectWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.ID = w.ID
	p.Name = w.Name
	p.Seed = w.Seed
	p.CreatedAt = w.CreatedAt
	p.CurrentStep = w.CurrentStep
	p.Status = w.Status
	p.Cancelled = w.Cancelled
	p.CompletedSteps = map[int]bool{}
	for _, idx := range w.CompletedSteps {
		p.CompletedSteps[idx] = true
	}
	return nil
}

// New creates a freshly-created Project for the given seed.
func New(id, name, seed string, now time.Time) *Project {
	return &Project{
		ID:             id,
		Name:           name,
		Seed:           seed,
		CreatedAt:      now,
		CurrentStep:    0,
		CompletedSteps: map[int]bool{},
		Status:         StatusCreated,
	}
}

// IsCompleted reports whether step i is in the completed set.
func (p *Project) IsCompleted(i int) bool {
	return p.CompletedSteps[i]
}

// MarkCompleted adds step i to the completed set and advances CurrentStep
// if i is now the highest completed index.
func (p *Project) MarkCompleted(i int) {
	if p.CompletedSteps == nil {
		p.CompletedSteps = map[int]bool{}
	}
	p.CompletedSteps[i] = true
	if i+1 > p.CurrentStep {
		p.CurrentStep = i + 1
	}
}

// InvalidateAbove removes every completed step index strictly greater than i.
// Used by cascade invalidation (spec §4.C `invalidate_downstream`).
func (p *Project) InvalidateAbove(i int) {
	for idx := range p.CompletedSteps {
		if idx > i {
			delete(p.CompletedSteps, idx)
		}
	}
	if p.CurrentStep > i+1 {
		p.CurrentStep = i + 1
	}
}

// CompletedList returns the completed step indices in ascending order.
func (p *Project) CompletedList() []int {
	out := make([]int, 0, len(p.CompletedSteps))
	for idx := range p.CompletedSteps {
		out = append(out, idx)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
