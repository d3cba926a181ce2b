package project

import (
	"encoding/json"
	"time"
)

// ModelDescriptor identifies which provider/model produced an artifact.
type ModelDescriptor struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Tier     string `json:"tier"`
}

// Envelope is the on-disk wire shape for a step artifact
// (spec §6 "JSON payloads carry an envelope").
type Envelope struct {
	Version       int             `json:"version" validate:"required"`
	UpstreamHash  string          `json:"upstream_hash" validate:"required"`
	ContentHash   string          `json:"content_hash" validate:"required"`
	Model         ModelDescriptor `json:"model"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Degraded      bool            `json:"degraded"`
	ParseDegraded bool            `json:"parse_degraded,omitempty"`
	Attempts      int             `json:"attempts"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
}

// CurrentEnvelopeVersion is bumped whenever the envelope shape changes
// in a way old readers cannot tolerate.
const CurrentEnvelopeVersion = 1

// StepArtifact is the in-process representation of one step's output,
// keyed by (project, step index, version).
type StepArtifact struct {
	StepIndex int
	Version   int
	Envelope  Envelope
}

// NewArtifact builds a StepArtifact envelope from a parsed payload.
func NewArtifact(stepIndex int, payload json.RawMessage, upstreamHash, contentHash string, model ModelDescriptor, attempts int, degraded, parseDegraded bool, now time.Time) *StepArtifact {
	return &StepArtifact{
		StepIndex: stepIndex,
		Envelope: Envelope{
			Version:       CurrentEnvelopeVersion,
			UpstreamHash:  upstreamHash,
			ContentHash:   contentHash,
			Model:         model,
			GeneratedAt:   now,
			Degraded:      degraded,
			ParseDegraded: parseDegraded,
			Attempts:      attempts,
			Payload:       payload,
		},
	}
}
