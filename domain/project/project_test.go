package project

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProject(t *testing.T) {
	now := time.Now()
	p := New("proj-1", "My Book", "a lonely lighthouse keeper", now)

	assert.Equal(t, StatusCreated, p.Status)
	assert.Equal(t, 0, p.CurrentStep)
	assert.Empty(t, p.CompletedList())
}

func TestMarkCompletedAdvancesCurrentStep(t *testing.T) {
	p := New("proj-1", "", "seed", time.Now())

	p.MarkCompleted(0)
	assert.True(t, p.IsCompleted(0))
	assert.Equal(t, 1, p.CurrentStep)

	p.MarkCompleted(2)
	assert.True(t, p.IsCompleted(2))
	assert.Equal(t, 3, p.CurrentStep, "marking a non-contiguous step still advances CurrentStep to its successor")

	p.MarkCompleted(1)
	assert.Equal(t, 3, p.CurrentStep, "marking a lower step than CurrentStep-1 does not move it backward")
}

func TestInvalidateAbove(t *testing.T) {
	p := New("proj-1", "", "seed", time.Now())
	for i := 0; i <= 5; i++ {
		p.MarkCompleted(i)
	}

	p.InvalidateAbove(2)

	assert.True(t, p.IsCompleted(0))
	assert.True(t, p.IsCompleted(2))
	assert.False(t, p.IsCompleted(3))
	assert.False(t, p.IsCompleted(5))
	assert.Equal(t, 3, p.CurrentStep)
}

func TestCompletedListIsSorted(t *testing.T) {
	p := New("proj-1", "", "seed", time.Now())
	p.MarkCompleted(5)
	p.MarkCompleted(1)
	p.MarkCompleted(3)

	assert.Equal(t, []int{1, 3, 5}, p.CompletedList())
}

func TestProjectJSONRoundTrip(t *testing.T) {
	p := New("proj-1", "My Book", "seed text", time.Now().UTC())
	p.MarkCompleted(0)
	p.MarkCompleted(1)
	p.Status = StatusRunning

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"completed_steps":[0,1]`)

	var decoded Project
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, p.ID, decoded.ID)
	assert.True(t, decoded.IsCompleted(0))
	assert.True(t, decoded.IsCompleted(1))
	assert.False(t, decoded.IsCompleted(2))
	assert.Equal(t, StatusRunning, decoded.Status)
}

func TestNewArtifact(t *testing.T) {
	payload := json.RawMessage(`{"title":"The Lighthouse"}`)
	model := ModelDescriptor{Provider: "openai-compatible", Model: "gpt-test", Tier: "balanced"}
	now := time.Now()

	art := NewArtifact(2, payload, "up-hash", "content-hash", model, 2, true, false, now)

	assert.Equal(t, 2, art.StepIndex)
	assert.Equal(t, CurrentEnvelopeVersion, art.Envelope.Version)
	assert.True(t, art.Envelope.Degraded)
	assert.False(t, art.Envelope.ParseDegraded)
	assert.Equal(t, 2, art.Envelope.Attempts)
	assert.Equal(t, model, art.Envelope.Model)
	assert.JSONEq(t, string(payload), string(art.Envelope.Payload))
}
