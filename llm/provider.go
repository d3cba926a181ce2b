// Package llm defines the adapter boundary to external LLM providers: a
// single call contract hiding provider heterogeneity, and an HTTP-based
// implementation of it (spec §6 "A single adapter trait").
package llm

import (
	"context"
	"time"
)

// Options carries the per-call generation parameters.
type Options struct {
	MaxTokens   int
	Temperature float64
	Seed        *int64
	Timeout     time.Duration
}

// Usage reports token accounting for a completed call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// ProviderError carries the raw status/signal a provider returned, before
// the Reliability Layer classifies it into a classify.Error.
type ProviderError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string { return e.Message }

// Client is the single adapter contract every provider implementation
// satisfies: call(provider, model, system, user, options).
type Client interface {
	Call(ctx context.Context, provider, model, system, user string, opts Options) (text string, usage Usage, err error)
}

// ProviderConfig is the static, read-only-after-init description of one
// provider endpoint (spec SPEC_FULL §4.E "provider/model tier table").
type ProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
}

// Candidate is one (provider, model) entry in a tier's candidate chain.
type Candidate struct {
	Provider string
	Model    string
}
