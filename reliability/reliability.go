// Package reliability implements the Reliability Layer: a single generate()
// operation that hides provider heterogeneity, retries, and circuit
// breaking behind one call (spec §4.E).
package reliability

import (
	"context"
	"math/rand"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/inkforge/pipeline/domain/classify"
	"github.com/inkforge/pipeline/infrastructure/logging"
	"github.com/inkforge/pipeline/infrastructure/metrics"
	"github.com/inkforge/pipeline/infrastructure/resilience"
	"github.com/inkforge/pipeline/llm"
	"github.com/inkforge/pipeline/registry"
)

// CircuitKey identifies one (provider, model) pair's breaker.
type CircuitKey struct {
	Provider string
	Model    string
}

// CooldownKey identifies one (project, step) pair's cooldown entry.
type CooldownKey struct {
	ProjectID string
	StepIndex int
}

// CooldownEntry tracks the failure streak and next-allowed time for a
// (project, step) pair (spec §3 "CooldownEntry").
type CooldownEntry struct {
	FailureStreak int
	NextAllowedAt time.Time
}

const (
	circuitFailureThreshold = 5
	circuitOpenTimeout      = 5 * time.Minute
	circuitHalfOpenProbes   = 1 // spec.md: half-open allows exactly one probe
)

// Request is the input to Generate.
type Request struct {
	System      string
	User        string
	Tier        registry.Tier
	MaxTokens   int
	Temperature float64
	Seed        *int64
}

// Result is the successful output of Generate.
type Result struct {
	Text     string
	Provider string
	Model    string
	Usage    llm.Usage
}

// Layer is the Reliability Layer: provider candidate chains, per-candidate
// retry, per-(provider,model) circuit breaking, and per-(project,step)
// cooldown bookkeeping.
type Layer struct {
	client  llm.Client
	log     *logging.Logger
	metrics *metrics.Metrics
	service string

	tiers map[registry.Tier][]llm.Candidate

	breakers  *lru.Cache[CircuitKey, *resilience.CircuitBreaker]
	cooldowns *lru.Cache[CooldownKey, *CooldownEntry]
}

// New builds a Reliability Layer. tiers maps each model tier to its ordered
// candidate chain; breakerCapacity/cooldownCapacity bound the LRU registries
// so a long-lived process driving many projects against many provider/model
// pairs cannot grow these caches unbounded. m may be nil to disable metrics.
func New(client llm.Client, log *logging.Logger, m *metrics.Metrics, service string, tiers map[registry.Tier][]llm.Candidate, breakerCapacity, cooldownCapacity int) (*Layer, error) {
	breakers, err := lru.New[CircuitKey, *resilience.CircuitBreaker](breakerCapacity)
	if err != nil {
		return nil, err
	}
	cooldowns, err := lru.New[CooldownKey, *CooldownEntry](cooldownCapacity)
	if err != nil {
		return nil, err
	}
	return &Layer{
		client:    client,
		log:       log,
		metrics:   m,
		service:   service,
		tiers:     tiers,
		breakers:  breakers,
		cooldowns: cooldowns,
	}, nil
}

func (l *Layer) breakerFor(key CircuitKey) *resilience.CircuitBreaker {
	if cb, ok := l.breakers.Get(key); ok {
		return cb
	}
	cb := resilience.New(resilience.Config{
		MaxFailures: circuitFailureThreshold,
		Timeout:     circuitOpenTimeout,
		HalfOpenMax: circuitHalfOpenProbes,
		OnStateChange: func(from, to resilience.State) {
			if l.log != nil {
				l.log.WithFields(map[string]any{
					"provider": key.Provider, "model": key.Model,
					"from": from.String(), "to": to.String(),
				}).Warn("circuit breaker state changed")
			}
			if l.metrics != nil {
				l.metrics.SetCircuitState(l.service, key.Provider, key.Model, int(to))
			}
		},
	})
	l.breakers.Add(key, cb)
	return cb
}

// Generate tries every candidate in the requested tier's chain in order,
// applying retry policy per candidate and advancing on non-recoverable
// outcome (spec §4.E).
func (l *Layer) Generate(ctx context.Context, req Request) (Result, *classify.Error) {
	candidates := l.tiers[req.Tier]
	if len(candidates) == 0 {
		return Result{}, classify.New(classify.KindPermanent, "no candidates configured for tier "+string(req.Tier))
	}

	var last *classify.Error
	for _, cand := range candidates {
		select {
		case <-ctx.Done():
			return Result{}, classify.New(classify.KindCancelled, "cancelled")
		default:
		}

		text, usage, err := l.callCandidate(ctx, cand, req)
		if err == nil {
			return Result{Text: text, Provider: cand.Provider, Model: cand.Model, Usage: usage}, nil
		}
		last = err
		if err.Kind == classify.KindCircuitOpen {
			continue // short-circuit straight to the next candidate
		}
	}

	if last != nil && last.Kind == classify.KindCancelled {
		return Result{}, last
	}
	if last != nil && last.Kind == classify.KindRateLimit {
		return Result{}, classify.New(classify.KindRateLimitedExhausted, "all candidates rate-limited")
	}
	if last != nil && last.Kind == classify.KindCircuitOpen {
		return Result{}, classify.New(classify.KindCircuitOpenAllProvider, "all candidates circuit-open")
	}
	return Result{}, classify.New(classify.KindAllCandidatesFailed, "all candidates exhausted")
}

// callCandidate wraps the circuit breaker around the per-error retry loop
// around the raw provider call, mirroring the teacher's
// httpCircuitBreaker.Execute(ctx, func() error { ... }) nesting order.
func (l *Layer) callCandidate(ctx context.Context, cand llm.Candidate, req Request) (string, llm.Usage, *classify.Error) {
	cb := l.breakerFor(CircuitKey{Provider: cand.Provider, Model: cand.Model})

	var text string
	var usage llm.Usage
	var classified *classify.Error

	cbErr := cb.Execute(ctx, func() error {
		return l.retryCandidate(ctx, cand, req, &text, &usage, &classified)
	})

	if cbErr == resilience.ErrCircuitOpen || cbErr == resilience.ErrTooManyRequests {
		l.recordCandidateCall(cand, "circuit_open")
		return "", llm.Usage{}, classify.New(classify.KindCircuitOpen, "circuit open for "+cand.Provider+"/"+cand.Model)
	}
	if classified != nil {
		outcome := "non_retryable"
		if classified.Retryable {
			outcome = "retryable"
		}
		l.recordCandidateCall(cand, outcome)
		return text, usage, classified
	}
	l.recordCandidateCall(cand, "ok")
	return text, usage, nil
}

func (l *Layer) recordCandidateCall(cand llm.Candidate, outcome string) {
	if l.metrics != nil {
		l.metrics.RecordCandidateCall(l.service, cand.Provider, cand.Model, outcome)
	}
}

// retryCandidate calls the provider once, classifies any failure, and
// retries on the classified error's own BaseDelay/MaxRetries/RetryAfter
// (spec §4.E) rather than a fixed per-tier schedule: a rate_limit error
// waits RetryAfter (or 30s) up to 5 times, a transient error waits 2s up to
// 3 times, network waits 1s up to 5 times, unknown waits 2s up to 2 times.
// classifiedOut always holds the final outcome when this returns. Only a
// retryable failure that has used up its retries is returned as an error, so
// that it counts toward the circuit breaker; success, non-retryable failures
// and cancellation return nil.
func (l *Layer) retryCandidate(ctx context.Context, cand llm.Candidate, req Request, text *string, usage *llm.Usage, classifiedOut **classify.Error) error {
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			*classifiedOut = classify.New(classify.KindCancelled, "cancelled")
			return nil
		default:
		}

		t, u, err := l.client.Call(ctx, cand.Provider, cand.Model, req.System, req.User, llm.Options{
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Seed:        req.Seed,
			Timeout:     timeoutForTier(req.Tier),
		})
		if err == nil {
			*text, *usage, *classifiedOut = t, u, nil
			return nil
		}

		classified := Classify(err)
		*classifiedOut = classified
		if !classified.Retryable {
			return nil
		}
		if attempt >= classified.MaxRetries {
			return classified
		}

		delay := classified.BaseDelay
		if classified.RetryAfter > 0 {
			delay = classified.RetryAfter
		}
		select {
		case <-ctx.Done():
			*classifiedOut = classify.New(classify.KindCancelled, "cancelled")
			return nil
		case <-time.After(addJitter(delay, 0.1)):
		}
	}
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}

func timeoutForTier(tier registry.Tier) time.Duration {
	if tier == registry.TierQuality {
		return 300 * time.Second
	}
	return 120 * time.Second
}
