package steprunner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	gojson "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/inkforge/pipeline/domain/classify"
	"github.com/inkforge/pipeline/domain/event"
	"github.com/inkforge/pipeline/domain/project"
	"github.com/inkforge/pipeline/infrastructure/metrics"
	"github.com/inkforge/pipeline/reliability"
	"github.com/inkforge/pipeline/registry"
	"github.com/inkforge/pipeline/validator"
)

// maxReviseAttempts bounds the revise loop (spec §4.D step 6).
const maxReviseAttempts = 3

// ArtifactStore is the subset of the Project Store the runtime needs to
// read parent artifacts and persist its own.
type ArtifactStore interface {
	ReadArtifact(projectID string, stepIndex int, name string) (*project.StepArtifact, error)
	WriteArtifact(projectID string, art *project.StepArtifact, name string) error
	ReadSeed(projectID string) (string, error)
}

// EventPublisher is the subset of the Event Bus the runtime needs.
type EventPublisher interface {
	Publish(ctx context.Context, e event.Event) (event.Event, error)
}

// Runtime drives one step through the template method (spec §4.D).
type Runtime struct {
	store       ArtifactStore
	bus         EventPublisher
	reliability *reliability.Layer
	fanoutLimit int
	progressK   int
	metrics     *metrics.Metrics
	service     string
}

// New builds a Step Runtime. fanoutLimit is C, progressEvery is K (spec §5).
func New(store ArtifactStore, bus EventPublisher, layer *reliability.Layer, fanoutLimit, progressEvery int) *Runtime {
	if fanoutLimit <= 0 {
		fanoutLimit = 8
	}
	if progressEvery <= 0 {
		progressEvery = 5
	}
	return &Runtime{store: store, bus: bus, reliability: layer, fanoutLimit: fanoutLimit, progressK: progressEvery}
}

// WithMetrics attaches a metrics sink to an already-built Runtime, returning
// it for chaining. Optional: a Runtime with no metrics sink just skips
// recording.
func (r *Runtime) WithMetrics(m *metrics.Metrics, service string) *Runtime {
	r.metrics = m
	r.service = service
	return r
}

// parentPayload loads one parent's full payload as a generic map for prompt
// templates and validators, alongside its content hash for upstream hashing.
func (r *Runtime) parentPayload(projectID string, idx int, name string) (map[string]any, string, error) {
	art, err := r.store.ReadArtifact(projectID, idx, name)
	if err != nil {
		return nil, "", err
	}
	var payload map[string]any
	if err := gojson.Unmarshal(art.Envelope.Payload, &payload); err != nil {
		return nil, "", classify.Wrap(classify.KindParse, "decode parent payload", err)
	}
	return payload, art.Envelope.ContentHash, nil
}

// upstreamHash computes hash(prompt_version || sorted(parent.content_hash))
// (spec §4.D step 1).
func upstreamHash(promptVersion string, parentHashes []string) string {
	sorted := append([]string(nil), parentHashes...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(promptVersion))
	for _, ph := range sorted {
		h.Write([]byte(ph))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func contentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// StepNames maps a step index to its filesystem artifact name
// (step_<i>_<name>.json); kept here rather than in registry because only
// the store/runtime pair needs to know file-naming, not the dependency
// graph.
var StepNames = [registry.StepCount]string{
	"classification", "logline", "premise", "characters", "pitch",
	"character_synopses", "long_synopsis", "bibles", "scenes", "briefs", "manuscript",
}

// Execute runs step i's full template method for a project, given the
// optional revision guidance (empty for a normal first run). It returns the
// persisted artifact on success, or a classified error on failure, and
// never writes a partial artifact.
func (r *Runtime) Execute(ctx context.Context, projectID string, i int, guidance string) (*project.StepArtifact, *classify.Error) {
	desc := registry.ByIndex(i)
	name := StepNames[i]

	// Step 1: compose inputs.
	parents := map[int]map[string]any{}
	var parentHashes []string
	for _, p := range desc.Parents {
		payload, hash, err := r.parentPayload(projectID, p, StepNames[p])
		if err != nil {
			return nil, classify.Wrap(classify.KindUnsatisfiedDeps, "missing parent artifact", err)
		}
		parents[p] = payload
		parentHashes = append(parentHashes, hash)
	}
	if seed, err := r.seedParent(projectID); err == nil {
		parents[-1] = seed
	}

	attempts := 0
	var finalPayload map[string]any
	var degraded, parseDegraded bool
	var usedProvider, usedModel string

	for attempts < maxReviseAttempts {
		attempts++

		select {
		case <-ctx.Done():
			return nil, classify.New(classify.KindCancelled, "cancelled")
		default:
		}

		var payload map[string]any
		var pd bool
		var provider, modelName string
		var genErr *classify.Error

		if desc.FanoutEnabled {
			payload, pd, provider, modelName, genErr = r.executeFanout(ctx, projectID, desc, parents, guidance)
		} else {
			payload, pd, provider, modelName, genErr = r.executeSingle(ctx, desc, parents, guidance)
		}

		if genErr != nil {
			if desc.EmergencyAllowed && desc.Fallback != nil {
				if fb, ok := desc.Fallback(parents); ok {
					finalPayload, degraded, parseDegraded = fb, true, pd
					break
				}
			}
			return nil, genErr
		}

		parseDegraded = pd
		usedProvider, usedModel = provider, modelName

		ok, issues := validator.Run(desc.Index, payload, parents)
		if ok {
			finalPayload = payload
			break
		}

		r.bus.Publish(ctx, event.New(projectID, event.StepPtr(i), event.KindStepFailed, map[string]any{
			"error_kind":   "validation",
			"error_detail": fmt.Sprintf("%d validation issues on attempt %d", len(issues), attempts),
		}))

		if attempts >= maxReviseAttempts {
			if desc.EmergencyAllowed && desc.Fallback != nil {
				if fb, ok := desc.Fallback(parents); ok {
					finalPayload, degraded = fb, true
					break
				}
			}
			return nil, classify.New(classify.KindValidation, "exhausted revise attempts")
		}
		guidance = buildRevisionGuidance(guidance, payload, issues)
	}

	if finalPayload == nil {
		return nil, classify.New(classify.KindValidation, "no valid payload produced")
	}

	payloadBytes, err := gojson.Marshal(finalPayload)
	if err != nil {
		return nil, classify.Wrap(classify.KindIO, "marshal final payload", err)
	}

	art := project.NewArtifact(
		i, payloadBytes,
		upstreamHash(desc.PromptVersion, parentHashes),
		contentHash(payloadBytes),
		project.ModelDescriptor{Provider: usedProvider, Model: usedModel, Tier: string(desc.Tier)},
		attempts, degraded, parseDegraded, time.Now(),
	)

	if err := r.store.WriteArtifact(projectID, art, name); err != nil {
		return nil, classify.Wrap(classify.KindIO, "persist artifact", err)
	}

	return art, nil
}

// UpstreamHash recomputes step i's current upstream hash from its parents'
// content hashes (spec §4.C "Readiness algorithm" staleness test): if this
// matches the hash stored on step i's existing artifact, nothing upstream
// has changed and the artifact can be reused without re-running Execute.
func (r *Runtime) UpstreamHash(projectID string, i int) (string, error) {
	desc := registry.ByIndex(i)
	var parentHashes []string
	for _, p := range desc.Parents {
		art, err := r.store.ReadArtifact(projectID, p, StepNames[p])
		if err != nil {
			return "", err
		}
		parentHashes = append(parentHashes, art.Envelope.ContentHash)
	}
	return upstreamHash(desc.PromptVersion, parentHashes), nil
}

func (r *Runtime) seedParent(projectID string) (map[string]any, error) {
	seed, err := r.store.ReadSeed(projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"brief": seed}, nil
}

func (r *Runtime) executeSingle(ctx context.Context, desc registry.Descriptor, parents map[int]map[string]any, guidance string) (map[string]any, bool, string, string, *classify.Error) {
	system, user, err := desc.BuildPrompt(parents, guidance)
	if err != nil {
		return nil, false, "", "", classify.Wrap(classify.KindInvalidInput, "build prompt", err)
	}

	result, genErr := r.reliability.Generate(ctx, reliability.Request{
		System: system, User: user, Tier: desc.Tier, MaxTokens: 4096, Temperature: 0.8,
	})
	if genErr != nil {
		return nil, false, "", "", genErr
	}

	payload, parseDegraded, err := desc.Parse(result.Text)
	if err != nil {
		return nil, false, "", "", classify.Wrap(classify.KindParse, "parse step output", err)
	}
	return payload, parseDegraded, result.Provider, result.Model, nil
}

// executeFanout runs up to C concurrent sub-tasks for a fanout-enabled
// step, assembling results in original order (spec §4.D "Sub-fanout").
func (r *Runtime) executeFanout(ctx context.Context, projectID string, desc registry.Descriptor, parents map[int]map[string]any, guidance string) (map[string]any, bool, string, string, *classify.Error) {
	items, err := desc.SubItems(parents)
	if err != nil {
		return nil, false, "", "", classify.Wrap(classify.KindInvalidInput, "list sub-items", err)
	}

	results := make([]map[string]any, len(items))
	degradedAny := false
	var lastProvider, lastModel string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanoutLimit)

	var completed int64
	for idx, item := range items {
		idx, item := idx, item
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			default:
			}

			system, user, err := desc.BuildSubPrompt(parents, item, guidance)
			if err != nil {
				results[idx] = subFallbackOrEmpty(desc, item)
				degradedAny = true
				r.recordSubTask(desc.Index, "degraded")
				return nil
			}

			result, genErr := r.reliability.Generate(gctx, reliability.Request{
				System: system, User: user, Tier: desc.Tier, MaxTokens: 2048, Temperature: 0.8,
			})
			if genErr != nil {
				results[idx] = subFallbackOrEmpty(desc, item)
				degradedAny = true
				r.recordSubTask(desc.Index, "degraded")
				return nil
			}

			payload, pd, err := desc.Parse(result.Text)
			if err != nil {
				payload = subFallbackOrEmpty(desc, item)
				degradedAny = true
			} else if pd {
				degradedAny = true
			}
			if payload == nil {
				payload = map[string]any{}
			}
			results[idx] = payload
			lastProvider, lastModel = result.Provider, result.Model
			if err != nil || pd {
				r.recordSubTask(desc.Index, "degraded")
			} else {
				r.recordSubTask(desc.Index, "ok")
			}

			n := atomic.AddInt64(&completed, 1)
			if r.progressK > 0 && int(n)%r.progressK == 0 {
				r.bus.Publish(gctx, event.New(projectID, event.StepPtr(desc.Index), event.KindStepProgress, map[string]any{
					"completed": n, "total": len(items),
				}))
			}
			return nil
		})
	}
	_ = g.Wait() // sub-tasks never return an error; failures degrade in place

	payload, err := desc.AssembleFanout(items, results)
	if err != nil {
		return nil, true, lastProvider, lastModel, classify.Wrap(classify.KindParse, "assemble fanout results", err)
	}
	return payload, degradedAny, lastProvider, lastModel, nil
}

func (r *Runtime) recordSubTask(stepIndex int, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordFanoutSubTask(r.service, strconv.Itoa(stepIndex), outcome)
	}
}

func subFallbackOrEmpty(desc registry.Descriptor, item any) map[string]any {
	if desc.SubFallback != nil {
		return desc.SubFallback(item)
	}
	return map[string]any{}
}

func buildRevisionGuidance(prior string, payload map[string]any, issues []validator.Issue) string {
	guidance := prior
	raw, _ := gojson.Marshal(payload)
	guidance += fmt.Sprintf("\n\nPrevious output:\n%s\n\nValidation errors:\n", string(raw))
	for _, iss := range issues {
		guidance += fmt.Sprintf("- [%s] %s (fix: %s)\n", iss.Code, iss.HumanMessage, iss.SuggestedFix)
	}
	return guidance
}
