// Package orchestrator implements the Orchestrator: the only component
// authorised to mutate a Project. It executes one step at a time, drives
// the whole pipeline, supports explicit revision, and cascades downstream
// invalidation (spec §4.C).
package orchestrator

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/inkforge/pipeline/domain/classify"
	"github.com/inkforge/pipeline/domain/event"
	"github.com/inkforge/pipeline/domain/project"
	"github.com/inkforge/pipeline/infrastructure/logging"
	"github.com/inkforge/pipeline/infrastructure/metrics"
	"github.com/inkforge/pipeline/reliability"
	"github.com/inkforge/pipeline/registry"
	"github.com/inkforge/pipeline/steprunner"
	"github.com/inkforge/pipeline/validator"
)

// ProjectStore is the subset of the Project Store the Orchestrator drives
// directly (step execution goes through steprunner.Runtime instead).
type ProjectStore interface {
	Create(projectID, name, seed string, now time.Time) (*project.Project, error)
	Load(projectID string) (*project.Project, error)
	WriteStatus(p *project.Project) error
	ReadArtifact(projectID string, stepIndex int, name string) (*project.StepArtifact, error)
}

// EventPublisher is the subset of the Event Bus the Orchestrator uses.
type EventPublisher interface {
	Publish(ctx context.Context, e event.Event) (event.Event, error)
}

// Orchestrator drives execution of a project's DAG. A single instance is
// shared by all projects; per-project mutual exclusion is enforced by the
// busy guard.
type Orchestrator struct {
	store   ProjectStore
	bus     EventPublisher
	runtime *steprunner.Runtime
	layer   *reliability.Layer
	log     *logging.Logger
	metrics *metrics.Metrics
	service string

	busy        sync.Map // projectID -> *sync.Mutex
	cancelled   sync.Map // projectID -> *cancelFlag
	cancelFuncs sync.Map // projectID -> context.CancelFunc, live only while a run is in flight

	activeRuns int64 // atomically updated, mirrored into the active-runs gauge
}

// New builds an Orchestrator over the given components. m may be nil to
// disable metrics.
func New(store ProjectStore, bus EventPublisher, runtime *steprunner.Runtime, layer *reliability.Layer, log *logging.Logger, m *metrics.Metrics, service string) *Orchestrator {
	return &Orchestrator{store: store, bus: bus, runtime: runtime, layer: layer, log: log, metrics: m, service: service}
}

func (o *Orchestrator) lockFor(projectID string) *sync.Mutex {
	l, _ := o.busy.LoadOrStore(projectID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// tryLock returns true and holds the lock if the project was not already
// busy; callers must Unlock() when done iff acquired is true. Acquiring
// updates the active-runs gauge so operators can see concurrency at a glance.
func (o *Orchestrator) tryLock(projectID string) (acquired bool, unlock func()) {
	l := o.lockFor(projectID)
	if !l.TryLock() {
		return false, nil
	}
	n := atomic.AddInt64(&o.activeRuns, 1)
	if o.metrics != nil {
		o.metrics.SetActiveRuns(int(n))
	}
	return true, func() {
		n := atomic.AddInt64(&o.activeRuns, -1)
		if o.metrics != nil {
			o.metrics.SetActiveRuns(int(n))
		}
		l.Unlock()
	}
}

// CreateProject writes initial project metadata and the seed artifact.
func (o *Orchestrator) CreateProject(ctx context.Context, name, projectID, seed string) (*project.Project, error) {
	p, err := o.store.Create(projectID, name, seed, time.Now())
	if err != nil {
		return nil, err
	}
	o.bus.Publish(ctx, event.New(projectID, nil, event.KindProjectCreated, map[string]any{"seed": seed}))
	return p, nil
}

// ExecuteStep runs step i for a project, rejecting concurrent calls on the
// same project with a busy error (spec §5 "Shared-resource policy").
func (o *Orchestrator) ExecuteStep(ctx context.Context, projectID string, i int) (*project.StepArtifact, *classify.Error) {
	acquired, unlock := o.tryLock(projectID)
	if !acquired {
		return nil, classify.New(classify.KindBusy, "busy")
	}
	defer unlock()

	ctx, cancel := o.withCancelTracking(ctx, projectID)
	defer cancel()

	return o.executeStepLocked(ctx, projectID, i, "")
}

// withCancelTracking derives a cancellable context for one in-flight run
// and registers its cancel func so Cancel(projectID) can stop it
// immediately instead of waiting for the caller's own context to expire.
func (o *Orchestrator) withCancelTracking(ctx context.Context, projectID string) (context.Context, context.CancelFunc) {
	flag, _ := o.cancelled.LoadOrStore(projectID, new(cancelFlag))
	flag.(*cancelFlag).clear() // a fresh run starts uncancelled even if a prior run was stopped

	derived, cancel := context.WithCancel(ctx)
	o.cancelFuncs.Store(projectID, cancel)
	return derived, func() {
		o.cancelFuncs.Delete(projectID)
		cancel()
	}
}

func (o *Orchestrator) executeStepLocked(ctx context.Context, projectID string, i int, guidance string) (*project.StepArtifact, *classify.Error) {
	if o.isCancelled(projectID) {
		return nil, classify.New(classify.KindCancelled, "cancelled")
	}

	p, err := o.store.Load(projectID)
	if err != nil {
		return nil, classify.Wrap(classify.KindIO, "load project", err)
	}

	missing := o.missingParents(projectID, i)
	if len(missing) > 0 {
		return nil, &classify.Error{Kind: classify.KindUnsatisfiedDeps, Message: "unsatisfied_dependencies", Missing: missing}
	}

	if guidance == "" && p.IsCompleted(i) {
		if cached := o.cachedArtifact(projectID, i); cached != nil {
			return cached, nil
		}
	}

	cooldownKey := reliability.CooldownKey{ProjectID: projectID, StepIndex: i}
	if cdErr := o.layer.CheckCooldown(cooldownKey, time.Now()); cdErr != nil {
		return nil, cdErr
	}

	o.bus.Publish(ctx, event.New(projectID, event.StepPtr(i), event.KindStepStarted, nil))
	started := time.Now()

	art, genErr := o.runtime.Execute(ctx, projectID, i, guidance)
	if genErr != nil {
		if genErr.Kind == classify.KindCancelled {
			o.recordStepMetric(i, "cancelled", time.Since(started), 0)
			o.bus.Publish(ctx, event.New(projectID, event.StepPtr(i), event.KindStepCancelled, nil))
			return nil, genErr
		}
		o.layer.RecordStepFailure(cooldownKey, time.Now())
		o.recordStepMetric(i, "failed", time.Since(started), 0)
		o.bus.Publish(ctx, event.New(projectID, event.StepPtr(i), event.KindStepFailed, map[string]any{
			"error_kind": string(genErr.Kind), "error_detail": genErr.Message,
		}))
		return nil, genErr
	}

	o.layer.ResetCooldown(cooldownKey)
	p.MarkCompleted(i)
	if err := o.store.WriteStatus(p); err != nil {
		return nil, classify.Wrap(classify.KindIO, "write status", err)
	}

	kind := event.KindStepCompleted
	outcome := "completed"
	if art.Envelope.Degraded {
		kind = event.KindStepDegraded
		outcome = "degraded"
	}
	o.recordStepMetric(i, outcome, time.Since(started), art.Envelope.Attempts)
	o.bus.Publish(ctx, event.New(projectID, event.StepPtr(i), kind, map[string]any{
		"content_hash": art.Envelope.ContentHash, "model": art.Envelope.Model, "attempts": art.Envelope.Attempts,
	}))

	return art, nil
}

func (o *Orchestrator) recordStepMetric(stepIndex int, outcome string, duration time.Duration, attempts int) {
	if o.metrics != nil {
		o.metrics.RecordStep(o.service, strconv.Itoa(stepIndex), outcome, duration, attempts)
	}
}

// cachedArtifact returns step i's existing artifact if it is still valid:
// its stored UpstreamHash matches what its current parents hash to, meaning
// no upstream content has changed since it was produced. Returns nil if
// there is no artifact yet or it is stale, so the caller re-runs generation.
// This makes executeStepLocked idempotent on an unchanged, already-completed
// step (spec §8 "execute_step(i) twice ... is a no-op").
func (o *Orchestrator) cachedArtifact(projectID string, i int) *project.StepArtifact {
	art, err := o.store.ReadArtifact(projectID, i, steprunner.StepNames[i])
	if err != nil {
		return nil
	}
	hash, err := o.runtime.UpstreamHash(projectID, i)
	if err != nil || hash != art.Envelope.UpstreamHash {
		return nil
	}
	return art
}

// missingParents returns the parent indices of step i whose artifacts are
// absent, implementing the readiness algorithm's existence half (spec §4.C
// "Readiness algorithm").
func (o *Orchestrator) missingParents(projectID string, i int) []int {
	var missing []int
	for _, p := range registry.Parents(i) {
		if _, err := o.store.ReadArtifact(projectID, p, steprunner.StepNames[p]); err != nil {
			missing = append(missing, p)
		}
	}
	return missing
}

// ExecuteAll iterates steps in topological order from the first incomplete
// step up to and including upTo, stopping on the first fatal error.
func (o *Orchestrator) ExecuteAll(ctx context.Context, projectID string, upTo int) (*project.StepArtifact, *classify.Error) {
	acquired, unlock := o.tryLock(projectID)
	if !acquired {
		return nil, classify.New(classify.KindBusy, "busy")
	}
	defer unlock()

	ctx, cancel := o.withCancelTracking(ctx, projectID)
	defer cancel()

	p, err := o.store.Load(projectID)
	if err != nil {
		return nil, classify.Wrap(classify.KindIO, "load project", err)
	}

	var last *project.StepArtifact
	for _, i := range registry.TopologicalOrder() {
		if i > upTo {
			break
		}
		if p.IsCompleted(i) {
			continue
		}
		if o.isCancelled(projectID) {
			return last, classify.New(classify.KindCancelled, "cancelled")
		}
		art, genErr := o.executeStepLocked(ctx, projectID, i, "")
		if genErr != nil {
			return last, genErr
		}
		last = art
		p.MarkCompleted(i)
	}
	return last, nil
}

// ReviseStep snapshots the existing artifact, re-runs the Step Runtime with
// optional guidance, and on success cascades downstream invalidation.
func (o *Orchestrator) ReviseStep(ctx context.Context, projectID string, i int, guidance string) (*project.StepArtifact, *classify.Error) {
	acquired, unlock := o.tryLock(projectID)
	if !acquired {
		return nil, classify.New(classify.KindBusy, "busy")
	}
	defer unlock()

	ctx, cancel := o.withCancelTracking(ctx, projectID)
	defer cancel()

	art, genErr := o.executeStepLocked(ctx, projectID, i, guidance)
	if genErr != nil {
		return nil, genErr
	}

	if err := o.invalidateDownstreamLocked(ctx, projectID, i); err != nil {
		return art, classify.Wrap(classify.KindIO, "invalidate downstream", err)
	}
	o.bus.Publish(ctx, event.New(projectID, event.StepPtr(i), event.KindStepRevised, nil))
	return art, nil
}

// InvalidateDownstream removes every completed step index greater than i
// (not only the DAG descendants of i) from the completed-set and persists the updated
// status. On-disk snapshots are retained, not deleted (spec §4.C).
func (o *Orchestrator) InvalidateDownstream(ctx context.Context, projectID string, i int) error {
	acquired, unlock := o.tryLock(projectID)
	if !acquired {
		return classify.New(classify.KindBusy, "busy")
	}
	defer unlock()
	return o.invalidateDownstreamLocked(ctx, projectID, i)
}

func (o *Orchestrator) invalidateDownstreamLocked(ctx context.Context, projectID string, i int) error {
	p, err := o.store.Load(projectID)
	if err != nil {
		return err
	}
	p.InvalidateAbove(i)
	if err := o.store.WriteStatus(p); err != nil {
		return err
	}
	o.bus.Publish(ctx, event.New(projectID, event.StepPtr(i), event.KindInvalidated, map[string]any{
		"downstream": registry.Downstream(i),
	}))
	return nil
}

// ValidateOnly re-parses and re-validates the on-disk artifact for step i
// without invoking the Reliability Layer, side-effect-free.
func (o *Orchestrator) ValidateOnly(projectID string, i int) (bool, []validator.Issue, error) {
	art, err := o.store.ReadArtifact(projectID, i, steprunner.StepNames[i])
	if err != nil {
		return false, nil, err
	}
	var payload map[string]any
	if err := unmarshalPayload(art.Envelope.Payload, &payload); err != nil {
		return false, nil, err
	}

	parents := map[int]map[string]any{}
	for _, p := range registry.Parents(i) {
		parentArt, err := o.store.ReadArtifact(projectID, p, steprunner.StepNames[p])
		if err != nil {
			continue
		}
		var parentPayload map[string]any
		if err := unmarshalPayload(parentArt.Envelope.Payload, &parentPayload); err == nil {
			parents[p] = parentPayload
		}
	}

	ok, issues := validator.Run(i, payload, parents)
	return ok, issues, nil
}

// AcceptDegraded clears the caller-visible "needs review" status for a
// degraded artifact without forcing a revision (spec §7, SPEC_FULL §9).
func (o *Orchestrator) AcceptDegraded(ctx context.Context, projectID string, i int) error {
	acquired, unlock := o.tryLock(projectID)
	if !acquired {
		return classify.New(classify.KindBusy, "busy")
	}
	defer unlock()

	o.bus.Publish(ctx, event.New(projectID, event.StepPtr(i), event.KindStepCompleted, map[string]any{"degraded_accepted": true}))
	return nil
}

// Cancel sets a project-scoped, mutex-guarded flag consulted between steps
// and cancels the in-flight run's context, which fanout sub-tasks observe.
// Callers still own their own context.CancelFunc.
func (o *Orchestrator) Cancel(ctx context.Context, projectID string) {
	flag, _ := o.cancelled.LoadOrStore(projectID, new(cancelFlag))
	flag.(*cancelFlag).set()
	if cancel, ok := o.cancelFuncs.Load(projectID); ok {
		cancel.(context.CancelFunc)()
	}
	o.bus.Publish(ctx, event.New(projectID, nil, event.KindProjectCanceled, nil))
}

func (o *Orchestrator) isCancelled(projectID string) bool {
	flag, ok := o.cancelled.Load(projectID)
	if !ok {
		return false
	}
	return flag.(*cancelFlag).isSet()
}

func unmarshalPayload(raw []byte, v any) error {
	return gojson.Unmarshal(raw, v)
}

type cancelFlag struct {
	mu        sync.Mutex
	cancelled bool
}

func (f *cancelFlag) set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
}

func (f *cancelFlag) isSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *cancelFlag) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = false
}
