package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkforge/pipeline/domain/classify"
	"github.com/inkforge/pipeline/domain/event"
	"github.com/inkforge/pipeline/domain/project"
	"github.com/inkforge/pipeline/llm"
	"github.com/inkforge/pipeline/registry"
	"github.com/inkforge/pipeline/reliability"
	"github.com/inkforge/pipeline/steprunner"
)

// fakeProjectStore is a single in-memory double satisfying both
// orchestrator.ProjectStore and steprunner.ArtifactStore.
type fakeProjectStore struct {
	mu        sync.Mutex
	projects  map[string]*project.Project
	artifacts map[string]map[int]*project.StepArtifact
	seeds     map[string]string
}

func newFakeProjectStore() *fakeProjectStore {
	return &fakeProjectStore{
		projects:  map[string]*project.Project{},
		artifacts: map[string]map[int]*project.StepArtifact{},
		seeds:     map[string]string{},
	}
}

func (s *fakeProjectStore) Create(projectID, name, seed string, now time.Time) (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := project.New(projectID, name, seed, now)
	s.projects[projectID] = p
	s.seeds[projectID] = seed
	s.artifacts[projectID] = map[int]*project.StepArtifact{}
	return p, nil
}

func (s *fakeProjectStore) Load(projectID string) (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, errNotFound{}
	}
	clone := *p
	clone.CompletedSteps = map[int]bool{}
	for k, v := range p.CompletedSteps {
		clone.CompletedSteps[k] = v
	}
	return &clone, nil
}

func (s *fakeProjectStore) WriteStatus(p *project.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return nil
}

func (s *fakeProjectStore) ReadArtifact(projectID string, stepIndex int, name string) (*project.StepArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	art, ok := s.artifacts[projectID][stepIndex]
	if !ok {
		return nil, errNotFound{}
	}
	return art, nil
}

func (s *fakeProjectStore) WriteArtifact(projectID string, art *project.StepArtifact, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifacts[projectID] == nil {
		s.artifacts[projectID] = map[int]*project.StepArtifact{}
	}
	s.artifacts[projectID][art.StepIndex] = art
	return nil
}

func (s *fakeProjectStore) ReadSeed(projectID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeds[projectID], nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

// fakeBus records every published event.
type fakeBus struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *fakeBus) Publish(ctx context.Context, e event.Event) (event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return e, nil
}

func (b *fakeBus) kinds() []event.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Kind, len(b.events))
	for i, e := range b.events {
		out[i] = e.Kind
	}
	return out
}

// fakeLLM returns queued responses for successive Call invocations.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
}

func (f *fakeLLM) Call(ctx context.Context, provider, model, system, user string, opts llm.Options) (string, llm.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return "", llm.Usage{}, &llm.ProviderError{StatusCode: 500, Message: "no more responses"}
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next, llm.Usage{}, nil
}

var registerOrchestratorTableOnce sync.Once

// registerOrchestratorTable installs a two-step chain: step 0 has no
// parents and requires a non-empty "genre"; step 1 depends on step 0 and
// always validates. The remaining indices are unused placeholders required
// to fill the fixed-size table.
func registerOrchestratorTable() {
	registerOrchestratorTableOnce.Do(func() {
		var table [registry.StepCount]registry.Descriptor
		table[0] = registry.Descriptor{
			Index: 0,
			Name:  "classification",
			Tier:  registry.TierFast,
			BuildPrompt: func(parents map[int]map[string]any, guidance string) (string, string, error) {
				return "system", "user", nil
			},
			Parse: func(raw string) (map[string]any, bool, error) {
				var payload map[string]any
				if err := gojson.Unmarshal([]byte(raw), &payload); err != nil {
					return nil, false, err
				}
				return payload, false, nil
			},
			Validate: func(payload map[string]any, parents map[int]map[string]any) (bool, []registry.ValidationError) {
				if payload["genre"] == "" || payload["genre"] == nil {
					return false, []registry.ValidationError{{Code: "missing_genre", HumanMessage: "genre required", SuggestedFix: "set genre"}}
				}
				return true, nil
			},
		}
		table[1] = registry.Descriptor{
			Index:   1,
			Name:    "logline",
			Parents: []int{0},
			Tier:    registry.TierFast,
			BuildPrompt: func(parents map[int]map[string]any, guidance string) (string, string, error) {
				return "system", "user", nil
			},
			Parse: func(raw string) (map[string]any, bool, error) {
				var payload map[string]any
				if err := gojson.Unmarshal([]byte(raw), &payload); err != nil {
					return nil, false, err
				}
				return payload, false, nil
			},
			Validate: func(payload map[string]any, parents map[int]map[string]any) (bool, []registry.ValidationError) {
				return true, nil
			},
		}
		for i := 2; i < registry.StepCount; i++ {
			table[i] = registry.Descriptor{Index: i, Name: "unused", Parents: []int{1}}
		}
		registry.Register(table)
	})
}

func testTier() map[registry.Tier][]llm.Candidate {
	return map[registry.Tier][]llm.Candidate{
		registry.TierFast: {{Provider: "p1", Model: "m1"}},
	}
}

func buildOrchestrator(t *testing.T, responses []string) (*Orchestrator, *fakeProjectStore, *fakeBus) {
	t.Helper()
	registerOrchestratorTable()

	store := newFakeProjectStore()
	bus := &fakeBus{}
	layer, err := reliability.New(&fakeLLM{responses: responses}, nil, nil, "test", testTier(), 8, 8)
	require.NoError(t, err)
	runtime := steprunner.New(store, bus, layer, 4, 5)
	orch := New(store, bus, runtime, layer, nil, nil, "test")
	return orch, store, bus
}

func TestCreateProjectPublishesCreatedEvent(t *testing.T) {
	orch, store, bus := buildOrchestrator(t, nil)

	p, err := orch.CreateProject(context.Background(), "My Book", "proj-1", "a lighthouse keeper")
	require.NoError(t, err)
	assert.Equal(t, project.StatusCreated, p.Status)

	loaded, err := store.Load("proj-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", loaded.ID)
	assert.Contains(t, bus.kinds(), event.KindProjectCreated)
}

func TestExecuteStepRunsAndMarksCompleted(t *testing.T) {
	orch, store, bus := buildOrchestrator(t, []string{`{"genre":"noir"}`})
	_, err := orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)

	art, classErr := orch.ExecuteStep(context.Background(), "proj-1", 0)
	require.Nil(t, classErr)
	assert.Contains(t, string(art.Envelope.Payload), "noir")

	p, err := store.Load("proj-1")
	require.NoError(t, err)
	assert.True(t, p.IsCompleted(0))
	assert.Contains(t, bus.kinds(), event.KindStepCompleted)
}

func TestExecuteStepIsIdempotentOnUnchangedUpstream(t *testing.T) {
	orch, _, bus := buildOrchestrator(t, []string{`{"genre":"noir"}`})
	_, err := orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)

	first, classErr := orch.ExecuteStep(context.Background(), "proj-1", 0)
	require.Nil(t, classErr)

	second, classErr := orch.ExecuteStep(context.Background(), "proj-1", 0)
	require.Nil(t, classErr)
	assert.Equal(t, first.Envelope.ContentHash, second.Envelope.ContentHash)

	completedCount := 0
	for _, k := range bus.kinds() {
		if k == event.KindStepCompleted {
			completedCount++
		}
	}
	assert.Equal(t, 1, completedCount, "re-running an unchanged step must not emit a second step_completed")
}

func TestExecuteStepFailsOnUnsatisfiedDependency(t *testing.T) {
	orch, _, _ := buildOrchestrator(t, []string{`{}`})
	_, err := orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)

	_, classErr := orch.ExecuteStep(context.Background(), "proj-1", 1)
	require.NotNil(t, classErr)
}

func TestExecuteStepReturnsBusyOnConcurrentCall(t *testing.T) {
	orch, _, _ := buildOrchestrator(t, []string{`{"genre":"noir"}`})
	_, err := orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)

	acquired, unlock := orch.tryLock("proj-1")
	require.True(t, acquired)
	defer unlock()

	_, classErr := orch.ExecuteStep(context.Background(), "proj-1", 0)
	require.NotNil(t, classErr)
}

func TestExecuteAllRunsBothStepsInOrder(t *testing.T) {
	orch, store, _ := buildOrchestrator(t, []string{`{"genre":"noir"}`, `{"hook":"a storm hits"}`})
	_, err := orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)

	_, classErr := orch.ExecuteAll(context.Background(), "proj-1", 1)
	require.Nil(t, classErr)

	p, err := store.Load("proj-1")
	require.NoError(t, err)
	assert.True(t, p.IsCompleted(0))
	assert.True(t, p.IsCompleted(1))
}

func TestExecuteAllSkipsAlreadyCompletedSteps(t *testing.T) {
	orch, store, _ := buildOrchestrator(t, []string{`{"genre":"noir"}`})
	_, err := orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)

	_, classErr := orch.ExecuteAll(context.Background(), "proj-1", 0)
	require.Nil(t, classErr)

	_, classErr = orch.ExecuteAll(context.Background(), "proj-1", 0)
	require.Nil(t, classErr, "re-running up to an already-completed step is a no-op")

	p, _ := store.Load("proj-1")
	assert.True(t, p.IsCompleted(0))
}

func TestReviseStepCascadesInvalidation(t *testing.T) {
	orch, store, bus := buildOrchestrator(t, []string{
		`{"genre":"noir"}`, `{"hook":"a storm hits"}`, `{"genre":"fantasy"}`,
	})
	_, err := orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)

	_, classErr := orch.ExecuteAll(context.Background(), "proj-1", 1)
	require.Nil(t, classErr)

	_, classErr = orch.ReviseStep(context.Background(), "proj-1", 0, "make it brighter")
	require.Nil(t, classErr)

	p, err := store.Load("proj-1")
	require.NoError(t, err)
	assert.True(t, p.IsCompleted(0))
	assert.False(t, p.IsCompleted(1), "downstream step is invalidated after a revision")
	assert.Contains(t, bus.kinds(), event.KindStepRevised)
	assert.Contains(t, bus.kinds(), event.KindInvalidated)
}

func TestInvalidateDownstreamRemovesStepsAboveIndex(t *testing.T) {
	orch, store, _ := buildOrchestrator(t, []string{`{"genre":"noir"}`, `{"hook":"a storm hits"}`})
	_, err := orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)
	_, classErr := orch.ExecuteAll(context.Background(), "proj-1", 1)
	require.Nil(t, classErr)

	require.NoError(t, orch.InvalidateDownstream(context.Background(), "proj-1", 0))

	p, err := store.Load("proj-1")
	require.NoError(t, err)
	assert.True(t, p.IsCompleted(0))
	assert.False(t, p.IsCompleted(1))
}

func TestValidateOnlyReparsesWithoutCallingProvider(t *testing.T) {
	orch, _, _ := buildOrchestrator(t, []string{`{"genre":"noir"}`})
	_, err := orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)
	_, classErr := orch.ExecuteStep(context.Background(), "proj-1", 0)
	require.Nil(t, classErr)

	ok, issues, err := orch.ValidateOnly("proj-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, issues)
}

// blockingLLM signals startedOnce when its first Call begins, then blocks
// until the caller's context is cancelled, exercising Orchestrator.Cancel's
// context-cancellation path on a genuinely in-flight run.
type blockingLLM struct {
	started  chan struct{}
	startOne sync.Once
}

func (f *blockingLLM) Call(ctx context.Context, provider, model, system, user string, opts llm.Options) (string, llm.Usage, error) {
	f.startOne.Do(func() { close(f.started) })
	<-ctx.Done()
	return "", llm.Usage{}, ctx.Err()
}

func TestCancelStopsAnInFlightRun(t *testing.T) {
	registerOrchestratorTable()
	store := newFakeProjectStore()
	bus := &fakeBus{}
	fake := &blockingLLM{started: make(chan struct{})}
	layer, err := reliability.New(fake, nil, nil, "test", testTier(), 8, 8)
	require.NoError(t, err)
	runtime := steprunner.New(store, bus, layer, 4, 5)
	orch := New(store, bus, runtime, layer, nil, nil, "test")

	_, err = orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)

	resultCh := make(chan *classify.Error, 1)
	go func() {
		_, classErr := orch.ExecuteStep(context.Background(), "proj-1", 0)
		resultCh <- classErr
	}()

	select {
	case <-fake.started:
	case <-time.After(time.Second):
		t.Fatal("fake provider call never started")
	}

	orch.Cancel(context.Background(), "proj-1")
	assert.Contains(t, bus.kinds(), event.KindProjectCanceled)

	select {
	case classErr := <-resultCh:
		require.NotNil(t, classErr)
		assert.Equal(t, classify.KindCancelled, classErr.Kind)
	case <-time.After(time.Second):
		t.Fatal("cancelled run never returned")
	}
}

func TestAcceptDegradedPublishesCompletedWithoutRerunning(t *testing.T) {
	orch, _, bus := buildOrchestrator(t, []string{`{"genre":"noir"}`})
	_, err := orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)

	require.NoError(t, orch.AcceptDegraded(context.Background(), "proj-1", 0))

	found := false
	for _, e := range bus.events {
		if e.Kind == event.KindStepCompleted {
			if accepted, _ := e.Payload["degraded_accepted"].(bool); accepted {
				found = true
			}
		}
	}
	assert.True(t, found, "AcceptDegraded should publish a step_completed event flagged degraded_accepted")
}

func TestWithCancelTrackingClearsStaleFlagOnNewRun(t *testing.T) {
	orch, _, _ := buildOrchestrator(t, []string{`{"genre":"noir"}`, `{"hook":"ok"}`})
	_, err := orch.CreateProject(context.Background(), "", "proj-1", "seed")
	require.NoError(t, err)

	orch.Cancel(context.Background(), "proj-1")
	require.True(t, orch.isCancelled("proj-1"))

	// A fresh run's withCancelTracking clears the stale flag before use.
	_, classErr := orch.ExecuteStep(context.Background(), "proj-1", 0)
	require.Nil(t, classErr)
}
