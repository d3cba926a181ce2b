package reliability

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkforge/pipeline/domain/classify"
	"github.com/inkforge/pipeline/llm"
	"github.com/inkforge/pipeline/registry"
)

type fakeClient struct {
	calls     int64
	responses []func() (string, llm.Usage, error)
}

func (f *fakeClient) Call(ctx context.Context, provider, model, system, user string, opts llm.Options) (string, llm.Usage, error) {
	n := atomic.AddInt64(&f.calls, 1) - 1
	if int(n) >= len(f.responses) {
		return "", llm.Usage{}, &llm.ProviderError{StatusCode: 500, Message: "exhausted fake responses"}
	}
	return f.responses[n]()
}

func alwaysOK(text string) func() (string, llm.Usage, error) {
	return func() (string, llm.Usage, error) { return text, llm.Usage{}, nil }
}

func alwaysFails(status int, msg string) func() (string, llm.Usage, error) {
	return func() (string, llm.Usage, error) { return "", llm.Usage{}, &llm.ProviderError{StatusCode: status, Message: msg} }
}

func newTestLayer(t *testing.T, client llm.Client, tiers map[registry.Tier][]llm.Candidate) *Layer {
	t.Helper()
	layer, err := New(client, nil, nil, "test", tiers, 16, 16)
	require.NoError(t, err)
	return layer
}

func TestGenerateSuccessOnFirstCandidate(t *testing.T) {
	client := &fakeClient{responses: []func() (string, llm.Usage, error){alwaysOK("hello")}}
	layer := newTestLayer(t, client, map[registry.Tier][]llm.Candidate{
		registry.TierFast: {{Provider: "p1", Model: "m1"}},
	})

	result, err := layer.Generate(context.Background(), Request{Tier: registry.TierFast})
	require.Nil(t, err)
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, "p1", result.Provider)
}

func TestGenerateFallsThroughToSecondCandidateOnNonRetryableError(t *testing.T) {
	client := &fakeClient{responses: []func() (string, llm.Usage, error){
		alwaysFails(400, "bad request"),
		alwaysOK("recovered"),
	}}
	layer := newTestLayer(t, client, map[registry.Tier][]llm.Candidate{
		registry.TierFast: {{Provider: "p1", Model: "m1"}, {Provider: "p2", Model: "m2"}},
	})

	result, err := layer.Generate(context.Background(), Request{Tier: registry.TierFast})
	require.Nil(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, "p2", result.Provider)
}

func TestGenerateNoCandidatesConfigured(t *testing.T) {
	layer := newTestLayer(t, &fakeClient{}, map[registry.Tier][]llm.Candidate{})

	_, err := layer.Generate(context.Background(), Request{Tier: registry.TierFast})
	require.NotNil(t, err)
}

func TestGenerateRespectsCancellation(t *testing.T) {
	layer := newTestLayer(t, &fakeClient{}, map[registry.Tier][]llm.Candidate{
		registry.TierFast: {{Provider: "p1", Model: "m1"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := layer.Generate(ctx, Request{Tier: registry.TierFast})
	require.NotNil(t, err)
}

type blockingClient struct{}

func (blockingClient) Call(ctx context.Context, provider, model, system, user string, opts llm.Options) (string, llm.Usage, error) {
	<-ctx.Done()
	return "", llm.Usage{}, ctx.Err()
}

func TestGenerateSurfacesCancelledKindNotAllCandidatesFailed(t *testing.T) {
	layer := newTestLayer(t, blockingClient{}, map[registry.Tier][]llm.Candidate{
		registry.TierFast: {{Provider: "p1", Model: "m1"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := layer.Generate(ctx, Request{Tier: registry.TierFast})
	require.NotNil(t, err)
	assert.Equal(t, classify.KindCancelled, err.Kind)
}

func TestCooldownScheduleAdvancesAndResets(t *testing.T) {
	layer := newTestLayer(t, &fakeClient{}, nil)
	key := CooldownKey{ProjectID: "proj-1", StepIndex: 2}
	now := time.Now()

	entry := layer.RecordStepFailure(key, now)
	assert.Equal(t, 1, entry.FailureStreak)

	cdErr := layer.CheckCooldown(key, now)
	require.NotNil(t, cdErr)
	assert.False(t, cdErr.NextAllowedAt.IsZero())

	layer.ResetCooldown(key)
	assert.Nil(t, layer.CheckCooldown(key, now))
}
