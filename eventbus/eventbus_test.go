package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkforge/pipeline/domain/event"
	"github.com/inkforge/pipeline/domain/project"
)

type fakeAppender struct {
	appended []event.Event
	failNext bool
}

func (f *fakeAppender) AppendEvent(ctx context.Context, e event.Event) error {
	if f.failNext {
		f.failNext = false
		return errors.New("disk full")
	}
	f.appended = append(f.appended, e)
	return nil
}

func (f *fakeAppender) WriteStatus(p *project.Project) error { return nil }

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	store := &fakeAppender{}
	bus := New(store)

	e1, err := bus.Publish(context.Background(), event.New("proj-1", nil, event.KindStepStarted, nil))
	require.NoError(t, err)
	e2, err := bus.Publish(context.Background(), event.New("proj-1", nil, event.KindStepCompleted, nil))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Len(t, store.appended, 2)
}

func TestPublishPerProjectSequences(t *testing.T) {
	store := &fakeAppender{}
	bus := New(store)

	a, _ := bus.Publish(context.Background(), event.New("proj-a", nil, event.KindStepStarted, nil))
	b, _ := bus.Publish(context.Background(), event.New("proj-b", nil, event.KindStepStarted, nil))

	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(1), b.Seq, "sequences are independent per project")
}

func TestPublishPropagatesStoreError(t *testing.T) {
	store := &fakeAppender{failNext: true}
	bus := New(store)

	_, err := bus.Publish(context.Background(), event.New("proj-1", nil, event.KindStepStarted, nil))
	assert.Error(t, err)
}

func TestStatusFoldsAppliedEvents(t *testing.T) {
	store := &fakeAppender{}
	bus := New(store)

	_, _ = bus.Publish(context.Background(), event.New("proj-1", event.StepPtr(0), event.KindStepStarted, nil))
	_, _ = bus.Publish(context.Background(), event.New("proj-1", event.StepPtr(0), event.KindStepCompleted, nil))

	status := bus.Status("proj-1")
	assert.Equal(t, 1, status.CurrentStep)
	assert.Nil(t, status.ActiveStep)

	unknown := bus.Status("proj-unknown")
	assert.Equal(t, "proj-unknown", unknown.ProjectID)
	assert.Equal(t, 0, unknown.CurrentStep)
}

func TestSubscribeReceivesSubsequentEvents(t *testing.T) {
	store := &fakeAppender{}
	bus := New(store)

	ch, cancel := bus.Subscribe("proj-1", 4)
	defer cancel()

	_, _ = bus.Publish(context.Background(), event.New("proj-1", nil, event.KindStepStarted, nil))

	select {
	case e := <-ch:
		assert.Equal(t, event.KindStepStarted, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive published event")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok, "channel is closed after cancel")
}

func TestSubscribeSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	store := &fakeAppender{}
	bus := New(store)

	ch, cancel := bus.Subscribe("proj-1", 1)
	defer cancel()

	// fill the buffer, then publish again; Publish must not block on a full channel.
	_, _ = bus.Publish(context.Background(), event.New("proj-1", nil, event.KindStepStarted, nil))
	done := make(chan struct{})
	go func() {
		_, _ = bus.Publish(context.Background(), event.New("proj-1", nil, event.KindStepProgress, nil))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	<-ch // drain the first buffered event
}
