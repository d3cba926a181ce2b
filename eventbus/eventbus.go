// Package eventbus implements the Event Bus: an append-only broadcaster
// that durably persists every event via the Project Store and maintains an
// in-process latest-wins status snapshot per project (spec §4.G).
package eventbus

import (
	"context"
	"sync"

	"github.com/inkforge/pipeline/domain/event"
	"github.com/inkforge/pipeline/domain/project"
)

// Appender is the subset of the Project Store the bus needs: durable event
// append and status-blob replace.
type Appender interface {
	AppendEvent(ctx context.Context, e event.Event) error
	WriteStatus(p *project.Project) error
}

// Bus fans out appended events in-process (to subscribers tailing a live
// run) while delegating durability to the Project Store.
type Bus struct {
	store Appender

	mu       sync.Mutex
	seqs     map[string]uint64
	statuses map[string]*event.Status
	subs     map[string][]chan event.Event
}

// New builds a Bus writing through to the given Project Store.
func New(store Appender) *Bus {
	return &Bus{
		store:    store,
		seqs:     map[string]uint64{},
		statuses: map[string]*event.Status{},
		subs:     map[string][]chan event.Event{},
	}
}

// Publish assigns the next sequence number for the project, appends the
// event durably, folds it into the in-memory status snapshot, and fans it
// out to any live subscribers. Events for one project are totally ordered
// because Publish is serialized per project under mu.
func (b *Bus) Publish(ctx context.Context, e event.Event) (event.Event, error) {
	b.mu.Lock()
	b.seqs[e.ProjectID]++
	e.Seq = b.seqs[e.ProjectID]

	if err := b.store.AppendEvent(ctx, e); err != nil {
		b.mu.Unlock()
		return e, err
	}

	status, ok := b.statuses[e.ProjectID]
	if !ok {
		status = &event.Status{ProjectID: e.ProjectID}
		b.statuses[e.ProjectID] = status
	}
	status.Apply(e)
	subs := append([]chan event.Event(nil), b.subs[e.ProjectID]...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// slow subscriber: drop rather than block the writer.
		}
	}
	return e, nil
}

// Status returns a copy of the current latest-wins snapshot for a project.
func (b *Bus) Status(projectID string) event.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.statuses[projectID]; ok {
		return *s
	}
	return event.Status{ProjectID: projectID}
}

// Subscribe registers a channel that receives every subsequent event for a
// project. The returned function unregisters it.
func (b *Bus) Subscribe(projectID string, buffer int) (<-chan event.Event, func()) {
	ch := make(chan event.Event, buffer)
	b.mu.Lock()
	b.subs[projectID] = append(b.subs[projectID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[projectID]
		for i, c := range subs {
			if c == ch {
				b.subs[projectID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel
}
