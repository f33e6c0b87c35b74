// Package lifecycle carries component state observations from the
// process supervisor to the deployment engine. The supervisor owns the
// states; the core only watches them, through subscriptions that are
// explicitly cancelled when a deployment ends so no observer outlives
// the deployment that created it.
package lifecycle

import (
	"sync"

	"github.com/edgeforge/deployd/pkg/model"
)

// Monitor is the executor's view of component lifecycle state.
type Monitor interface {
	// Subscribe delivers subsequent state changes for the component.
	// Events may coalesce under load; State is authoritative.
	Subscribe(component string) *Subscription
	// State returns the component's last known state; ok is false for
	// a component never observed.
	State(component string) (model.LifecycleEvent, bool)
}

// Subscription is a cancellable handle on a component's state stream.
type Subscription struct {
	C <-chan model.LifecycleEvent

	once   sync.Once
	cancel func()
}

// Cancel detaches the subscription. Idempotent; the channel is closed
// once no further events can arrive.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

const subscriptionBuffer = 16

// MemoryBus is the in-process Monitor implementation. Sources publish
// into it; the executor's tracker subscribes per affected component.
type MemoryBus struct {
	mu     sync.Mutex
	last   map[string]model.LifecycleEvent
	subs   map[string]map[int]chan model.LifecycleEvent
	nextID int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		last: make(map[string]model.LifecycleEvent),
		subs: make(map[string]map[int]chan model.LifecycleEvent),
	}
}

// Publish records the component's new state and fans it out. Slow
// subscribers lose intermediate events rather than blocking the
// publisher; they re-read State when they catch up.
func (b *MemoryBus) Publish(ev model.LifecycleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[ev.Component] = ev
	for _, ch := range b.subs[ev.Component] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *MemoryBus) Subscribe(component string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.LifecycleEvent, subscriptionBuffer)
	id := b.nextID
	b.nextID++
	if b.subs[component] == nil {
		b.subs[component] = make(map[int]chan model.LifecycleEvent)
	}
	b.subs[component][id] = ch

	return &Subscription{
		C: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if chans, ok := b.subs[component]; ok {
				if _, ok := chans[id]; ok {
					delete(chans, id)
					close(ch)
				}
				if len(chans) == 0 {
					delete(b.subs, component)
				}
			}
		},
	}
}

func (b *MemoryBus) State(component string) (model.LifecycleEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.last[component]
	return ev, ok
}
