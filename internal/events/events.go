// Package events is the in-process broker for graph mutation events.
// The entity and relationship services publish here; the search cache
// and any other interested component subscribe. Delivery is
// best-effort: a slow subscriber drops events rather than stalling
// the writing path.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/pkg/types"
)

type Kind string

const (
	EntityCreated       Kind = "entity:created"
	EntityUpdated       Kind = "entity:updated"
	EntityDeleted       Kind = "entity:deleted"
	RelationshipCreated Kind = "relationship:created"
	RelationshipUpdated Kind = "relationship:updated"
	RelationshipDeleted Kind = "relationship:deleted"
	CheckpointCreated   Kind = "checkpoint:created"
	HistoryPruned       Kind = "history:pruned"
)

// Mutation describes one graph change. Entity fields are set for
// entity events, relationship fields for relationship events.
type Mutation struct {
	Kind       Kind
	EntityID   string
	EntityType types.EntityType
	Path       string

	RelationshipID string
	FromEntityID   string
	ToEntityID     string
	RelType        types.RelationshipType

	At time.Time
}

const (
	brokerBuffer     = 100
	subscriberBuffer = 50
)

// Broker fans mutations out to named subscribers. Publish never blocks
// the caller; the dispatch goroutine drops per-subscriber when a
// subscriber's buffer is full.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]chan Mutation

	events chan Mutation
	done   chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[string]chan Mutation),
		events: make(chan Mutation, brokerBuffer),
		done:   make(chan struct{}),
	}
}

// Start launches the dispatch loop. Safe to call once.
func (b *Broker) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.dispatch()
		log.Debug().Msg("mutation broker started")
	})
}

// Stop ends dispatch and closes all subscriber channels.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		defer b.mu.Unlock()
		for id, ch := range b.subs {
			close(ch)
			delete(b.subs, id)
		}
	})
}

// Subscribe registers a named subscriber and returns its channel.
// Re-subscribing under the same name replaces the old channel.
func (b *Broker) Subscribe(id string) <-chan Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subs[id]; ok {
		close(old)
	}
	ch := make(chan Mutation, subscriberBuffer)
	b.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish offers a mutation to the broker. When the broker buffer is
// full the event is dropped and counted; writers never wait.
func (b *Broker) Publish(m Mutation) {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	select {
	case b.events <- m:
		metrics.MutationEvents.WithLabelValues(string(m.Kind)).Inc()
	case <-b.done:
	default:
		metrics.MutationEventsDropped.Inc()
		log.Warn().Str("kind", string(m.Kind)).Msg("mutation broker buffer full, event dropped")
	}
}

func (b *Broker) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case m := <-b.events:
			b.mu.RLock()
			for id, ch := range b.subs {
				select {
				case ch <- m:
				default:
					metrics.MutationEventsDropped.Inc()
					log.Debug().Str("subscriber", id).Str("kind", string(m.Kind)).Msg("subscriber buffer full, event dropped")
				}
			}
			b.mu.RUnlock()
		}
	}
}
