// Package events fans workflow events out to the engine and to observers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/fieldsync/internal/model"
)

// Publisher accepts workflow events. The detector and the aggregator
// webhook handler publish; the bus implements it.
type Publisher interface {
	Publish(ctx context.Context, ev model.WorkflowEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev model.WorkflowEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev model.WorkflowEvent) error {
	return f(ctx, ev)
}

// Handler consumes events synchronously. Handlers must not block; the
// engine's handler only enqueues.
type Handler func(ctx context.Context, ev model.WorkflowEvent)

// Bus delivers each published event to every handler, in registration
// order, then to every subscription.
//
// Handlers see every event. Subscriptions are lossy: a subscriber whose
// buffer is full misses the event and its drop counter is incremented.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	subs     map[uint64]*Subscription
	nextID   uint64
	now      func() time.Time
	log      *slog.Logger
}

// New creates an empty bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[uint64]*Subscription), now: time.Now, log: log}
}

// OnEvent registers h for every subsequent event.
func (b *Bus) OnEvent(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish stamps ev with an id and time when missing and delivers it.
func (b *Bus) Publish(ctx context.Context, ev model.WorkflowEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.Must(uuid.NewV7()).String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now().UTC()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
	for _, s := range subs {
		s.offer(ev)
	}

	b.log.Debug("event published", "event", ev.Name, "tenant", ev.TenantID, "entity", ev.Entity, "entity_id", ev.EntityID)
	return nil
}

// Subscription is a buffered, lossy view of the event stream.
type Subscription struct {
	C <-chan model.WorkflowEvent

	ch      chan model.WorkflowEvent
	id      uint64
	bus     *Bus
	tenant  string
	dropped atomic.Int64
	once    sync.Once
	mu      sync.Mutex
	closed  bool
}

// Subscribe returns a subscription with the given buffer. A non-empty
// tenantID limits it to that tenant's events.
func (b *Bus) Subscribe(buffer int, tenantID string) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan model.WorkflowEvent, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{C: ch, ch: ch, id: b.nextID, bus: b, tenant: tenantID}
	b.subs[s.id] = s
	return s
}

func (s *Subscription) offer(ev model.WorkflowEvent) {
	if s.tenant != "" && ev.TenantID != s.tenant {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
