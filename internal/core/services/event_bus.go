package services

import (
	"sync"
	"sync/atomic"

	"peerlink/internal/core/domain"
	rlog "peerlink/pkg/logger"

	"go.uber.org/zap"
)

// Event is anything published on an EventBus.
type Event interface {
	Type() domain.EventType
}

// StateChangeEvent is published once per accepted state transition.
type StateChangeEvent struct {
	SessionID string
	Previous  domain.State
	State     domain.State
}

func (StateChangeEvent) Type() domain.EventType { return domain.EventStateChange }

// ICECandidateEvent carries a locally gathered candidate. Candidate is nil
// once gathering is complete.
type ICECandidateEvent struct {
	SessionID string
	Candidate *domain.ICECandidate
}

func (ICECandidateEvent) Type() domain.EventType { return domain.EventICECandidate }

type DataChannelOpenEvent struct {
	SessionID string
	Channel   *Channel
}

func (DataChannelOpenEvent) Type() domain.EventType { return domain.EventDataChannelOpen }

type DataChannelCloseEvent struct {
	SessionID string
	Channel   *Channel
}

func (DataChannelCloseEvent) Type() domain.EventType { return domain.EventDataChannelClose }

type DataChannelMessageEvent struct {
	SessionID string
	Message   domain.ChannelMessage
}

func (DataChannelMessageEvent) Type() domain.EventType { return domain.EventDataChannelMessage }

// ReconnectingEvent announces that retry number Attempt has been scheduled.
// Attempt is 0 when the session entered RECONNECTING with no retries left.
type ReconnectingEvent struct {
	SessionID string
	Attempt   int
}

func (ReconnectingEvent) Type() domain.EventType { return domain.EventReconnecting }

// ReconnectFailedEvent is published when the retry budget is spent.
type ReconnectFailedEvent struct {
	SessionID string
	Attempts  int
}

func (ReconnectFailedEvent) Type() domain.EventType { return domain.EventReconnectFailed }

// Handler receives events synchronously on the dispatching goroutine.
type Handler func(Event)

// Subscription is returned by Subscribe. Unsubscribe may be called any
// number of times.
type Subscription interface {
	Unsubscribe()
}

type subscriber struct {
	id      uint64
	filter  domain.EventType // empty matches every event
	handler Handler
	active  atomic.Bool
	bus     *EventBus
}

func (s *subscriber) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.remove(s.id)
}

// EventBus is an ordered, synchronous publish/subscribe primitive.
//
// Events are appended to a single queue and delivered by whichever goroutine
// is currently draining it, so delivery order always equals publication
// order. A handler that publishes (directly or by calling back into the
// session) never deadlocks: the nested event is queued and delivered right
// after the current handler returns.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []*subscriber

	queueMu  sync.Mutex
	queue    []Event
	draining bool

	logger *zap.SugaredLogger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		logger: rlog.OrNop(logger),
	}
}

// Subscribe registers h for events of type t. Handlers run in registration order.
func (b *EventBus) Subscribe(t domain.EventType, h Handler) Subscription {
	return b.add(t, h)
}

// SubscribeAll registers h for every event type.
func (b *EventBus) SubscribeAll(h Handler) Subscription {
	return b.add("", h)
}

func (b *EventBus) add(t domain.EventType, h Handler) *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &subscriber{
		id:      b.nextID,
		filter:  t,
		handler: h,
		bus:     b,
	}
	s.active.Store(true)
	b.subs = append(b.subs, s)
	return s
}

func (b *EventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of live subscriptions for t, or for all
// types when t is empty.
func (b *EventBus) SubscriberCount(t domain.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if t == "" {
		return len(b.subs)
	}
	n := 0
	for _, s := range b.subs {
		if s.filter == t {
			n++
		}
	}
	return n
}

// Publish queues e and delivers every queued event unless another goroutine
// is already draining.
func (b *EventBus) Publish(e Event) {
	b.Post(e)
	b.Drain()
}

// Post queues e without delivering it. Callers that must fix an event's
// position while holding their own lock post under the lock and call Drain
// after releasing it.
func (b *EventBus) Post(e Event) {
	b.queueMu.Lock()
	b.queue = append(b.queue, e)
	b.queueMu.Unlock()
}

// Drain delivers queued events in order.
func (b *EventBus) Drain() {
	b.queueMu.Lock()
	if b.draining {
		b.queueMu.Unlock()
		return
	}
	b.draining = true

	for len(b.queue) > 0 {
		e := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.queueMu.Unlock()

		b.deliver(e)

		b.queueMu.Lock()
	}

	b.queue = nil
	b.draining = false
	b.queueMu.Unlock()
}

func (b *EventBus) deliver(e Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter == "" || s.filter == e.Type() {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		b.invoke(s, e)
	}
}

func (b *EventBus) invoke(s *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event handler panicked",
				"event", e.Type(),
				"subscriber", s.id,
				"panic", r,
			)
		}
	}()
	s.handler(e)
}

// subscribeTyped adapts a typed callback to a Handler.
func subscribeTyped[T Event](b *EventBus, t domain.EventType, fn func(T)) Subscription {
	return b.Subscribe(t, func(e Event) {
		if v, ok := e.(T); ok {
			fn(v)
		}
	})
}
