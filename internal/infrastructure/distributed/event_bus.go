package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/pkg/circuitbreaker"
	rlog "peerlink/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannelPrefix = "peerlink:events"

var ErrMirrorClosed = errors.New("event mirror closed")

// Client is the part of a redis client the mirror needs. *redis.Client and
// *redis.ClusterClient implement it.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// EventSource is anything that publishes session events.
type EventSource interface {
	ID() string
	SubscribeAll(h services.Handler) services.Subscription
}

// Event is the wire form of a session event.
type Event struct {
	Type       domain.EventType `json:"type"`
	InstanceID string           `json:"instance_id"`
	SessionID  string           `json:"session_id"`
	Timestamp  time.Time        `json:"timestamp"`

	State     string               `json:"state,omitempty"`
	Previous  string               `json:"previous,omitempty"`
	Label     string               `json:"label,omitempty"`
	Size      int                  `json:"size,omitempty"`
	Attempt   int                  `json:"attempt,omitempty"`
	Candidate *domain.ICECandidate `json:"candidate,omitempty"`
}

type MirrorConfig struct {
	ChannelPrefix string
	InstanceID    string
	// BufferSize bounds events waiting to be published. Overflow is dropped.
	BufferSize     int
	PublishTimeout time.Duration
	// IncludeCandidates mirrors ICE candidate events, which are noisy.
	IncludeCandidates bool
	// Breaker stops publishing for a while once redis keeps failing.
	Breaker circuitbreaker.Config
}

func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		ChannelPrefix:  DefaultChannelPrefix,
		BufferSize:     256,
		PublishTimeout: 2 * time.Second,
		Breaker: circuitbreaker.Config{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          10 * time.Second,
		},
	}
}

// EventMirror publishes session events to redis so other processes can
// observe sessions they do not own. Publishing happens on a background
// goroutine and never blocks the session.
type EventMirror struct {
	client  Client
	cfg     MirrorConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewEventMirror(client Client, cfg MirrorConfig, logger *zap.SugaredLogger) *EventMirror {
	def := DefaultMirrorConfig()
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = def.ChannelPrefix
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}

	if cfg.Breaker == (circuitbreaker.Config{}) {
		cfg.Breaker = def.Breaker
	}

	m := &EventMirror{
		client:  client,
		cfg:     cfg,
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  rlog.OrNop(logger),
		queue:   make(chan Event, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	m.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		m.logger.Warnw("redis publish circuit changed", "from", from.String(), "to", to.String())
	})
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *EventMirror) InstanceID() string { return m.cfg.InstanceID }

// Channel returns the redis channel events of sessionID are published on.
func (m *EventMirror) Channel(sessionID string) string {
	return m.cfg.ChannelPrefix + ":" + sessionID
}

// Dropped reports how many events were discarded because the buffer was
// full or the circuit was open.
func (m *EventMirror) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Attach mirrors every event src publishes until the returned subscription
// is cancelled.
func (m *EventMirror) Attach(src EventSource) services.Subscription {
	sessionID := src.ID()
	return src.SubscribeAll(func(e services.Event) {
		if e.Type() == domain.EventICECandidate && !m.cfg.IncludeCandidates {
			return
		}
		m.enqueue(m.convert(sessionID, e))
	})
}

func (m *EventMirror) convert(sessionID string, e services.Event) Event {
	out := Event{
		Type:       e.Type(),
		InstanceID: m.cfg.InstanceID,
		SessionID:  sessionID,
		Timestamp:  time.Now().UTC(),
	}
	switch ev := e.(type) {
	case services.StateChangeEvent:
		out.State = ev.State.String()
		out.Previous = ev.Previous.String()
	case services.ICECandidateEvent:
		out.Candidate = ev.Candidate
	case services.DataChannelOpenEvent:
		out.Label = ev.Channel.Label()
	case services.DataChannelCloseEvent:
		out.Label = ev.Channel.Label()
	case services.DataChannelMessageEvent:
		// payloads stay local
		out.Label = ev.Message.Label
		out.Size = len(ev.Message.Data)
	case services.ReconnectingEvent:
		out.Attempt = ev.Attempt
	case services.ReconnectFailedEvent:
		out.Attempt = ev.Attempts
	}
	return out
}

func (m *EventMirror) enqueue(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- e:
	default:
		m.dropped++
		m.logger.Warnw("event mirror buffer full, dropping event",
			"session_id", e.SessionID,
			"type", e.Type,
		)
	}
}

func (m *EventMirror) run() {
	defer m.wg.Done()
	for {
		select {
		case e := <-m.queue:
			m.publish(e)
		case <-m.done:
			// flush what is already queued
			for {
				select {
				case e := <-m.queue:
					m.publish(e)
				default:
					return
				}
			}
		}
	}
}

func (m *EventMirror) publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		m.logger.Errorw("failed to marshal event", "type", e.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
	defer cancel()

	err = m.breaker.Execute(ctx, func(ctx context.Context) error {
		return m.client.Publish(ctx, m.Channel(e.SessionID), data).Err()
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.logger.Warnw("failed to publish event",
			"session_id", e.SessionID,
			"type", e.Type,
			"error", err,
		)
		return
	}
	m.logger.Debugw("published event", "session_id", e.SessionID, "type", e.Type)
}

// Subscribe delivers events published by other instances to handler until
// ctx is done. Events from this instance are skipped.
func (m *EventMirror) Subscribe(ctx context.Context, handler func(Event) error) error {
	pubsub := m.client.PSubscribe(ctx, m.cfg.ChannelPrefix+":*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrMirrorClosed
		case msg, ok := <-ch:
			if !ok {
				return ErrMirrorClosed
			}
			event, err := m.decode(msg.Payload)
			if err != nil {
				m.logger.Warnw("failed to unmarshal event", "channel", msg.Channel, "error", err)
				continue
			}
			if event.InstanceID == m.cfg.InstanceID {
				continue
			}
			if err := handler(event); err != nil {
				m.logger.Warnw("error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

func (m *EventMirror) decode(payload string) (Event, error) {
	var e Event
	dec := json.NewDecoder(strings.NewReader(payload))
	if err := dec.Decode(&e); err != nil {
		return Event{}, err
	}
	if e.SessionID == "" || e.Type == "" {
		return Event{}, errors.New("event without session or type")
	}
	return e, nil
}

// Close stops accepting events, publishes what is queued and returns.
func (m *EventMirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return nil
}
