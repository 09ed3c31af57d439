package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/loopback"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// eventLog records every event a session publishes.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func record(m *SessionManager) *eventLog {
	l := &eventLog{}
	m.SubscribeAll(func(e Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, e)
	})
	return l
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *eventLog) count(t domain.EventType) int {
	n := 0
	for _, e := range l.all() {
		if e.Type() == t {
			n++
		}
	}
	return n
}

func (l *eventLog) states() []domain.State {
	var out []domain.State
	for _, e := range l.all() {
		if sc, ok := e.(StateChangeEvent); ok {
			out = append(out, sc.State)
		}
	}
	return out
}

func (l *eventLog) messages() []string {
	var out []string
	for _, e := range l.all() {
		if m, ok := e.(DataChannelMessageEvent); ok {
			out = append(out, string(m.Message.Data))
		}
	}
	return out
}

func (l *eventLog) opened() []string {
	var out []string
	for _, e := range l.all() {
		if o, ok := e.(DataChannelOpenEvent); ok {
			out = append(out, o.Channel.Label())
		}
	}
	return out
}

func newSession(t *testing.T, backend ports.Backend, cfg Config) *SessionManager {
	t.Helper()
	m, err := NewSessionManager(backend, cfg)
	require.NoError(t, err)
	t.Cleanup(m.Reset)
	return m
}

func initiatorConfig() Config {
	cfg := DefaultConfig()
	cfg.LocalChannelLabel = "chat"
	return cfg
}

// trickle forwards every candidate one session gathers to the other.
func trickle(from, to *SessionManager) {
	from.OnICECandidate(func(e ICECandidateEvent) {
		if e.Candidate == nil {
			return
		}
		_ = to.AddICECandidate(context.Background(), *e.Candidate)
	})
}

func bringUp(t *testing.T, ctx context.Context, m *SessionManager) {
	t.Helper()
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Connect(ctx))
}

// handshake runs offer/answer from a to b. Both must already be connecting.
func handshake(t *testing.T, ctx context.Context, a, b *SessionManager) {
	t.Helper()
	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, a.SetLocalDescription(ctx, offer))
	require.NoError(t, b.SetRemoteDescription(ctx, offer))
	answer, err := b.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, b.SetLocalDescription(ctx, answer))
	require.NoError(t, a.SetRemoteDescription(ctx, answer))
}

func waitState(t *testing.T, m *SessionManager, want domain.State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		waitFor, tick, "session never reached %s (now %s)", want, m.State())
}

// connectedPair returns an initiator and a responder that completed a
// handshake over a loopback network and both see the "chat" channel open.
func connectedPair(t *testing.T, cfgA, cfgB Config) (a, b *SessionManager, la, lb *eventLog) {
	t.Helper()
	ctx := context.Background()
	network := loopback.NewNetwork()

	a = newSession(t, network.Backend("alice"), cfgA)
	b = newSession(t, network.Backend("bob"), cfgB)
	la, lb = record(a), record(b)
	trickle(a, b)
	trickle(b, a)

	bringUp(t, ctx, a)
	bringUp(t, ctx, b)
	handshake(t, ctx, a, b)

	waitState(t, a, domain.StateConnected)
	waitState(t, b, domain.StateConnected)
	require.Eventually(t, func() bool {
		return len(la.opened()) == 1 && len(lb.opened()) == 1
	}, waitFor, tick)
	return a, b, la, lb
}

// answerFrom builds a Renegotiator that answers every offer from m with a
// fresh raw loopback connection created on peer.
func answerFrom(m **SessionManager, peer *loopback.Backend) ports.Renegotiator {
	return ports.RenegotiatorFunc(func(ctx context.Context) error {
		s := *m
		remote, err := peer.CreateConnection(ctx, ports.ConnectionConfig{})
		if err != nil {
			return err
		}
		offer, err := s.CreateOffer(ctx)
		if err != nil {
			return err
		}
		if err := s.SetLocalDescription(ctx, offer); err != nil {
			return err
		}
		if err := remote.SetRemoteDescription(ctx, offer); err != nil {
			return err
		}
		answer, err := remote.CreateAnswer(ctx)
		if err != nil {
			return err
		}
		if err := remote.SetLocalDescription(ctx, answer); err != nil {
			return err
		}
		return s.SetRemoteDescription(ctx, answer)
	})
}
