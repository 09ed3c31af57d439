package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/loopback"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionManager_Validation(t *testing.T) {
	_, err := NewSessionManager(nil, DefaultConfig())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	cfg := DefaultConfig()
	cfg.MaxReconnectAttempts = -1
	_, err = NewSessionManager(loopback.NewNetwork().Backend("a"), cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	m, err := NewSessionManager(loopback.NewNetwork().Backend("a"), DefaultConfig(), WithSessionID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", m.ID())
	assert.Equal(t, domain.StateIdle, m.State())
	assert.Empty(t, m.Labels())
}

func TestSessionManager_FullHandshake(t *testing.T) {
	a, b, la, lb := connectedPair(t, initiatorConfig(), DefaultConfig())

	assert.Equal(t, []domain.State{
		domain.StateInitializing,
		domain.StateConnecting,
		domain.StateConnected,
	}, la.states())
	assert.Equal(t, []domain.State{
		domain.StateInitializing,
		domain.StateConnecting,
		domain.StateConnected,
	}, lb.states())

	assert.Equal(t, []string{"chat"}, la.opened())
	assert.Equal(t, []string{"chat"}, lb.opened())

	require.NotNil(t, a.Channel("chat"))
	assert.True(t, a.Channel("chat").IsLocal())
	assert.Equal(t, domain.ChannelStateOpen, a.Channel("chat").ReadyState())
	require.NotNil(t, b.Channel("chat"))
	assert.False(t, b.Channel("chat").IsLocal())

	require.NotNil(t, a.LocalDescription())
	assert.Equal(t, domain.SDPTypeOffer, a.LocalDescription().Type)
	require.NotNil(t, b.RemoteDescription())
	assert.Equal(t, domain.SDPTypeOffer, b.RemoteDescription().Type)
}

func TestSessionManager_MessagesArriveInOrder(t *testing.T) {
	a, b, la, lb := connectedPair(t, initiatorConfig(), DefaultConfig())

	var want []string
	for i := 0; i < 10; i++ {
		msg := fmt.Sprintf("Message %d", i)
		want = append(want, msg)
		require.True(t, a.SendData("chat", []byte(msg)))
	}
	require.Eventually(t, func() bool { return len(lb.messages()) == 10 }, waitFor, tick)
	assert.Equal(t, want, lb.messages())

	require.True(t, b.SendText("chat", "pong"))
	require.Eventually(t, func() bool { return len(la.messages()) == 1 }, waitFor, tick)
	for _, e := range la.all() {
		if m, ok := e.(DataChannelMessageEvent); ok {
			assert.True(t, m.Message.IsString)
			assert.Equal(t, "chat", m.Message.Label)
		}
	}
}

func TestSessionManager_SendUnknownLabel(t *testing.T) {
	a, _, la, _ := connectedPair(t, initiatorConfig(), DefaultConfig())
	before := la.len()

	assert.False(t, a.SendData("missing", []byte("x")))
	assert.False(t, a.SendText("missing", "x"))
	assert.Equal(t, before, la.len())
}

func TestSessionManager_SendBeforeOpen(t *testing.T) {
	ctx := context.Background()
	m := newSession(t, loopback.NewNetwork().Backend("a"), initiatorConfig())
	bringUp(t, ctx, m)

	_, err := m.CreateOffer(ctx)
	require.NoError(t, err)

	ch := m.Channel("chat")
	require.NotNil(t, ch)
	assert.Equal(t, domain.ChannelStateConnecting, ch.ReadyState())
	assert.False(t, m.SendData("chat", []byte("too early")))
}

func TestSessionManager_EarlyCandidatesFlushInOrder(t *testing.T) {
	ctx := context.Background()
	network := loopback.NewNetwork()
	bobBackend := network.Backend("bob")
	a := newSession(t, network.Backend("alice"), initiatorConfig())
	b := newSession(t, bobBackend, DefaultConfig())

	early := []domain.ICECandidate{
		{Candidate: "candidate:1 1 udp 100 10.0.0.1 4000 typ host"},
		{Candidate: "candidate:2 1 udp 99 10.0.0.1 4001 typ host"},
	}
	// one candidate before the responder even has a connection
	require.NoError(t, b.AddICECandidate(ctx, early[0]))
	bringUp(t, ctx, a)
	bringUp(t, ctx, b)
	require.NoError(t, b.AddICECandidate(ctx, early[1]))
	assert.Equal(t, 2, b.PendingCandidates())

	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, a.SetLocalDescription(ctx, offer))
	require.NoError(t, b.SetRemoteDescription(ctx, offer))

	assert.Equal(t, 0, b.PendingCandidates())
	applied := bobBackend.Last().AppliedCandidates()
	require.Len(t, applied, 2)
	assert.Equal(t, early[0].Candidate, applied[0].Candidate)
	assert.Equal(t, early[1].Candidate, applied[1].Candidate)

	late := domain.ICECandidate{Candidate: "candidate:3 1 udp 98 10.0.0.1 4002 typ host"}
	require.NoError(t, b.AddICECandidate(ctx, late))
	assert.Len(t, bobBackend.Last().AppliedCandidates(), 3)
}

func TestSessionManager_CandidateFailureDoesNotAbortFlush(t *testing.T) {
	ctx := context.Background()
	network := loopback.NewNetwork()
	bobBackend := network.Backend("bob")
	a := newSession(t, network.Backend("alice"), initiatorConfig())
	b := newSession(t, bobBackend, DefaultConfig())
	bringUp(t, ctx, a)
	bringUp(t, ctx, b)

	require.NoError(t, b.AddICECandidate(ctx, domain.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 1 typ host"}))
	require.NoError(t, b.AddICECandidate(ctx, domain.ICECandidate{Candidate: "not a candidate"}))
	require.NoError(t, b.AddICECandidate(ctx, domain.ICECandidate{Candidate: "candidate:2 1 udp 1 10.0.0.1 2 typ host"}))

	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, a.SetLocalDescription(ctx, offer))
	require.NoError(t, b.SetRemoteDescription(ctx, offer))

	assert.Len(t, bobBackend.Last().AppliedCandidates(), 2)
	assert.Equal(t, 0, b.PendingCandidates())

	err = b.AddICECandidate(ctx, domain.ICECandidate{Candidate: "still not a candidate"})
	assert.ErrorIs(t, err, domain.ErrCandidateRejected)
}

func TestSessionManager_InitializeTwice(t *testing.T) {
	ctx := context.Background()
	m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
	log := record(m)

	require.NoError(t, m.Initialize(ctx))
	err := m.Initialize(ctx)

	var ne *domain.NegotiationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "initialize", ne.Op)
	assert.ErrorIs(t, err, domain.ErrOutOfSequence)
	assert.Equal(t, domain.StateInitializing, m.State())
	assert.Equal(t, []domain.State{domain.StateInitializing}, log.states())
}

func TestSessionManager_InitializeBackendFailure(t *testing.T) {
	ctx := context.Background()
	backend := loopback.NewNetwork().Backend("a")
	boom := errors.New("no transport")
	backend.FailCreate(boom)
	m := newSession(t, backend, DefaultConfig())
	log := record(m)

	err := m.Initialize(ctx)
	assert.True(t, domain.IsNegotiationError(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, domain.StateIdle, m.State())
	assert.Equal(t, []domain.State{domain.StateInitializing, domain.StateIdle}, log.states())

	backend.FailCreate(nil)
	assert.NoError(t, m.Initialize(ctx))
}

func TestSessionManager_OutOfSequence(t *testing.T) {
	ctx := context.Background()
	offer := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0"}
	answer := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0"}

	t.Run("connect from idle", func(t *testing.T) {
		m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
		assert.ErrorIs(t, m.Connect(ctx), domain.ErrNoConnection)
		assert.Equal(t, domain.StateIdle, m.State())
	})

	t.Run("offer without connection", func(t *testing.T) {
		m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
		_, err := m.CreateOffer(ctx)
		assert.True(t, domain.IsNegotiationError(err))
		assert.ErrorIs(t, err, domain.ErrNoConnection)
	})

	t.Run("offer while initializing", func(t *testing.T) {
		m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
		require.NoError(t, m.Initialize(ctx))
		_, err := m.CreateOffer(ctx)
		assert.ErrorIs(t, err, domain.ErrOutOfSequence)
	})

	t.Run("second offer after local description", func(t *testing.T) {
		m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
		bringUp(t, ctx, m)
		o, err := m.CreateOffer(ctx)
		require.NoError(t, err)
		require.NoError(t, m.SetLocalDescription(ctx, o))
		_, err = m.CreateOffer(ctx)
		assert.ErrorIs(t, err, domain.ErrOutOfSequence)
	})

	t.Run("answer without remote offer", func(t *testing.T) {
		m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
		bringUp(t, ctx, m)
		_, err := m.CreateAnswer(ctx)
		assert.ErrorIs(t, err, domain.ErrOutOfSequence)
	})

	t.Run("remote answer without local offer", func(t *testing.T) {
		m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
		bringUp(t, ctx, m)
		assert.ErrorIs(t, m.SetRemoteDescription(ctx, answer), domain.ErrOutOfSequence)
	})

	t.Run("local answer without remote offer", func(t *testing.T) {
		m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
		bringUp(t, ctx, m)
		assert.ErrorIs(t, m.SetLocalDescription(ctx, answer), domain.ErrOutOfSequence)
	})

	t.Run("invalid descriptions", func(t *testing.T) {
		m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
		bringUp(t, ctx, m)
		assert.ErrorIs(t, m.SetRemoteDescription(ctx, domain.SessionDescription{Type: "bogus", SDP: "v=0"}), domain.ErrInvalidDescription)
		assert.ErrorIs(t, m.SetLocalDescription(ctx, domain.SessionDescription{Type: domain.SDPTypeOffer}), domain.ErrInvalidDescription)
	})

	t.Run("backend rejects description", func(t *testing.T) {
		m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
		bringUp(t, ctx, m)
		err := m.SetRemoteDescription(ctx, offer)
		assert.True(t, domain.IsNegotiationError(err))
		assert.ErrorIs(t, err, loopback.ErrUnknownPeer)
	})
}

func TestSessionManager_DisconnectResetRenegotiate(t *testing.T) {
	ctx := context.Background()
	a, b, la, lb := connectedPair(t, initiatorConfig(), DefaultConfig())

	a.Disconnect()
	assert.Equal(t, domain.StateDisconnected, a.State())
	assert.Empty(t, a.Labels())
	assert.Equal(t, 1, la.count(domain.EventDataChannelClose))

	n := la.len()
	a.Disconnect()
	assert.Equal(t, n, la.len(), "second disconnect emits nothing")

	// the responder sees the transport go away
	waitState(t, b, domain.StateDisconnected)
	require.Eventually(t, func() bool { return lb.count(domain.EventDataChannelClose) == 1 }, waitFor, tick)
	assert.Zero(t, lb.count(domain.EventReconnecting))

	a.Reset()
	b.Reset()
	assert.Equal(t, domain.StateIdle, a.State())
	assert.Equal(t, domain.StateIdle, b.State())

	bringUp(t, ctx, a)
	bringUp(t, ctx, b)
	handshake(t, ctx, a, b)
	waitState(t, a, domain.StateConnected)
	waitState(t, b, domain.StateConnected)
	require.Eventually(t, func() bool { return b.Channel("chat") != nil && a.SendData("chat", []byte("again")) }, waitFor, tick)
}

func TestSessionManager_ResetFromEveryReachableState(t *testing.T) {
	ctx := context.Background()

	steps := map[domain.State]func(t *testing.T, m *SessionManager){
		domain.StateIdle: func(*testing.T, *SessionManager) {},
		domain.StateInitializing: func(t *testing.T, m *SessionManager) {
			require.NoError(t, m.Initialize(ctx))
		},
		domain.StateConnecting: func(t *testing.T, m *SessionManager) {
			bringUp(t, ctx, m)
			_, err := m.CreateOffer(ctx)
			require.NoError(t, err)
			require.NoError(t, m.AddICECandidate(ctx, domain.ICECandidate{Candidate: "candidate:1 1 udp 1 1.1.1.1 1 typ host"}))
		},
		domain.StateConnected: func(t *testing.T, m *SessionManager) {
			bringUp(t, ctx, m)
			_, err := m.CreateOffer(ctx)
			require.NoError(t, err)
			backend := m.backend.(*loopback.Backend)
			backend.Last().SimulateState(domain.ConnectionStateConnected)
			waitState(t, m, domain.StateConnected)
		},
		domain.StateDisconnected: func(t *testing.T, m *SessionManager) {
			bringUp(t, ctx, m)
			m.Disconnect()
		},
	}

	for want, step := range steps {
		t.Run(want.String(), func(t *testing.T) {
			m := newSession(t, loopback.NewNetwork().Backend("a"), initiatorConfig())
			step(t, m)
			require.Equal(t, want, m.State())

			log := record(m)
			m.Reset()

			assert.Equal(t, domain.StateIdle, m.State())
			assert.Empty(t, m.Labels())
			assert.Zero(t, m.PendingCandidates())
			assert.Zero(t, m.ReconnectAttempts())
			assert.Nil(t, m.LocalDescription())
			if want == domain.StateIdle {
				assert.Zero(t, log.len(), "reset from idle emits nothing")
			} else {
				assert.Equal(t, domain.StateIdle, log.states()[len(log.states())-1])
			}
		})
	}
}

func TestSessionManager_DisconnectNoopInIdle(t *testing.T) {
	m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
	log := record(m)
	m.Disconnect()
	assert.Equal(t, domain.StateIdle, m.State())
	assert.Zero(t, log.len())
}

func TestSessionManager_LossWithoutAutoReconnect(t *testing.T) {
	ctx := context.Background()
	backend := loopback.NewNetwork().Backend("a")
	m := newSession(t, backend, initiatorConfig())
	log := record(m)

	bringUp(t, ctx, m)
	_, err := m.CreateOffer(ctx)
	require.NoError(t, err)
	conn := backend.Last()
	conn.SimulateState(domain.ConnectionStateConnected)
	waitState(t, m, domain.StateConnected)

	conn.SimulateState(domain.ConnectionStateFailed)
	waitState(t, m, domain.StateDisconnected)

	assert.Zero(t, log.count(domain.EventReconnecting))
	assert.Zero(t, m.ReconnectAttempts())
	assert.Empty(t, m.Labels())
}

func TestSessionManager_FailureBeforeEstablished(t *testing.T) {
	ctx := context.Background()
	backend := loopback.NewNetwork().Backend("a")
	m := newSession(t, backend, DefaultConfig())

	bringUp(t, ctx, m)
	backend.Last().SimulateState(domain.ConnectionStateFailed)
	waitState(t, m, domain.StateDisconnected)
}

func TestSessionManager_StaleCallbacksIgnored(t *testing.T) {
	ctx := context.Background()
	backend := loopback.NewNetwork().Backend("a")
	m := newSession(t, backend, DefaultConfig())
	log := record(m)

	bringUp(t, ctx, m)
	old := backend.Last()
	m.Reset()
	n := log.len()

	old.SimulateState(domain.ConnectionStateConnected)
	assert.Never(t, func() bool { return m.State() != domain.StateIdle || log.len() != n }, 50*tick, tick)
}

// gatedBackend holds CreateOffer until release is closed.
type gatedBackend struct {
	*loopback.Backend
	entered chan struct{}
	release chan struct{}
}

type gatedConn struct {
	ports.Connection
	b *gatedBackend
}

func (g *gatedBackend) CreateConnection(ctx context.Context, cfg ports.ConnectionConfig) (ports.Connection, error) {
	c, err := g.Backend.CreateConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &gatedConn{Connection: c, b: g}, nil
}

func (c *gatedConn) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	close(c.b.entered)
	<-c.b.release
	return c.Connection.CreateOffer(ctx)
}

func TestSessionManager_StaleNegotiationResultDiscarded(t *testing.T) {
	ctx := context.Background()
	backend := &gatedBackend{
		Backend: loopback.NewNetwork().Backend("a"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := newSession(t, backend, DefaultConfig())
	bringUp(t, ctx, m)

	errc := make(chan error, 1)
	go func() {
		_, err := m.CreateOffer(ctx)
		errc <- err
	}()

	<-backend.entered
	m.Reset()
	close(backend.release)

	assert.ErrorIs(t, <-errc, domain.ErrConnectionClosed)
	assert.Equal(t, domain.StateIdle, m.State())
}

func TestSessionManager_HandlerMayReenter(t *testing.T) {
	ctx := context.Background()
	m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())
	log := record(m)

	m.OnStateChange(func(e StateChangeEvent) {
		if e.State == domain.StateConnecting {
			m.Disconnect()
		}
	})
	bringUp(t, ctx, m)

	assert.Equal(t, domain.StateDisconnected, m.State())
	assert.Equal(t, []domain.State{
		domain.StateInitializing,
		domain.StateConnecting,
		domain.StateDisconnected,
	}, log.states())
}

func TestSessionManager_Media(t *testing.T) {
	ctx := context.Background()
	m := newSession(t, loopback.NewNetwork().Backend("a"), DefaultConfig())

	devices, err := m.EnumerateDevices(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, devices)

	stream, err := m.CaptureLocalMedia(ctx, domain.MediaConstraints{Audio: true})
	require.NoError(t, err)
	assert.Len(t, stream.Tracks, 1)
}

func TestSessionManager_CloseChannel(t *testing.T) {
	a, b, la, lb := connectedPair(t, initiatorConfig(), DefaultConfig())

	assert.True(t, a.CloseChannel("chat"))
	assert.False(t, a.CloseChannel("chat"))
	assert.Equal(t, 1, la.count(domain.EventDataChannelClose))

	require.Eventually(t, func() bool { return lb.count(domain.EventDataChannelClose) == 1 }, waitFor, tick)
	assert.Nil(t, b.Channel("chat"))
	assert.Equal(t, domain.StateConnected, a.State())
}
