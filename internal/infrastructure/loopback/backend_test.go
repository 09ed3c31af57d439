package loopback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	states   []domain.ConnectionState
	cands    []*domain.ICECandidate
	channels []ports.DataChannel
	messages []domain.ChannelMessage
	opened   int
	closed   int
}

func (r *recorder) wire(c ports.Connection) {
	c.OnConnectionStateChange(func(cs domain.ConnectionState) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, cs)
	})
	c.OnICECandidate(func(cand *domain.ICECandidate) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cands = append(r.cands, cand)
	})
	c.OnDataChannel(func(dc ports.DataChannel) {
		r.mu.Lock()
		r.channels = append(r.channels, dc)
		r.mu.Unlock()
		r.wireChannel(dc)
	})
}

func (r *recorder) wireChannel(dc ports.DataChannel) {
	dc.OnOpen(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.opened++
	})
	dc.OnClose(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closed++
	})
	dc.OnMessage(func(m domain.ChannelMessage) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.messages = append(r.messages, m)
	})
}

func (r *recorder) lastState() domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return domain.ConnectionStateNew
	}
	return r.states[len(r.states)-1]
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		states:   append([]domain.ConnectionState(nil), r.states...),
		cands:    append([]*domain.ICECandidate(nil), r.cands...),
		channels: append([]ports.DataChannel(nil), r.channels...),
		messages: append([]domain.ChannelMessage(nil), r.messages...),
		opened:   r.opened,
		closed:   r.closed,
	}
}

func negotiate(t *testing.T, ctx context.Context, offerer, answerer ports.Connection) {
	t.Helper()
	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(ctx, offer))
	require.NoError(t, answerer.SetRemoteDescription(ctx, offer))
	answer, err := answerer.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(ctx, answer))
	require.NoError(t, offerer.SetRemoteDescription(ctx, answer))
}

func TestPair_EstablishesAndDeliversMessages(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork()

	a, err := network.Backend("alice").CreateConnection(ctx, ports.ConnectionConfig{})
	require.NoError(t, err)
	b, err := network.Backend("bob").CreateConnection(ctx, ports.ConnectionConfig{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	var ra, rb recorder
	ra.wire(a)
	rb.wire(b)

	dc, err := a.CreateDataChannel("chat")
	require.NoError(t, err)
	ra.wireChannel(dc)

	negotiate(t, ctx, a, b)

	require.Eventually(t, func() bool {
		return ra.lastState() == domain.ConnectionStateConnected &&
			rb.lastState() == domain.ConnectionStateConnected
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		sa, sb := ra.snapshot(), rb.snapshot()
		return sa.opened == 1 && sb.opened == 1 && len(sb.channels) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "chat", rb.snapshot().channels[0].Label())

	for i := 0; i < 5; i++ {
		require.NoError(t, dc.SendText("hello"))
	}
	require.NoError(t, dc.Send([]byte{1, 2, 3}))

	require.Eventually(t, func() bool {
		return len(rb.snapshot().messages) == 6
	}, time.Second, 5*time.Millisecond)
	msgs := rb.snapshot().messages
	assert.True(t, msgs[0].IsString)
	assert.Equal(t, "hello", string(msgs[0].Data))
	assert.False(t, msgs[5].IsString)
	assert.Equal(t, []byte{1, 2, 3}, msgs[5].Data)

	sa := ra.snapshot()
	require.Len(t, sa.cands, 3)
	assert.NotNil(t, sa.cands[0])
	assert.Nil(t, sa.cands[2], "gathering ends with a nil candidate")
}

func TestConnection_CandidateRules(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork()
	a, _ := network.Backend("alice").CreateConnection(ctx, ports.ConnectionConfig{})
	b, _ := network.Backend("bob").CreateConnection(ctx, ports.ConnectionConfig{})
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	cand := domain.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}
	assert.ErrorIs(t, b.AddICECandidate(ctx, cand), ErrNoRemote)

	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, b.SetRemoteDescription(ctx, offer))

	require.NoError(t, b.AddICECandidate(ctx, cand))
	assert.ErrorIs(t, b.AddICECandidate(ctx, domain.ICECandidate{Candidate: "garbage"}), ErrBadCandidate)

	applied := b.(*Connection).AppliedCandidates()
	require.Len(t, applied, 1)
	assert.Equal(t, cand.Candidate, applied[0].Candidate)
}

func TestConnection_UnknownPeer(t *testing.T) {
	ctx := context.Background()
	c, _ := NewNetwork().Backend("alice").CreateConnection(ctx, ports.ConnectionConfig{})
	t.Cleanup(func() { _ = c.Close() })

	err := c.SetRemoteDescription(ctx, domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0\r\na=loopback-id:nope\r\n"})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestConnection_CloseNotifiesPeer(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork()
	a, _ := network.Backend("alice").CreateConnection(ctx, ports.ConnectionConfig{})
	b, _ := network.Backend("bob").CreateConnection(ctx, ports.ConnectionConfig{})
	t.Cleanup(func() { _ = b.Close() })

	var rb recorder
	rb.wire(b)
	dc, err := a.CreateDataChannel("chat")
	require.NoError(t, err)

	negotiate(t, ctx, a, b)
	require.Eventually(t, func() bool {
		return rb.snapshot().opened == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "second close is a no-op")
	assert.ErrorIs(t, dc.SendText("late"), ErrChannelNotOpen)

	require.Eventually(t, func() bool {
		s := rb.snapshot()
		return s.closed == 1 && rb.lastState() == domain.ConnectionStateDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestConnection_SimulateState(t *testing.T) {
	ctx := context.Background()
	c, _ := NewNetwork().Backend("alice").CreateConnection(ctx, ports.ConnectionConfig{})
	t.Cleanup(func() { _ = c.Close() })

	var r recorder
	r.wire(c)
	c.(*Connection).SimulateState(domain.ConnectionStateFailed)

	require.Eventually(t, func() bool {
		return r.lastState() == domain.ConnectionStateFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ConnectionStateFailed, c.(*Connection).State())
}

func TestBackend_FailCreate(t *testing.T) {
	b := NewNetwork().Backend("alice")
	boom := errors.New("boom")
	b.FailCreate(boom)

	_, err := b.CreateConnection(context.Background(), ports.ConnectionConfig{})
	assert.ErrorIs(t, err, boom)

	b.FailCreate(nil)
	c, err := b.CreateConnection(context.Background(), ports.ConnectionConfig{})
	require.NoError(t, err)
	assert.Same(t, c, ports.Connection(b.Last()))
	assert.Len(t, b.Connections(), 1)
	_ = c.Close()
}

func TestBackend_Media(t *testing.T) {
	ctx := context.Background()
	b := NewNetwork().Backend("alice")

	devices, err := b.EnumerateDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	stream, err := b.CaptureLocalMedia(ctx, domain.MediaConstraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.Len(t, stream.Tracks, 2)
	assert.Equal(t, "audio", stream.Tracks[0].Kind)
	assert.Equal(t, "video", stream.Tracks[1].Kind)

	_, err = b.CaptureLocalMedia(ctx, domain.MediaConstraints{})
	assert.ErrorIs(t, err, domain.ErrMediaUnsupported)
}
