package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/loopback"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type inbox struct {
	mu     sync.Mutex
	opened []string
	texts  []string
}

func (b *inbox) watch(m *services.SessionManager) {
	m.OnDataChannelOpen(func(e services.DataChannelOpenEvent) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.opened = append(b.opened, e.Channel.Label())
	})
	m.OnDataChannelMessage(func(e services.DataChannelMessageEvent) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.texts = append(b.texts, string(e.Message.Data))
	})
}

func (b *inbox) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.opened)
}

func (b *inbox) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

func relayURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newManager(t *testing.T, backend *loopback.Backend, cfg services.Config) *services.SessionManager {
	t.Helper()
	m, err := services.NewSessionManager(backend, cfg)
	require.NoError(t, err)
	t.Cleanup(m.Reset)
	return m
}

func joinRoom(t *testing.T, ts *httptest.Server, m *services.SessionManager, peerID string, initiator bool) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		URL:       relayURL(ts),
		RoomID:    "room-1",
		PeerID:    peerID,
		Initiator: initiator,
		Dial:      retry.Config{Enabled: false},
	}, m, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func waitConnected(t *testing.T, m *services.SessionManager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == domain.StateConnected },
		waitFor, tick, "session stuck in %s", m.State())
}

func TestClient_NegotiatesThroughRelay(t *testing.T) {
	_, ts := newTestRelay(t, DefaultServerConfig())
	network := loopback.NewNetwork()

	bob := newManager(t, network.Backend("bob"), services.DefaultConfig())
	aliceCfg := services.DefaultConfig()
	aliceCfg.LocalChannelLabel = "chat"
	alice := newManager(t, network.Backend("alice"), aliceCfg)

	var aliceBox, bobBox inbox
	aliceBox.watch(alice)
	bobBox.watch(bob)

	bobClient := joinRoom(t, ts, bob, "bob", false)
	assert.Empty(t, bobClient.RemotePeer())

	aliceClient := joinRoom(t, ts, alice, "alice", true)
	assert.Equal(t, "alice", aliceClient.PeerID())
	assert.Equal(t, "bob", aliceClient.RemotePeer())

	waitConnected(t, alice)
	waitConnected(t, bob)
	require.Eventually(t, func() bool {
		return aliceBox.openCount() == 1 && bobBox.openCount() == 1
	}, waitFor, tick)
	assert.Equal(t, "alice", bobClient.RemotePeer())

	require.True(t, alice.SendText("chat", "hello bob"))
	require.True(t, bob.SendText("chat", "hello alice"))
	require.Eventually(t, func() bool {
		return len(bobBox.received()) == 1 && len(aliceBox.received()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"hello bob"}, bobBox.received())
	assert.Equal(t, []string{"hello alice"}, aliceBox.received())
}

func TestClient_ReconnectsThroughRelay(t *testing.T) {
	_, ts := newTestRelay(t, DefaultServerConfig())
	network := loopback.NewNetwork()

	bob := newManager(t, network.Backend("bob"), services.DefaultConfig())

	aliceBackend := network.Backend("alice")
	aliceCfg := services.DefaultConfig()
	aliceCfg.LocalChannelLabel = "chat"
	aliceCfg.AutoReconnect = true
	aliceCfg.ReconnectDelay = 20 * time.Millisecond
	aliceCfg.MaxReconnectAttempts = 3
	aliceCfg.ReconnectAttemptTimeout = 2 * time.Second
	alice := newManager(t, aliceBackend, aliceCfg)

	joinRoom(t, ts, bob, "bob", false)
	joinRoom(t, ts, alice, "alice", true)
	waitConnected(t, alice)
	waitConnected(t, bob)

	first := aliceBackend.Last()
	first.Sever()

	require.Eventually(t, func() bool {
		return aliceBackend.Last() != first &&
			alice.State() == domain.StateConnected &&
			bob.State() == domain.StateConnected
	}, waitFor, tick)
	assert.Zero(t, alice.ReconnectAttempts())
	require.Eventually(t, func() bool { return alice.SendText("chat", "back") }, waitFor, tick)
}

func TestClient_NegotiatesWhenResponderJoinsLater(t *testing.T) {
	_, ts := newTestRelay(t, DefaultServerConfig())
	network := loopback.NewNetwork()

	aliceCfg := services.DefaultConfig()
	aliceCfg.LocalChannelLabel = "chat"
	alice := newManager(t, network.Backend("alice"), aliceCfg)
	bob := newManager(t, network.Backend("bob"), services.DefaultConfig())

	aliceClient := joinRoom(t, ts, alice, "alice", true)
	assert.Empty(t, aliceClient.RemotePeer())
	assert.Equal(t, domain.StateIdle, alice.State())

	joinRoom(t, ts, bob, "bob", false)
	waitConnected(t, alice)
	waitConnected(t, bob)
}

func TestClient_RenegotiateWithoutPeer(t *testing.T) {
	_, ts := newTestRelay(t, DefaultServerConfig())
	network := loopback.NewNetwork()

	cfg := services.DefaultConfig()
	cfg.LocalChannelLabel = "chat"
	alice := newManager(t, network.Backend("alice"), cfg)
	c := joinRoom(t, ts, alice, "alice", true)

	err := c.Renegotiate(context.Background())
	assert.ErrorIs(t, err, ErrNoPeer)
}

func TestClient_ResponderRenegotiateStopsOnClose(t *testing.T) {
	_, ts := newTestRelay(t, DefaultServerConfig())
	network := loopback.NewNetwork()

	bob := newManager(t, network.Backend("bob"), services.DefaultConfig())
	c := joinRoom(t, ts, bob, "bob", false)

	done := make(chan error, 1)
	go func() { done <- c.Renegotiate(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(waitFor):
		t.Fatal("Renegotiate did not return after Close")
	}
}

func TestClient_ConnectRejectedByRelay(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Authority = NewTokenAuthority("secret", time.Minute)
	s := NewServer(cfg, nil, nil)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer ts.Close()

	bob := newManager(t, loopback.NewNetwork().Backend("bob"), services.DefaultConfig())
	c := NewClient(ClientConfig{
		URL:    relayURL(ts),
		RoomID: "room-1",
		Dial:   retry.DefaultConfig(),
	}, bob, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "bad handshake")
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorized))

	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)
	assert.Equal(t, "room-1", appErr.Context["room_id"])
}

func TestClient_ConnectRejectsInvalidURL(t *testing.T) {
	bob := newManager(t, loopback.NewNetwork().Backend("bob"), services.DefaultConfig())
	for _, raw := range []string{"", "ftp://relay.example.com/ws", "ws:///ws"} {
		c := NewClient(ClientConfig{URL: raw, RoomID: "room-1", Dial: retry.DefaultConfig()}, bob, nil)
		assert.ErrorContains(t, c.Connect(context.Background()), "invalid signaling url", raw)
	}
}
