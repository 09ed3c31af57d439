package services

import (
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	rlog "peerlink/pkg/logger"

	"go.uber.org/zap"
)

// Channel is a labelled, bidirectional message channel registered with a
// session.
type Channel struct {
	label     string
	local     bool
	createdAt time.Time
	dc        ports.DataChannel

	mu    sync.RWMutex
	state domain.ChannelState

	sendMu sync.Mutex
}

func newChannel(dc ports.DataChannel, local bool) *Channel {
	return &Channel{
		label:     dc.Label(),
		local:     local,
		createdAt: time.Now(),
		dc:        dc,
		state:     domain.ChannelStateConnecting,
	}
}

func (c *Channel) Label() string { return c.label }

// IsLocal reports whether this side created the channel.
func (c *Channel) IsLocal() bool { return c.local }

func (c *Channel) CreatedAt() time.Time { return c.createdAt }

func (c *Channel) ReadyState() domain.ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState moves the channel to next unless it is already closed.
func (c *Channel) setState(next domain.ChannelState) (domain.ChannelState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	if prev == domain.ChannelStateClosed {
		return prev, false
	}
	c.state = next
	return prev, true
}

func (c *Channel) send(data []byte, text bool) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if st := c.ReadyState(); st != domain.ChannelStateOpen {
		return fmt.Errorf("channel %q is %s", c.label, st)
	}
	if text {
		return c.dc.SendText(string(data))
	}
	return c.dc.Send(data)
}

// ChannelRegistry keeps the channels of one session in insertion order.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels []*Channel
	index    map[string]*Channel

	sessionID string
	bus       *EventBus
	metrics   ports.SessionMetrics
	logger    *zap.SugaredLogger
}

func NewChannelRegistry(sessionID string, bus *EventBus, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *ChannelRegistry {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &ChannelRegistry{
		index:     make(map[string]*Channel),
		sessionID: sessionID,
		bus:       bus,
		metrics:   metrics,
		logger:    rlog.OrNop(logger),
	}
}

// CreateLocal opens a new channel on conn and registers it in the
// connecting state.
func (r *ChannelRegistry) CreateLocal(conn ports.Connection, label string) (*Channel, error) {
	if r.Get(label) != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateChannel, label)
	}

	dc, err := conn.CreateDataChannel(label)
	if err != nil {
		return nil, fmt.Errorf("create data channel %q: %w", label, err)
	}

	ch := newChannel(dc, true)
	if err := r.register(ch); err != nil {
		_ = dc.Close()
		return nil, err
	}
	r.attach(ch)

	r.logger.Debugw("local data channel created",
		"session_id", r.sessionID,
		"label", label,
	)
	return ch, nil
}

// AcceptRemote registers a channel announced by the remote peer. A duplicate
// label is refused and the incoming backend channel is closed.
func (r *ChannelRegistry) AcceptRemote(dc ports.DataChannel) (*Channel, error) {
	ch := newChannel(dc, false)
	if err := r.register(ch); err != nil {
		r.logger.Warnw("rejecting remote data channel",
			"session_id", r.sessionID,
			"label", dc.Label(),
			"error", err,
		)
		_ = dc.Close()
		return nil, err
	}
	r.attach(ch)

	r.logger.Debugw("remote data channel registered",
		"session_id", r.sessionID,
		"label", ch.label,
	)
	return ch, nil
}

func (r *ChannelRegistry) register(ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[ch.label]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateChannel, ch.label)
	}
	r.index[ch.label] = ch
	r.channels = append(r.channels, ch)
	return nil
}

func (r *ChannelRegistry) attach(ch *Channel) {
	ch.dc.OnOpen(func() {
		r.handleOpen(ch)
	})
	ch.dc.OnClose(func() {
		r.handleRemoteClose(ch)
	})
	ch.dc.OnMessage(func(msg domain.ChannelMessage) {
		if !r.owns(ch) {
			return
		}
		msg.Label = ch.label
		r.metrics.MessageReceived(ch.label, len(msg.Data))
		r.bus.Publish(DataChannelMessageEvent{SessionID: r.sessionID, Message: msg})
	})
}

func (r *ChannelRegistry) handleOpen(ch *Channel) {
	if !r.owns(ch) {
		return
	}
	prev, ok := ch.setState(domain.ChannelStateOpen)
	if !ok || prev != domain.ChannelStateConnecting {
		return
	}
	r.logger.Infow("data channel open",
		"session_id", r.sessionID,
		"label", ch.label,
	)
	r.bus.Publish(DataChannelOpenEvent{SessionID: r.sessionID, Channel: ch})
}

func (r *ChannelRegistry) handleRemoteClose(ch *Channel) {
	if !r.unregister(ch) {
		return
	}
	ch.setState(domain.ChannelStateClosed)
	r.logger.Infow("data channel closed by peer",
		"session_id", r.sessionID,
		"label", ch.label,
	)
	r.bus.Publish(DataChannelCloseEvent{SessionID: r.sessionID, Channel: ch})
}

// owns reports whether ch is still the registered channel for its label.
func (r *ChannelRegistry) owns(ch *Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index[ch.label] == ch
}

func (r *ChannelRegistry) unregister(ch *Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index[ch.label] != ch {
		return false
	}
	delete(r.index, ch.label)
	for i, c := range r.channels {
		if c == ch {
			r.channels = append(r.channels[:i:i], r.channels[i+1:]...)
			break
		}
	}
	return true
}

// Send delivers data on the named channel. It reports false when the label is
// unknown, the channel is not open, or the backend rejects the payload.
func (r *ChannelRegistry) Send(label string, data []byte) bool {
	return r.send(label, data, false)
}

// SendText is Send for string payloads.
func (r *ChannelRegistry) SendText(label, text string) bool {
	return r.send(label, []byte(text), true)
}

func (r *ChannelRegistry) send(label string, data []byte, text bool) bool {
	ch := r.Get(label)
	if ch == nil {
		r.metrics.MessageSent(label, len(data), false)
		return false
	}
	if err := ch.send(data, text); err != nil {
		r.logger.Debugw("send failed",
			"session_id", r.sessionID,
			"label", label,
			"error", err,
		)
		r.metrics.MessageSent(label, len(data), false)
		return false
	}
	r.metrics.MessageSent(label, len(data), true)
	return true
}

// Close closes and unregisters one channel. It reports whether the label was
// registered.
func (r *ChannelRegistry) Close(label string) bool {
	ch := r.Get(label)
	if ch == nil {
		return false
	}
	return r.closeChannel(ch)
}

func (r *ChannelRegistry) closeChannel(ch *Channel) bool {
	if !r.unregister(ch) {
		return false
	}
	ch.setState(domain.ChannelStateClosing)
	if err := ch.dc.Close(); err != nil {
		r.logger.Debugw("data channel close error",
			"session_id", r.sessionID,
			"label", ch.label,
			"error", err,
		)
	}
	ch.setState(domain.ChannelStateClosed)
	r.bus.Publish(DataChannelCloseEvent{SessionID: r.sessionID, Channel: ch})
	return true
}

// CloseAll closes every registered channel in insertion order and returns
// how many were closed.
func (r *ChannelRegistry) CloseAll() int {
	closed := 0
	for _, ch := range r.Channels() {
		if r.closeChannel(ch) {
			closed++
		}
	}
	return closed
}

func (r *ChannelRegistry) Get(label string) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index[label]
}

// Channels returns a snapshot in insertion order.
func (r *ChannelRegistry) Channels() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, len(r.channels))
	copy(out, r.channels)
	return out
}

func (r *ChannelRegistry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.label)
	}
	return out
}

func (r *ChannelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
