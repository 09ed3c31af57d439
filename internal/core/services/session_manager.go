package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	rlog "peerlink/pkg/logger"
	"peerlink/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	errNoRenegotiator = errors.New("no renegotiator configured")
	errAttemptLost    = errors.New("connection failed before it was established")
)

// Option customises a SessionManager.
type Option func(*SessionManager)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(m *SessionManager) { m.logger = logger }
}

func WithMetrics(metrics ports.SessionMetrics) Option {
	return func(m *SessionManager) { m.metrics = metrics }
}

// WithRenegotiator sets the signaling exchange run by every reconnect attempt.
func WithRenegotiator(r ports.Renegotiator) Option {
	return func(m *SessionManager) { m.renegotiator = r }
}

func WithSessionID(id string) Option {
	return func(m *SessionManager) { m.id = id }
}

type connWatch struct {
	established chan struct{}
	lost        chan struct{}
	estOnce     sync.Once
	lostOnce    sync.Once
}

func newConnWatch() *connWatch {
	return &connWatch{
		established: make(chan struct{}),
		lost:        make(chan struct{}),
	}
}

func (w *connWatch) markEstablished() { w.estOnce.Do(func() { close(w.established) }) }
func (w *connWatch) markLost()        { w.lostOnce.Do(func() { close(w.lost) }) }

// SessionManager drives one peer connection through its lifecycle: state
// machine, negotiation, channel registry, reconnection and events.
type SessionManager struct {
	id      string
	cfg     Config
	backend ports.Backend

	bus         *EventBus
	sm          *StateMachine
	registry    *ChannelRegistry
	negotiation *NegotiationController
	reconnect   *ReconnectionController

	mu           sync.Mutex
	conn         ports.Connection
	gen          uint64
	watch        *connWatch
	renegotiator ports.Renegotiator

	metrics ports.SessionMetrics
	logger  *zap.SugaredLogger
}

// NewSessionManager validates cfg and returns a session in IDLE.
func NewSessionManager(backend ports.Backend, cfg Config, opts ...Option) (*SessionManager, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", domain.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &SessionManager{
		cfg:     cfg.clone(),
		backend: backend,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.id == "" {
		m.id = uuid.NewString()
	}
	if m.metrics == nil {
		m.metrics = ports.NopMetrics{}
	}
	m.logger = rlog.OrNop(m.logger)

	m.bus = NewEventBus(m.logger)
	m.sm = NewStateMachine(m.id, m.bus, m.metrics, m.logger)
	m.registry = NewChannelRegistry(m.id, m.bus, m.metrics, m.logger)
	m.negotiation = NewNegotiationController(m.id, m.cfg.LocalChannelLabel, m.sm, m.registry, m.metrics, m.logger)
	m.reconnect = NewReconnectionController(m.id, m.cfg, m.sm, m.bus, m.reconnectAttempt, m.retire, m.metrics, m.logger)

	m.logger.Debugw("session created",
		"session_id", m.id,
		"initiator", m.cfg.LocalChannelLabel != "",
		"auto_reconnect", m.cfg.AutoReconnect,
	)
	return m, nil
}

func (m *SessionManager) ID() string { return m.id }

func (m *SessionManager) State() domain.State { return m.sm.Current() }

// Config returns a copy of the session configuration.
func (m *SessionManager) Config() Config { return m.cfg.clone() }

func (m *SessionManager) Channel(label string) *Channel { return m.registry.Get(label) }

// Labels returns registered channel labels in insertion order.
func (m *SessionManager) Labels() []string { return m.registry.Labels() }

func (m *SessionManager) ReconnectAttempts() int { return m.reconnect.Attempts() }

func (m *SessionManager) LocalDescription() *domain.SessionDescription {
	return m.negotiation.LocalDescription()
}

func (m *SessionManager) RemoteDescription() *domain.SessionDescription {
	return m.negotiation.RemoteDescription()
}

func (m *SessionManager) PendingCandidates() int { return m.negotiation.PendingCandidates() }

// SetRenegotiator replaces the hook used by reconnect attempts.
func (m *SessionManager) SetRenegotiator(r ports.Renegotiator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renegotiator = r
}

func (m *SessionManager) getRenegotiator() ports.Renegotiator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renegotiator
}

func (m *SessionManager) traceOp(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracing.TraceNegotiation(ctx, op, m.id, m.sm.Current().String())
}

// Initialize creates the backend connection. It is valid only from IDLE.
func (m *SessionManager) Initialize(ctx context.Context) (err error) {
	const op = "initialize"
	ctx, span := m.traceOp(ctx, op)
	defer func() { tracing.End(span, err) }()

	if !m.sm.TransitionFrom(domain.StateIdle, domain.StateInitializing) {
		return domain.NewNegotiationError(op, m.sm.Current(), domain.ErrOutOfSequence)
	}

	if _, err := m.openConnection(ctx, domain.StateInitializing); err != nil {
		if errors.Is(err, domain.ErrConnectionClosed) {
			return err
		}
		m.sm.TransitionFrom(domain.StateInitializing, domain.StateIdle)
		return domain.NewNegotiationError(op, domain.StateInitializing, err)
	}
	return nil
}

// Connect marks the session as negotiating. Connection establishment is
// reported later by the backend.
func (m *SessionManager) Connect(ctx context.Context) (err error) {
	const op = "connect"
	_, span := m.traceOp(ctx, op)
	defer func() { tracing.End(span, err) }()

	m.mu.Lock()
	hasConn := m.conn != nil
	m.mu.Unlock()

	if !hasConn {
		return domain.NewNegotiationError(op, m.sm.Current(), domain.ErrNoConnection)
	}
	if !m.sm.TransitionFrom(domain.StateInitializing, domain.StateConnecting) {
		return domain.NewNegotiationError(op, m.sm.Current(), domain.ErrOutOfSequence)
	}
	return nil
}

func (m *SessionManager) CreateOffer(ctx context.Context) (offer domain.SessionDescription, err error) {
	ctx, span := m.traceOp(ctx, "create_offer")
	defer func() { tracing.End(span, err) }()
	return m.negotiation.CreateOffer(ctx)
}

func (m *SessionManager) CreateAnswer(ctx context.Context) (answer domain.SessionDescription, err error) {
	ctx, span := m.traceOp(ctx, "create_answer")
	defer func() { tracing.End(span, err) }()
	return m.negotiation.CreateAnswer(ctx)
}

func (m *SessionManager) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) (err error) {
	ctx, span := m.traceOp(ctx, "set_local_description")
	defer func() { tracing.End(span, err) }()
	return m.negotiation.SetLocalDescription(ctx, desc)
}

func (m *SessionManager) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) (err error) {
	ctx, span := m.traceOp(ctx, "set_remote_description")
	defer func() { tracing.End(span, err) }()
	return m.negotiation.SetRemoteDescription(ctx, desc)
}

// AddICECandidate applies or buffers a remote candidate.
func (m *SessionManager) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	return m.negotiation.AddICECandidate(ctx, c)
}

// SendData reports whether data was handed to an open channel.
func (m *SessionManager) SendData(label string, data []byte) bool {
	return m.registry.Send(label, data)
}

func (m *SessionManager) SendText(label, text string) bool {
	return m.registry.SendText(label, text)
}

// CloseChannel closes one channel and emits data_channel_close.
func (m *SessionManager) CloseChannel(label string) bool {
	return m.registry.Close(label)
}

func (m *SessionManager) EnumerateDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	return m.backend.EnumerateDevices(ctx)
}

func (m *SessionManager) CaptureLocalMedia(ctx context.Context, constraints domain.MediaConstraints) (*domain.MediaStream, error) {
	return m.backend.CaptureLocalMedia(ctx, constraints)
}

// Disconnect closes every channel and the backend connection and moves to
// DISCONNECTED. It does nothing in IDLE, DISCONNECTED or FAILED.
func (m *SessionManager) Disconnect() {
	if m.sm.In(domain.StateIdle, domain.StateDisconnected, domain.StateFailed) {
		return
	}
	m.reconnect.Cancel()
	m.teardownConnection()
	m.sm.Transition(domain.StateDisconnected)
}

// Reset tears everything down and returns the session to IDLE. Config and
// subscriptions survive.
func (m *SessionManager) Reset() {
	m.reconnect.Reset()
	m.teardownConnection()
	m.sm.Transition(domain.StateIdle)
}

// Subscribe registers h for events of type t.
func (m *SessionManager) Subscribe(t domain.EventType, h Handler) Subscription {
	return m.bus.Subscribe(t, h)
}

// SubscribeAll registers h for every event.
func (m *SessionManager) SubscribeAll(h Handler) Subscription {
	return m.bus.SubscribeAll(h)
}

func (m *SessionManager) OnStateChange(fn func(StateChangeEvent)) Subscription {
	return subscribeTyped(m.bus, domain.EventStateChange, fn)
}

func (m *SessionManager) OnICECandidate(fn func(ICECandidateEvent)) Subscription {
	return subscribeTyped(m.bus, domain.EventICECandidate, fn)
}

func (m *SessionManager) OnDataChannelOpen(fn func(DataChannelOpenEvent)) Subscription {
	return subscribeTyped(m.bus, domain.EventDataChannelOpen, fn)
}

func (m *SessionManager) OnDataChannelClose(fn func(DataChannelCloseEvent)) Subscription {
	return subscribeTyped(m.bus, domain.EventDataChannelClose, fn)
}

func (m *SessionManager) OnDataChannelMessage(fn func(DataChannelMessageEvent)) Subscription {
	return subscribeTyped(m.bus, domain.EventDataChannelMessage, fn)
}

func (m *SessionManager) OnReconnecting(fn func(ReconnectingEvent)) Subscription {
	return subscribeTyped(m.bus, domain.EventReconnecting, fn)
}

func (m *SessionManager) OnReconnectFailed(fn func(ReconnectFailedEvent)) Subscription {
	return subscribeTyped(m.bus, domain.EventReconnectFailed, fn)
}

// openConnection creates a backend connection and makes it current, provided
// the session is still in expect and nothing tore it down meanwhile.
func (m *SessionManager) openConnection(ctx context.Context, expect domain.State) (uint64, error) {
	m.mu.Lock()
	base := m.gen
	m.mu.Unlock()

	conn, err := m.backend.CreateConnection(ctx, ports.ConnectionConfig{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return 0, fmt.Errorf("create connection: %w", err)
	}

	m.mu.Lock()
	if m.gen != base || m.conn != nil || ctx.Err() != nil || m.sm.Current() != expect {
		m.mu.Unlock()
		_ = conn.Close()
		return 0, domain.ErrConnectionClosed
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.watch = newConnWatch()
	m.negotiation.Attach(conn, gen)
	m.mu.Unlock()

	conn.OnICECandidate(func(c *domain.ICECandidate) {
		if !m.isCurrent(gen) {
			return
		}
		m.bus.Publish(ICECandidateEvent{SessionID: m.id, Candidate: c})
	})
	conn.OnDataChannel(func(dc ports.DataChannel) {
		if !m.isCurrent(gen) {
			_ = dc.Close()
			return
		}
		_, _ = m.registry.AcceptRemote(dc)
	})
	conn.OnConnectionStateChange(func(cs domain.ConnectionState) {
		m.handleConnectionState(gen, cs)
	})

	m.logger.Debugw("backend connection created",
		"session_id", m.id,
		"generation", gen,
	)
	return gen, nil
}

func (m *SessionManager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.gen == gen
}

// teardownConnection retires the current connection: callbacks from it are
// ignored from here on, its channels are closed and buffered candidates are
// dropped.
func (m *SessionManager) teardownConnection() { m.retire(nil) }

// retire is teardownConnection guarded by current, which is evaluated under
// m.mu. It reports whether the teardown ran.
func (m *SessionManager) retire(current func() bool) bool {
	m.mu.Lock()
	if current != nil && !current() {
		m.mu.Unlock()
		return false
	}
	conn := m.conn
	watch := m.watch
	m.conn = nil
	m.watch = nil
	m.gen++
	m.negotiation.Detach()
	m.mu.Unlock()

	if watch != nil {
		watch.markLost()
	}
	m.registry.CloseAll()
	if conn == nil {
		return true
	}
	if err := conn.Close(); err != nil {
		m.logger.Debugw("backend close error",
			"session_id", m.id,
			"error", err,
		)
	}
	return true
}

func (m *SessionManager) handleConnectionState(gen uint64, cs domain.ConnectionState) {
	m.mu.Lock()
	if m.conn == nil || m.gen != gen {
		m.mu.Unlock()
		return
	}
	watch := m.watch
	m.mu.Unlock()

	m.logger.Debugw("backend connection state",
		"session_id", m.id,
		"connection_state", cs.String(),
		"state", m.sm.Current().String(),
	)

	switch {
	case cs == domain.ConnectionStateConnected:
		m.sm.TransitionFrom(domain.StateConnecting, domain.StateConnected)
		watch.markEstablished()

	case cs.IsLoss():
		watch.markLost()
		// Loss handling is bound to the reconnection epoch so that a
		// Reset or Disconnect issued meanwhile turns it into a no-op.
		epoch := m.reconnect.Epoch()
		// evaluated under m.mu only
		owned := func() bool { return m.conn != nil && m.gen == gen }
		switch m.sm.Current() {
		case domain.StateConnected:
			go func() {
				if m.isCurrent(gen) {
					m.reconnect.HandleLoss(epoch, owned)
				}
			}()
		case domain.StateConnecting:
			if m.reconnect.Active() {
				// the running attempt observes the loss through watch
				return
			}
			go func() {
				if !m.retire(func() bool { return owned() && m.reconnect.live(epoch) }) {
					return
				}
				m.sm.TransitionFrom(domain.StateConnecting, domain.StateDisconnected)
			}()
		}
	}
}

func (m *SessionManager) reconnectAttempt(ctx context.Context) (err error) {
	ctx, span := tracing.TraceReconnect(ctx, m.id, m.reconnect.Attempts()+1)
	defer func() { tracing.End(span, err) }()

	// ctx is cancelled by Reset and Disconnect before they tear down, so a
	// live ctx under m.mu means the session still belongs to this attempt.
	if !m.retire(func() bool { return ctx.Err() == nil }) {
		return domain.ErrConnectionClosed
	}
	gen, err := m.openConnection(ctx, domain.StateConnecting)
	if err != nil {
		return err
	}

	r := m.getRenegotiator()
	if r == nil {
		return errNoRenegotiator
	}
	if err := r.Renegotiate(ctx); err != nil {
		return fmt.Errorf("renegotiate: %w", err)
	}
	return m.waitEstablished(ctx, gen)
}

func (m *SessionManager) waitEstablished(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if m.gen != gen || m.watch == nil {
		m.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	w := m.watch
	m.mu.Unlock()

	select {
	case <-w.established:
		return nil
	case <-w.lost:
		return errAttemptLost
	case <-ctx.Done():
		return ctx.Err()
	}
}
