package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	apperrors "peerlink/pkg/errors"
	rlog "peerlink/pkg/logger"
	"peerlink/pkg/retry"
	"peerlink/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClientClosed = errors.New("signaling client closed")
	ErrNoPeer       = errors.New("no remote peer in room")
	ErrPeerLeft     = errors.New("remote peer left the room")
	ErrBusy         = errors.New("negotiation already in progress")
)

// Session is the part of a session manager the client drives.
// *services.SessionManager implements it.
type Session interface {
	State() domain.State
	Initialize(ctx context.Context) error
	Connect(ctx context.Context) error
	Reset()
	LocalDescription() *domain.SessionDescription
	RemoteDescription() *domain.SessionDescription
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, c domain.ICECandidate) error
	OnICECandidate(fn func(services.ICECandidateEvent)) services.Subscription
	SetRenegotiator(r ports.Renegotiator)
}

var _ Session = (*services.SessionManager)(nil)

type ClientConfig struct {
	URL    string
	RoomID string
	// PeerID is optional; the relay assigns one when empty.
	PeerID string
	Token  string

	// Initiator sends offers; the other side answers them.
	Initiator bool

	Dial               retry.Config
	WriteTimeout       time.Duration
	NegotiationTimeout time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Dial:               retry.DefaultConfig(),
		WriteTimeout:       10 * time.Second,
		NegotiationTimeout: 15 * time.Second,
	}
}

type negotiationResult struct {
	desc domain.SessionDescription
	err  error
}

// Client binds one Session to a relay room. It forwards the session's
// candidates, answers or issues offers, and serves as the session's
// Renegotiator so reconnection attempts run through the relay.
type Client struct {
	cfg     ClientConfig
	session Session
	logger  *zap.SugaredLogger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	peerID  string
	remote  string
	pending chan negotiationResult
	sub     services.Subscription

	done      chan struct{}
	closeOnce sync.Once
}

var _ ports.Renegotiator = (*Client)(nil)

func NewClient(cfg ClientConfig, session Session, logger *zap.SugaredLogger) *Client {
	def := DefaultClientConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = def.NegotiationTimeout
	}
	return &Client{
		cfg:     cfg,
		session: session,
		logger:  rlog.OrNop(logger).With("room_id", cfg.RoomID),
		done:    make(chan struct{}),
	}
}

// PeerID is the ID the relay assigned to this client.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// RemotePeer is the other room member, or "" when alone.
func (c *Client) RemotePeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Client) dialURL() (string, error) {
	if err := validation.ValidateURL(c.cfg.URL); err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	q := u.Query()
	q.Set("room", c.cfg.RoomID)
	if c.cfg.PeerID != "" {
		q.Set("peer_id", c.cfg.PeerID)
	}
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the relay, joins the room and starts relaying. When the
// room already holds a peer and this client is the initiator, negotiation
// starts immediately.
func (c *Client) Connect(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	dialCfg := c.cfg.Dial
	dialCfg.NonRetryableErrors = append(dialCfg.NonRetryableErrors, websocket.ErrBadHandshake)
	dialCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warnw("signaling dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	conn, err := retry.RetryWithResult(ctx, dialCfg, func() (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			return nil, rejection(resp, err)
		}
		return conn, nil
	})
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}

	joined, err := readJoined(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.peerID = joined.PeerID
	if len(joined.Peers) > 0 {
		c.remote = joined.Peers[0]
	}
	remote := c.remote
	c.sub = c.session.OnICECandidate(c.forwardCandidate)
	c.mu.Unlock()

	c.session.SetRenegotiator(c)
	c.logger.Infow("joined signaling room", "peer_id", joined.PeerID, "remote_peer", remote)

	go c.readLoop()

	if remote != "" && c.cfg.Initiator {
		go c.negotiate()
	}
	return nil
}

// rejection returns the relay's AppError for a refused upgrade, wrapping the
// handshake error. Other failures pass through unchanged.
func rejection(resp *http.Response, err error) error {
	if resp == nil || !errors.Is(err, websocket.ErrBadHandshake) {
		return err
	}
	defer resp.Body.Close()

	var msg Message
	if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&msg) != nil || msg.Error == nil {
		return err
	}
	appErr := msg.Error
	appErr.HTTPStatus = resp.StatusCode
	appErr.Cause = err
	return appErr
}

func readJoined(ctx context.Context, conn *websocket.Conn) (Message, error) {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return Message{}, fmt.Errorf("failed to read join reply: %w", err)
	}
	switch msg.Type {
	case TypeJoined:
		return msg, nil
	case TypeError:
		if msg.Error != nil {
			return Message{}, msg.Error
		}
	}
	return Message{}, fmt.Errorf("unexpected join reply %q", msg.Type)
}

func (c *Client) send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClientClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (c *Client) forwardCandidate(e services.ICECandidateEvent) {
	if e.Candidate == nil {
		return
	}
	remote := c.RemotePeer()
	if remote == "" {
		c.logger.Debugw("dropping candidate, no remote peer")
		return
	}
	if err := c.send(Message{Type: TypeCandidate, PeerID: remote, Candidate: e.Candidate}); err != nil {
		c.logger.Debugw("failed to send candidate", "error", err)
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Infow("signaling connection lost", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("malformed message from relay", "error", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg Message) {
	if msg.isRelayed() {
		if appErr := msg.validate(); appErr != nil {
			c.logger.Warnw("invalid message from relay", "type", msg.Type, "error", appErr.Message)
			return
		}
	}

	switch msg.Type {
	case TypePeerJoined:
		c.mu.Lock()
		c.remote = msg.PeerID
		c.mu.Unlock()
		c.logger.Infow("remote peer joined", "remote_peer", msg.PeerID)
		if c.cfg.Initiator {
			go c.negotiate()
		}

	case TypePeerLeft:
		c.mu.Lock()
		if c.remote == msg.PeerID {
			c.remote = ""
		}
		c.mu.Unlock()
		c.logger.Infow("remote peer left", "remote_peer", msg.PeerID)
		c.resolve(negotiationResult{err: ErrPeerLeft})

	case TypeOffer:
		c.handleOffer(msg)

	case TypeAnswer:
		if !c.resolve(negotiationResult{desc: *msg.Description}) {
			c.logger.Warnw("unexpected answer", "from_peer", msg.From)
		}

	case TypeCandidate:
		if err := c.session.AddICECandidate(context.Background(), *msg.Candidate); err != nil {
			c.logger.Debugw("remote candidate rejected", "error", err)
		}

	case TypeError:
		var err error = errors.New("relay error")
		if msg.Error != nil {
			err = msg.Error
		}
		c.logger.Warnw("relay reported error", "error", err)
		if msg.Error != nil && msg.Error.Code == apperrors.ErrCodePeerUnavailable {
			c.resolve(negotiationResult{err: err})
		}
	}
}

// resolve hands r to the pending Renegotiate call, if any.
func (c *Client) resolve(r negotiationResult) bool {
	c.mu.Lock()
	ch := c.pending
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- r:
		return true
	default:
		return false
	}
}

// handleOffer answers an incoming offer. A session that already negotiated
// is reset first so the offer always lands on a fresh connection.
func (c *Client) handleOffer(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.NegotiationTimeout)
	defer cancel()

	c.mu.Lock()
	if msg.From != "" {
		c.remote = msg.From
	}
	c.mu.Unlock()

	err := c.answer(ctx, msg)
	if err != nil {
		c.logger.Warnw("failed to answer offer", "from_peer", msg.From, "error", err)
	}
	if !c.cfg.Initiator {
		c.resolve(negotiationResult{err: err})
	}
}

func (c *Client) answer(ctx context.Context, msg Message) error {
	if c.cfg.Initiator {
		return fmt.Errorf("%w: initiator received an offer", domain.ErrOutOfSequence)
	}
	if err := c.prepare(ctx, c.session.RemoteDescription); err != nil {
		return err
	}
	if err := c.session.SetRemoteDescription(ctx, *msg.Description); err != nil {
		return err
	}
	answer, err := c.session.CreateAnswer(ctx)
	if err != nil {
		return err
	}
	if err := c.send(Message{Type: TypeAnswer, PeerID: msg.From, Description: &answer}); err != nil {
		return err
	}
	return c.session.SetLocalDescription(ctx, answer)
}

// prepare brings the session to a fresh CONNECTING state. used reports
// whether the current connection already carries a description.
func (c *Client) prepare(ctx context.Context, used func() *domain.SessionDescription) error {
	switch c.session.State() {
	case domain.StateConnecting:
		if used() == nil {
			return nil
		}
		c.session.Reset()
	case domain.StateIdle:
	default:
		c.session.Reset()
	}
	if err := c.session.Initialize(ctx); err != nil {
		return err
	}
	return c.session.Connect(ctx)
}

// negotiate starts a fresh exchange from the initiator side. A session that
// is already reconnecting is left to its own retry loop.
func (c *Client) negotiate() {
	if c.session.State() == domain.StateReconnecting {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.NegotiationTimeout)
	defer cancel()

	if err := c.prepare(ctx, c.session.LocalDescription); err != nil {
		c.logger.Warnw("failed to prepare session", "error", err)
		return
	}
	if err := c.Renegotiate(ctx); err != nil && !errors.Is(err, ErrBusy) {
		c.logger.Warnw("negotiation failed", "error", err)
	}
}

// Renegotiate runs one exchange on the session's current connection. The
// initiator sends an offer and applies the answer; the responder waits until
// an incoming offer has been answered.
func (c *Client) Renegotiate(ctx context.Context) error {
	ch := make(chan negotiationResult, 1)
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	c.pending = ch
	remote := c.remote
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if c.cfg.Initiator {
		if remote == "" {
			return ErrNoPeer
		}
		offer, err := c.session.CreateOffer(ctx)
		if err != nil {
			return err
		}
		if err := c.send(Message{Type: TypeOffer, PeerID: remote, Description: &offer}); err != nil {
			return err
		}
		if err := c.session.SetLocalDescription(ctx, offer); err != nil {
			return err
		}
	}

	select {
	case r := <-ch:
		if r.err != nil || !c.cfg.Initiator {
			return r.err
		}
		return c.session.SetRemoteDescription(ctx, r.desc)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

// Close leaves the room. The bound session is left as is.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		sub := c.sub
		c.mu.Unlock()

		if sub != nil {
			sub.Unsubscribe()
		}
		c.session.SetRenegotiator(nil)
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}
