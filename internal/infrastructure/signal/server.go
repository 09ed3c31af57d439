package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "peerlink/pkg/errors"
	rlog "peerlink/pkg/logger"
	"peerlink/pkg/tracing"
	"peerlink/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ServerConfig configures the relay.
type ServerConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// RoomCapacity is the number of peers a room admits.
	RoomCapacity    int
	MaxMessageBytes int64

	// MessagesPerSecond and Burst bound each socket. Zero disables limiting.
	MessagesPerSecond float64
	Burst             int

	// AllowedOrigins lists accepted Origin hosts; "*" accepts any.
	AllowedOrigins []string

	// Authority, when set, requires a room token on every join.
	Authority *TokenAuthority
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		RoomCapacity:    2,
		MaxMessageBytes: 64 * 1024,
		AllowedOrigins:  []string{"*"},
	}
}

// RelayMetrics receives relay counters. monitoring.PrometheusCollector
// implements it.
type RelayMetrics interface {
	RecordRoomOpened()
	RecordRoomClosed()
	RecordPeerJoined()
	RecordPeerLeft()
	RecordSignalMessage(msgType string)
	RecordSignalRejected(reason string)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) RecordRoomOpened()           {}
func (nopRelayMetrics) RecordRoomClosed()           {}
func (nopRelayMetrics) RecordPeerJoined()           {}
func (nopRelayMetrics) RecordPeerLeft()             {}
func (nopRelayMetrics) RecordSignalMessage(string)  {}
func (nopRelayMetrics) RecordSignalRejected(string) {}

// Server is a WebSocket relay that pairs peers by room and forwards offers,
// answers and candidates between them. It never inspects SDP bodies.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	metrics  RelayMetrics
	logger   *zap.SugaredLogger

	rooms map[string]*room
	mu    sync.RWMutex
}

type room struct {
	id    string
	peers []*peer
}

type peer struct {
	id      string
	roomID  string
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (p *peer) send(msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteJSON(msg)
}

func (p *peer) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout))
}

func (p *peer) sendError(appErr *apperrors.AppError) error {
	return p.send(Message{Type: TypeError, Error: appErr})
}

func NewServer(cfg ServerConfig, metrics RelayMetrics, logger *zap.SugaredLogger) *Server {
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}
	def := DefaultServerConfig()
	if cfg.RoomCapacity < 2 {
		cfg.RoomCapacity = def.RoomCapacity
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	s := &Server{
		cfg:     cfg,
		metrics: metrics,
		logger:  rlog.OrNop(logger),
		rooms:   make(map[string]*room),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// HandleWebSocket admits one peer into the room named by the "room" query
// parameter. An optional "peer_id" lets a peer resume its slot after a
// signaling reconnect.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomID := q.Get("room")
	if err := validation.ValidateRoomID(roomID); err != nil {
		s.rejectHTTP(w, apperrors.NewInvalidInputError(err.Error()), "invalid_room")
		return
	}

	peerID := q.Get("peer_id")
	if peerID == "" {
		peerID = uuid.NewString()
	} else if err := validation.ValidatePeerID(peerID); err != nil {
		s.rejectHTTP(w, apperrors.NewInvalidInputError(err.Error()), "invalid_peer")
		return
	}

	if s.cfg.Authority != nil {
		if _, err := s.cfg.Authority.Authorize(bearerToken(r), roomID); err != nil {
			appErr := apperrors.NewUnauthorizedError(err.Error())
			reason := "unauthorized"
			if errors.Is(err, ErrWrongRoom) {
				appErr = apperrors.NewForbiddenError(err.Error())
				reason = "forbidden"
			}
			appErr.Cause = err
			s.rejectHTTP(w, appErr.WithContext("room_id", roomID), reason)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	p := &peer{
		id:           peerID,
		roomID:       roomID,
		conn:         conn,
		writeTimeout: s.cfg.WriteTimeout,
	}
	if s.cfg.MessagesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), max(s.cfg.Burst, 1))
	}

	others, appErr := s.join(p)
	if appErr != nil {
		s.metrics.RecordSignalRejected("room_full")
		_ = p.sendError(appErr)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, appErr.Message),
			time.Now().Add(s.cfg.WriteTimeout))
		return
	}
	defer s.leave(p)

	s.logger.Infow("peer joined room", "room_id", roomID, "peer_id", peerID, "peers", len(others)+1)

	ids := make([]string, 0, len(others))
	for _, o := range others {
		ids = append(ids, o.id)
	}
	if err := p.send(Message{Type: TypeJoined, RoomID: roomID, PeerID: peerID, Peers: ids}); err != nil {
		return
	}
	for _, o := range others {
		if err := o.send(Message{Type: TypePeerJoined, RoomID: roomID, PeerID: peerID}); err != nil {
			s.logger.Debugw("failed to announce peer", "room_id", roomID, "peer_id", o.id, "error", err)
		}
	}

	s.serve(p)
}

func (s *Server) serve(p *peer) {
	conn := p.conn
	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			if appErr := s.handleMessage(p, data); appErr != nil {
				s.logger.Infow("rejected message from peer",
					"room_id", p.roomID,
					"peer_id", p.id,
					"code", appErr.Code,
					"error", appErr.Message,
				)
				if err := p.sendError(appErr); err != nil {
					return
				}
			}

		case <-pingTicker.C:
			if err := p.ping(); err != nil {
				s.logger.Infow("error sending ping", "peer_id", p.id, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", p.id, "error", err)
			}
			return
		}
	}
}

func (s *Server) handleMessage(p *peer, data []byte) *apperrors.AppError {
	if p.limiter != nil && !p.limiter.Allow() {
		s.metrics.RecordSignalRejected("rate_limited")
		return apperrors.NewRateLimitError()
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.RecordSignalRejected("malformed")
		return apperrors.NewInvalidMessageError("malformed message: " + err.Error())
	}
	if appErr := msg.validate(); appErr != nil {
		s.metrics.RecordSignalRejected("invalid")
		return appErr
	}

	ctx, span := tracing.TraceSignalMessage(context.Background(), string(msg.Type), p.roomID, p.id)
	defer span.End()

	targets := s.targets(p, msg.PeerID)
	tracing.AddSpanAttributes(ctx,
		attribute.String("signal.to_peer", msg.PeerID),
		attribute.Int("signal.targets", len(targets)),
	)
	if len(targets) == 0 {
		s.metrics.RecordSignalRejected("no_peer")
		return apperrors.NewPeerUnavailableError("no peer to receive " + string(msg.Type)).
			WithContext("room_id", p.roomID)
	}

	out := Message{
		Type:        msg.Type,
		RoomID:      p.roomID,
		From:        p.id,
		Description: msg.Description,
		Candidate:   msg.Candidate,
	}
	for _, t := range targets {
		if err := t.send(out); err != nil {
			s.logger.Debugw("failed to forward message", "to_peer", t.id, "type", msg.Type, "error", err)
			continue
		}
	}

	s.metrics.RecordSignalMessage(string(msg.Type))
	if msg.Type == TypeCandidate {
		s.logger.Debugw("routing ICE candidate", "room_id", p.roomID, "from_peer", p.id)
	} else {
		s.logger.Infow("routing "+string(msg.Type), "room_id", p.roomID, "from_peer", p.id, "sdp_length", len(msg.Description.SDP))
	}
	return nil
}

// targets returns the room members a message from p is delivered to: the
// named peer, or everyone else when to is empty.
func (s *Server) targets(p *peer, to string) []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[p.roomID]
	if !ok {
		return nil
	}
	var out []*peer
	for _, o := range r.peers {
		if o == p || (to != "" && o.id != to) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// join adds p to its room and returns the peers already present. A peer
// re-joining with its previous ID replaces the stale socket.
func (s *Server) join(p *peer) ([]*peer, *apperrors.AppError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[p.roomID]
	if !ok {
		r = &room{id: p.roomID}
		s.rooms[p.roomID] = r
		s.metrics.RecordRoomOpened()
	}

	for i, o := range r.peers {
		if o.id == p.id {
			s.logger.Infow("closing old connection for reconnecting peer", "peer_id", p.id)
			_ = o.conn.Close()
			r.peers[i] = p
			return othersLocked(r, p), nil
		}
	}

	if len(r.peers) >= s.cfg.RoomCapacity {
		return nil, apperrors.NewRoomFullError(p.roomID)
	}

	r.peers = append(r.peers, p)
	s.metrics.RecordPeerJoined()
	return othersLocked(r, p), nil
}

func othersLocked(r *room, p *peer) []*peer {
	out := make([]*peer, 0, len(r.peers))
	for _, o := range r.peers {
		if o != p {
			out = append(out, o)
		}
	}
	return out
}

func (s *Server) leave(p *peer) {
	s.mu.Lock()
	r, ok := s.rooms[p.roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	idx := -1
	for i, o := range r.peers {
		if o == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		// replaced by a reconnect
		s.mu.Unlock()
		return
	}
	r.peers = append(r.peers[:idx], r.peers[idx+1:]...)
	others := append([]*peer(nil), r.peers...)
	if len(r.peers) == 0 {
		delete(s.rooms, p.roomID)
		s.metrics.RecordRoomClosed()
	}
	s.mu.Unlock()

	s.metrics.RecordPeerLeft()
	s.logger.Infow("peer left room", "room_id", p.roomID, "peer_id", p.id)

	for _, o := range others {
		_ = o.send(Message{Type: TypePeerLeft, RoomID: p.roomID, PeerID: p.id})
	}
}

// RoomCount and PeerCount report current occupancy.
func (s *Server) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.rooms {
		n += len(r.peers)
	}
	return n
}

// Close drops every socket. Handlers unwind and clean their rooms up.
func (s *Server) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rooms {
		for _, p := range r.peers {
			_ = p.conn.Close()
		}
	}
}

func (s *Server) rejectHTTP(w http.ResponseWriter, appErr *apperrors.AppError, reason string) {
	s.metrics.RecordSignalRejected(reason)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(Message{Type: TypeError, Error: appErr})
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}
