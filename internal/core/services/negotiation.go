package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	rlog "peerlink/pkg/logger"

	"go.uber.org/zap"
)

// NegotiationController drives offer/answer on the current backend
// connection and buffers remote candidates until a remote description is
// in place.
type NegotiationController struct {
	mu   sync.Mutex
	conn ports.Connection
	gen  uint64

	localSet      bool
	remoteApplied bool
	remoteType    domain.SDPType
	flushing      bool
	pending       []domain.ICECandidate

	localLabel string
	sm         *StateMachine
	registry   *ChannelRegistry

	sessionID string
	metrics   ports.SessionMetrics
	logger    *zap.SugaredLogger
}

func NewNegotiationController(
	sessionID string,
	localLabel string,
	sm *StateMachine,
	registry *ChannelRegistry,
	metrics ports.SessionMetrics,
	logger *zap.SugaredLogger,
) *NegotiationController {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &NegotiationController{
		localLabel: localLabel,
		sm:         sm,
		registry:   registry,
		sessionID:  sessionID,
		metrics:    metrics,
		logger:     rlog.OrNop(logger),
	}
}

// Attach binds a fresh connection. Candidates buffered before any connection
// existed are kept.
func (n *NegotiationController) Attach(conn ports.Connection, gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conn = conn
	n.gen = gen
	n.localSet = false
	n.remoteApplied = false
	n.remoteType = ""
	n.flushing = false
}

// Detach forgets the connection and drops every buffered candidate.
func (n *NegotiationController) Detach() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if dropped := len(n.pending); dropped > 0 {
		n.logger.Debugw("dropping buffered candidates",
			"session_id", n.sessionID,
			"count", dropped,
		)
	}
	n.conn = nil
	n.gen = 0
	n.localSet = false
	n.remoteApplied = false
	n.remoteType = ""
	n.flushing = false
	n.pending = nil
}

func (n *NegotiationController) current() (ports.Connection, uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn, n.gen
}

func (n *NegotiationController) stale(conn ports.Connection, gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != conn || n.gen != gen
}

// PendingCandidates returns how many remote candidates are waiting.
func (n *NegotiationController) PendingCandidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

func (n *NegotiationController) LocalDescription() *domain.SessionDescription {
	conn, _ := n.current()
	if conn == nil {
		return nil
	}
	return conn.LocalDescription()
}

func (n *NegotiationController) RemoteDescription() *domain.SessionDescription {
	conn, _ := n.current()
	if conn == nil {
		return nil
	}
	return conn.RemoteDescription()
}

func (n *NegotiationController) fail(op string, err error) error {
	return domain.NewNegotiationError(op, n.sm.Current(), err)
}

func (n *NegotiationController) observe(op string, started time.Time, err error) {
	n.metrics.NegotiationStep(op, time.Since(started), err)
	if err != nil {
		n.logger.Warnw("negotiation step failed",
			"session_id", n.sessionID,
			"op", op,
			"error", err,
		)
	}
}

// CreateOffer generates an offer. The initiator's local channel is created
// first so the offer carries it.
func (n *NegotiationController) CreateOffer(ctx context.Context) (offer domain.SessionDescription, err error) {
	const op = "create_offer"
	started := time.Now()
	defer func() { n.observe(op, started, err) }()

	n.mu.Lock()
	conn, gen := n.conn, n.gen
	localSet := n.localSet
	n.mu.Unlock()

	if conn == nil {
		return offer, n.fail(op, domain.ErrNoConnection)
	}
	if !n.sm.In(domain.StateConnecting, domain.StateConnected) {
		return offer, n.fail(op, domain.ErrOutOfSequence)
	}
	if localSet || conn.LocalDescription() != nil {
		return offer, n.fail(op, fmt.Errorf("%w: local description already set", domain.ErrOutOfSequence))
	}

	if n.localLabel != "" && n.registry.Get(n.localLabel) == nil {
		if _, err := n.registry.CreateLocal(conn, n.localLabel); err != nil {
			return offer, n.fail(op, err)
		}
	}

	offer, err = conn.CreateOffer(ctx)
	if n.stale(conn, gen) {
		return domain.SessionDescription{}, domain.ErrConnectionClosed
	}
	if err != nil {
		return offer, n.fail(op, err)
	}
	return offer, nil
}

// CreateAnswer answers a previously applied remote offer.
func (n *NegotiationController) CreateAnswer(ctx context.Context) (answer domain.SessionDescription, err error) {
	const op = "create_answer"
	started := time.Now()
	defer func() { n.observe(op, started, err) }()

	n.mu.Lock()
	conn, gen := n.conn, n.gen
	remoteOffer := n.remoteApplied && n.remoteType == domain.SDPTypeOffer
	localSet := n.localSet
	n.mu.Unlock()

	if conn == nil {
		return answer, n.fail(op, domain.ErrNoConnection)
	}
	if !remoteOffer {
		return answer, n.fail(op, fmt.Errorf("%w: no remote offer", domain.ErrOutOfSequence))
	}
	if localSet {
		return answer, n.fail(op, fmt.Errorf("%w: local description already set", domain.ErrOutOfSequence))
	}

	answer, err = conn.CreateAnswer(ctx)
	if n.stale(conn, gen) {
		return domain.SessionDescription{}, domain.ErrConnectionClosed
	}
	if err != nil {
		return answer, n.fail(op, err)
	}
	return answer, nil
}

func (n *NegotiationController) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) (err error) {
	const op = "set_local_description"
	started := time.Now()
	defer func() { n.observe(op, started, err) }()

	if err := desc.Validate(); err != nil {
		return n.fail(op, err)
	}

	n.mu.Lock()
	conn, gen := n.conn, n.gen
	remoteOffer := n.remoteApplied && n.remoteType == domain.SDPTypeOffer
	n.mu.Unlock()

	if conn == nil {
		return n.fail(op, domain.ErrNoConnection)
	}
	switch desc.Type {
	case domain.SDPTypeOffer:
		if remoteOffer {
			return n.fail(op, fmt.Errorf("%w: remote offer pending, expected answer", domain.ErrOutOfSequence))
		}
	case domain.SDPTypeAnswer, domain.SDPTypePranswer:
		if !remoteOffer {
			return n.fail(op, fmt.Errorf("%w: no remote offer to answer", domain.ErrOutOfSequence))
		}
	}

	err = conn.SetLocalDescription(ctx, desc)
	if n.stale(conn, gen) {
		return domain.ErrConnectionClosed
	}
	if err != nil {
		return n.fail(op, err)
	}

	n.mu.Lock()
	n.localSet = desc.Type != domain.SDPTypeRollback
	n.mu.Unlock()
	return nil
}

// SetRemoteDescription applies desc and then flushes buffered candidates in
// arrival order.
func (n *NegotiationController) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) (err error) {
	const op = "set_remote_description"
	started := time.Now()
	defer func() { n.observe(op, started, err) }()

	if err := desc.Validate(); err != nil {
		return n.fail(op, err)
	}

	n.mu.Lock()
	conn, gen := n.conn, n.gen
	localSet := n.localSet
	n.mu.Unlock()

	if conn == nil {
		return n.fail(op, domain.ErrNoConnection)
	}
	if (desc.Type == domain.SDPTypeAnswer || desc.Type == domain.SDPTypePranswer) && !localSet {
		return n.fail(op, fmt.Errorf("%w: no local offer to match answer", domain.ErrOutOfSequence))
	}

	err = conn.SetRemoteDescription(ctx, desc)
	if n.stale(conn, gen) {
		return domain.ErrConnectionClosed
	}
	if err != nil {
		return n.fail(op, err)
	}

	n.mu.Lock()
	if desc.Type == domain.SDPTypeRollback {
		n.remoteApplied = false
		n.remoteType = ""
		n.mu.Unlock()
		return nil
	}
	n.remoteApplied = true
	n.remoteType = desc.Type
	n.flushing = true
	n.mu.Unlock()

	n.flush(ctx, conn, gen)
	return nil
}

// flush applies buffered candidates one at a time. Candidates that arrive
// while flushing are appended and picked up by the same loop.
func (n *NegotiationController) flush(ctx context.Context, conn ports.Connection, gen uint64) {
	applied, failed := 0, 0
	for {
		n.mu.Lock()
		if n.conn != conn || n.gen != gen {
			n.mu.Unlock()
			return
		}
		if len(n.pending) == 0 {
			n.flushing = false
			n.mu.Unlock()
			break
		}
		c := n.pending[0]
		n.pending = n.pending[1:]
		n.mu.Unlock()

		if err := conn.AddICECandidate(ctx, c); err != nil {
			failed++
			n.metrics.CandidateProcessed(ports.CandidateFailed)
			n.logger.Warnw("buffered candidate rejected",
				"session_id", n.sessionID,
				"candidate", c.Candidate,
				"error", err,
			)
			continue
		}
		applied++
		n.metrics.CandidateProcessed(ports.CandidateApplied)
	}

	if applied+failed > 0 {
		n.logger.Debugw("flushed buffered candidates",
			"session_id", n.sessionID,
			"applied", applied,
			"failed", failed,
		)
	}
}

// AddICECandidate applies c, or buffers it when no remote description is set
// yet. A rejected candidate is reported as ErrCandidateRejected.
func (n *NegotiationController) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	n.mu.Lock()
	conn := n.conn
	if conn == nil || !n.remoteApplied || n.flushing {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		n.metrics.CandidateProcessed(ports.CandidateBuffered)
		return nil
	}
	n.mu.Unlock()

	if err := conn.AddICECandidate(ctx, c); err != nil {
		n.metrics.CandidateProcessed(ports.CandidateFailed)
		n.logger.Warnw("candidate rejected",
			"session_id", n.sessionID,
			"candidate", c.Candidate,
			"error", err,
		)
		return fmt.Errorf("%w: %v", domain.ErrCandidateRejected, err)
	}
	n.metrics.CandidateProcessed(ports.CandidateApplied)
	return nil
}
