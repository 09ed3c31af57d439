package loopback

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

const (
	attrID      = "a=loopback-id:"
	attrChannel = "a=loopback-channel:"
)

// Connection implements ports.Connection. All mutable state is guarded by
// the owning Network's mutex.
type Connection struct {
	id    string
	name  string
	net   *Network
	queue *dispatcher

	state       domain.ConnectionState
	local       *domain.SessionDescription
	remote      *domain.SessionDescription
	peerID      string
	peer        *Connection
	established bool
	closed      bool
	gathered    int

	channels []*DataChannel
	applied  []domain.ICECandidate

	onICE   func(*domain.ICECandidate)
	onDC    func(ports.DataChannel)
	onState func(domain.ConnectionState)
}

var _ ports.Connection = (*Connection)(nil)

func (c *Connection) ID() string { return c.id }

func buildSDP(id, name string, labels []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=%s %s 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", name, id)
	b.WriteString(attrID + id + "\r\n")
	for _, l := range labels {
		b.WriteString(attrChannel + l + "\r\n")
	}
	return b.String()
}

func parseSDPID(sdp string) string {
	sc := bufio.NewScanner(strings.NewReader(sdp))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if id, ok := strings.CutPrefix(line, attrID); ok {
			return id
		}
	}
	return ""
}

func (c *Connection) localLabelsLocked() []string {
	out := make([]string, 0, len(c.channels))
	for _, dc := range c.channels {
		if dc.local {
			out = append(out, dc.label)
		}
	}
	return out
}

func (c *Connection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return domain.SessionDescription{}, ErrConnectionClosed
	}
	return domain.SessionDescription{
		Type: domain.SDPTypeOffer,
		SDP:  buildSDP(c.id, c.name, c.localLabelsLocked()),
	}, nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return domain.SessionDescription{}, ErrConnectionClosed
	}
	if c.remote == nil || c.remote.Type != domain.SDPTypeOffer {
		return domain.SessionDescription{}, fmt.Errorf("loopback: create answer without remote offer")
	}
	return domain.SessionDescription{
		Type: domain.SDPTypeAnswer,
		SDP:  buildSDP(c.id, c.name, c.localLabelsLocked()),
	}, nil
}

func (c *Connection) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if desc.Type == domain.SDPTypeRollback {
		c.local = nil
		return nil
	}
	d := desc
	c.local = &d
	c.gatherLocked()
	c.tryEstablishLocked()
	return nil
}

func (c *Connection) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if desc.Type == domain.SDPTypeRollback {
		c.remote = nil
		return nil
	}
	id := parseSDPID(desc.SDP)
	if _, ok := c.net.conns[id]; !ok || id == c.id {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, id)
	}
	d := desc
	c.remote = &d
	c.peerID = id
	c.tryEstablishLocked()
	return nil
}

// gatherLocked emits two host candidates and the end-of-candidates marker
// the first time a local description is applied.
func (c *Connection) gatherLocked() {
	if c.gathered > 0 {
		return
	}
	mid := "0"
	var idx uint16
	for i := 0; i < 2; i++ {
		c.gathered++
		cand := &domain.ICECandidate{
			Candidate:     fmt.Sprintf("candidate:%d 1 udp %d 127.0.0.1 %d typ host", i+1, 2130706431-i, 50000+i),
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		}
		c.submitICE(cand)
	}
	c.submitICE(nil)
}

func (c *Connection) submitICE(cand *domain.ICECandidate) {
	c.queue.submit(func() {
		c.net.mu.Lock()
		h := c.onICE
		c.net.mu.Unlock()
		if h != nil {
			h(cand)
		}
	})
}

func (c *Connection) submitState(cs domain.ConnectionState) {
	c.queue.submit(func() {
		c.net.mu.Lock()
		h := c.onState
		c.net.mu.Unlock()
		if h != nil {
			h(cs)
		}
	})
}

func (c *Connection) tryEstablishLocked() {
	if c.established || c.local == nil || c.remote == nil {
		return
	}
	peer, ok := c.net.conns[c.peerID]
	if !ok || peer.closed || peer.established {
		return
	}
	if peer.local == nil || peer.remote == nil || peer.peerID != c.id {
		return
	}

	for _, conn := range []*Connection{c, peer} {
		conn.established = true
		conn.state = domain.ConnectionStateConnected
		conn.submitState(domain.ConnectionStateConnecting)
		conn.submitState(domain.ConnectionStateConnected)
	}
	c.peer = peer
	peer.peer = c

	for _, dc := range c.channels {
		if dc.local && dc.remote == nil {
			linkLocked(dc, peer)
		}
	}
	for _, dc := range peer.channels {
		if dc.local && dc.remote == nil {
			linkLocked(dc, c)
		}
	}
}

func (c *Connection) AddICECandidate(ctx context.Context, cand domain.ICECandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.remote == nil {
		return ErrNoRemote
	}
	if cand.Candidate != "" && !strings.HasPrefix(cand.Candidate, "candidate:") {
		return fmt.Errorf("%w: %q", ErrBadCandidate, cand.Candidate)
	}
	c.applied = append(c.applied, cand)
	return nil
}

// AppliedCandidates returns remote candidates accepted so far, in order.
func (c *Connection) AppliedCandidates() []domain.ICECandidate {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	out := make([]domain.ICECandidate, len(c.applied))
	copy(out, c.applied)
	return out
}

func (c *Connection) LocalDescription() *domain.SessionDescription {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.local == nil {
		return nil
	}
	d := *c.local
	return &d
}

func (c *Connection) RemoteDescription() *domain.SessionDescription {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.remote == nil {
		return nil
	}
	d := *c.remote
	return &d
}

func (c *Connection) CreateDataChannel(label string) (ports.DataChannel, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	dc := &DataChannel{label: label, owner: c, local: true}
	c.channels = append(c.channels, dc)
	if c.established && c.peer != nil && !c.peer.closed {
		linkLocked(dc, c.peer)
	}
	return dc, nil
}

func (c *Connection) OnICECandidate(fn func(*domain.ICECandidate)) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) OnDataChannel(fn func(ports.DataChannel)) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.onDC = fn
}

func (c *Connection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.onState = fn
}

// State returns the last connection state this side reported.
func (c *Connection) State() domain.ConnectionState {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.state
}

// SimulateState reports cs as if the transport had changed state.
func (c *Connection) SimulateState(cs domain.ConnectionState) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return
	}
	c.state = cs
	c.submitState(cs)
}

// Sever fails both ends of an established link.
func (c *Connection) Sever() {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	for _, conn := range []*Connection{c, c.peer} {
		if conn == nil || conn.closed {
			continue
		}
		conn.state = domain.ConnectionStateFailed
		conn.submitState(domain.ConnectionStateFailed)
	}
}

func (c *Connection) Close() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.state = domain.ConnectionStateClosed
	delete(c.net.conns, c.id)

	for _, dc := range c.channels {
		dc.closeLocked()
	}
	c.submitState(domain.ConnectionStateClosed)

	if p := c.peer; p != nil && !p.closed && p.state == domain.ConnectionStateConnected {
		p.state = domain.ConnectionStateDisconnected
		p.submitState(domain.ConnectionStateDisconnected)
	}
	c.queue.stop()
	return nil
}
