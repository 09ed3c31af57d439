package webrtc

import (
	"context"
	"fmt"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Connection adapts a pion PeerConnection to ports.Connection. pion methods
// do not block on the network, so contexts are only checked on entry.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger
}

var _ ports.Connection = (*Connection)(nil)

func newConnection(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *Connection {
	c := &Connection{pc: pc, logger: logger}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.logger.Debugw("ice connection state changed", "ice_state", state.String())
	})
	return c
}

// PeerConnection exposes the underlying pion connection.
func (c *Connection) PeerConnection() *webrtc.PeerConnection { return c.pc }

func (c *Connection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromSessionDescription(offer), nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromSessionDescription(answer), nil
}

func (c *Connection) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sd, err := toSessionDescription(desc)
	if err != nil {
		return err
	}
	return c.pc.SetLocalDescription(sd)
}

func (c *Connection) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sd, err := toSessionDescription(desc)
	if err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (c *Connection) LocalDescription() *domain.SessionDescription {
	return fromSessionDescriptionPtr(c.pc.LocalDescription())
}

func (c *Connection) RemoteDescription() *domain.SessionDescription {
	return fromSessionDescriptionPtr(c.pc.RemoteDescription())
}

func (c *Connection) CreateDataChannel(label string) (ports.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel %q: %w", label, err)
	}
	return &DataChannel{dc: dc}, nil
}

func (c *Connection) OnICECandidate(fn func(*domain.ICECandidate)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			fn(nil)
			return
		}
		init := candidate.ToJSON()
		fn(&domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (c *Connection) OnDataChannel(fn func(ports.DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&DataChannel{dc: dc})
	})
}

func (c *Connection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debugw("peer connection state changed", "connection_state", state.String())
		if mapped, ok := fromPeerConnectionState(state); ok {
			fn(mapped)
		}
	})
}

func (c *Connection) Close() error {
	return c.pc.Close()
}

func fromPeerConnectionState(state webrtc.PeerConnectionState) (domain.ConnectionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return domain.ConnectionStateNew, true
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionStateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed, true
	default:
		return 0, false
	}
}

func toSessionDescription(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(string(desc.Type))
	if t == webrtc.SDPType(webrtc.Unknown) {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidDescription, desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func fromSessionDescription(sd webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(sd.Type.String()), SDP: sd.SDP}
}

func fromSessionDescriptionPtr(sd *webrtc.SessionDescription) *domain.SessionDescription {
	if sd == nil {
		return nil
	}
	d := fromSessionDescription(*sd)
	return &d
}
