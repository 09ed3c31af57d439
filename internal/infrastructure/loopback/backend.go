// Package loopback is an in-memory transport backend. Two backends created
// from the same Network can negotiate with each other; candidates, channel
// messages and connection states are delivered in order on a per-connection
// goroutine, which makes session behaviour reproducible in tests.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/google/uuid"
)

var (
	ErrConnectionClosed = errors.New("loopback: connection closed")
	ErrNoRemote         = errors.New("loopback: remote description not set")
	ErrUnknownPeer      = errors.New("loopback: description names an unknown connection")
	ErrChannelNotOpen   = errors.New("loopback: data channel not open")
	ErrBadCandidate     = errors.New("loopback: malformed candidate")
)

// Network links the connections of every Backend created from it.
type Network struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

func NewNetwork() *Network {
	return &Network{conns: make(map[string]*Connection)}
}

// Backend returns a new backend attached to the network. name shows up in
// generated descriptions and candidates.
func (n *Network) Backend(name string) *Backend {
	return &Backend{
		net:  n,
		name: name,
		devices: []domain.DeviceInfo{
			{DeviceID: name + "-mic", Kind: domain.DeviceKindAudioInput, Label: "Loopback Microphone"},
			{DeviceID: name + "-cam", Kind: domain.DeviceKindVideoInput, Label: "Loopback Camera"},
		},
	}
}

// Backend implements ports.Backend.
type Backend struct {
	net     *Network
	name    string
	devices []domain.DeviceInfo

	mu        sync.Mutex
	created   []*Connection
	createErr error
}

var _ ports.Backend = (*Backend)(nil)

// FailCreate makes subsequent CreateConnection calls return err. A nil err
// restores normal behaviour.
func (b *Backend) FailCreate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErr = err
}

// Connections returns every connection created so far, oldest first.
func (b *Backend) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Connection, len(b.created))
	copy(out, b.created)
	return out
}

// Last returns the most recently created connection, or nil.
func (b *Backend) Last() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.created) == 0 {
		return nil
	}
	return b.created[len(b.created)-1]
}

func (b *Backend) CreateConnection(ctx context.Context, _ ports.ConnectionConfig) (ports.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	err := b.createErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c := &Connection{
		id:    uuid.NewString(),
		name:  b.name,
		net:   b.net,
		state: domain.ConnectionStateNew,
		queue: newDispatcher(),
	}

	b.net.mu.Lock()
	b.net.conns[c.id] = c
	b.net.mu.Unlock()

	b.mu.Lock()
	b.created = append(b.created, c)
	b.mu.Unlock()
	return c, nil
}

func (b *Backend) EnumerateDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.DeviceInfo, len(b.devices))
	copy(out, b.devices)
	return out, nil
}

func (b *Backend) CaptureLocalMedia(ctx context.Context, c domain.MediaConstraints) (*domain.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no audio or video requested", domain.ErrMediaUnsupported)
	}
	stream := &domain.MediaStream{ID: uuid.NewString()}
	if c.Audio {
		stream.Tracks = append(stream.Tracks, domain.MediaTrack{ID: uuid.NewString(), Kind: "audio"})
	}
	if c.Video {
		stream.Tracks = append(stream.Tracks, domain.MediaTrack{ID: uuid.NewString(), Kind: "video"})
	}
	return stream, nil
}
