package ports

import (
	"context"

	"peerlink/internal/core/domain"
)

// ConnectionConfig is handed to the backend when a connection is created.
type ConnectionConfig struct {
	ICEServers []domain.ICEServer
}

// Backend is the transport capability a session manager is built on. It may
// be pion, a browser bridge, or an in-memory test double.
type Backend interface {
	CreateConnection(ctx context.Context, cfg ConnectionConfig) (Connection, error)
	CaptureLocalMedia(ctx context.Context, constraints domain.MediaConstraints) (*domain.MediaStream, error)
	EnumerateDevices(ctx context.Context) ([]domain.DeviceInfo, error)
}

// Connection is one backend peer connection.
//
// Handlers registered with the On* methods may be invoked from backend
// goroutines. A nil candidate passed to the ICE candidate handler marks the
// end of gathering.
type Connection interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error
	LocalDescription() *domain.SessionDescription
	RemoteDescription() *domain.SessionDescription

	CreateDataChannel(label string) (DataChannel, error)

	OnICECandidate(func(*domain.ICECandidate))
	OnDataChannel(func(DataChannel))
	OnConnectionStateChange(func(domain.ConnectionState))

	Close() error
}

// DataChannel is a named bidirectional message stream on a Connection.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	SendText(text string) error
	OnOpen(func())
	OnClose(func())
	OnMessage(func(domain.ChannelMessage))
	Close() error
}
