package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	rlog "peerlink/pkg/logger"

	"github.com/google/uuid"
	"github.com/pion/transport/v2"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config tunes the pion API shared by every connection of a Backend.
type Config struct {
	PortRange struct {
		Min uint16
		Max uint16
	}

	// Net overrides the network stack, e.g. with a pion/transport vnet.
	Net transport.Net

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// Backend implements ports.Backend on pion/webrtc.
type Backend struct {
	api    *webrtc.API
	logger *zap.SugaredLogger

	mu     sync.Mutex
	tracks []webrtc.TrackLocal
}

var _ ports.Backend = (*Backend)(nil)

// NewBackend builds the pion API once. Connections created afterwards share
// its setting and media engines.
func NewBackend(cfg Config, logger *zap.SugaredLogger) (*Backend, error) {
	logger = rlog.OrNop(logger)

	settingEngine := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid udp port range: %w", err)
		}
	}
	if cfg.Net != nil {
		settingEngine.SetNet(cfg.Net)
	}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		settingEngine.SetICETimeouts(
			orDefault(cfg.DisconnectedTimeout, 5*time.Second),
			orDefault(cfg.FailedTimeout, 25*time.Second),
			orDefault(cfg.KeepAliveInterval, 2*time.Second),
		)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	return &Backend{
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(settingEngine),
			webrtc.WithMediaEngine(mediaEngine),
		),
		logger: logger,
	}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// CreateConnection opens a peer connection. Tracks captured earlier through
// CaptureLocalMedia are added to it.
func (b *Backend) CreateConnection(ctx context.Context, cfg ports.ConnectionConfig) (ports.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := b.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   toICEServers(cfg.ICEServers),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	b.mu.Lock()
	tracks := append([]webrtc.TrackLocal(nil), b.tracks...)
	b.mu.Unlock()

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add track %s: %w", track.ID(), err)
		}
	}

	return newConnection(pc, b.logger), nil
}

// pion has no capture devices; it exposes one synthetic sample source per
// kind that CaptureLocalMedia turns into local tracks.
var sampleDevices = []domain.DeviceInfo{
	{DeviceID: "pion-audio", Kind: domain.DeviceKindAudioInput, Label: "Opus sample source", GroupID: "pion"},
	{DeviceID: "pion-video", Kind: domain.DeviceKindVideoInput, Label: "VP8 sample source", GroupID: "pion"},
}

func (b *Backend) EnumerateDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.DeviceInfo, len(sampleDevices))
	copy(out, sampleDevices)
	return out, nil
}

// CaptureLocalMedia creates sample tracks for the requested kinds. They are
// attached to connections created afterwards.
func (b *Backend) CaptureLocalMedia(ctx context.Context, c domain.MediaConstraints) (*domain.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no audio or video requested", domain.ErrMediaUnsupported)
	}
	if c.DeviceID != "" && !knownDevice(c.DeviceID) {
		return nil, fmt.Errorf("%w: unknown device %q", domain.ErrMediaUnsupported, c.DeviceID)
	}

	streamID := uuid.NewString()
	stream := &domain.MediaStream{ID: streamID}
	var tracks []webrtc.TrackLocal

	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio-"+uuid.NewString(),
			streamID,
		)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
		stream.Tracks = append(stream.Tracks, domain.MediaTrack{ID: track.ID(), Kind: "audio"})
	}

	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video-"+uuid.NewString(),
			streamID,
		)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
		stream.Tracks = append(stream.Tracks, domain.MediaTrack{ID: track.ID(), Kind: "video"})
	}

	b.mu.Lock()
	b.tracks = append(b.tracks, tracks...)
	b.mu.Unlock()

	b.logger.Infow("captured local media",
		"stream_id", streamID,
		"tracks", len(tracks),
	)
	return stream, nil
}

func knownDevice(id string) bool {
	for _, d := range sampleDevices {
		if d.DeviceID == id {
			return true
		}
	}
	return false
}

func toICEServers(servers []domain.ICEServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		return nil
	}
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}
