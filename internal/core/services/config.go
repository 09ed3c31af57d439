package services

import (
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/pkg/validation"
)

const (
	DefaultReconnectDelay          = 2 * time.Second
	DefaultMaxReconnectAttempts    = 3
	DefaultReconnectAttemptTimeout = 15 * time.Second
)

// Config is fixed for the lifetime of a SessionManager.
type Config struct {
	// LocalChannelLabel makes the session the initiator: the channel is
	// created right before the first offer. Empty means responder.
	LocalChannelLabel string

	AutoReconnect           bool
	ReconnectDelay          time.Duration
	MaxReconnectAttempts    int
	ReconnectAttemptTimeout time.Duration

	ICEServers []domain.ICEServer
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay:          DefaultReconnectDelay,
		MaxReconnectAttempts:    DefaultMaxReconnectAttempts,
		ReconnectAttemptTimeout: DefaultReconnectAttemptTimeout,
	}
}

// Validate checks the config and reports the first problem found.
func (c Config) Validate() error {
	if c.LocalChannelLabel != "" {
		if err := validation.ValidateChannelLabel(c.LocalChannelLabel); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
		}
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: max reconnect attempts must be >= 0, got %d", domain.ErrInvalidConfig, c.MaxReconnectAttempts)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("%w: negative reconnect delay", domain.ErrInvalidConfig)
	}
	if c.ReconnectAttemptTimeout < 0 {
		return fmt.Errorf("%w: negative reconnect attempt timeout", domain.ErrInvalidConfig)
	}
	if c.AutoReconnect {
		if c.ReconnectDelay == 0 {
			return fmt.Errorf("%w: reconnect delay must be > 0 when auto reconnect is on", domain.ErrInvalidConfig)
		}
		if c.ReconnectAttemptTimeout == 0 {
			return fmt.Errorf("%w: reconnect attempt timeout must be > 0 when auto reconnect is on", domain.ErrInvalidConfig)
		}
	}
	for i, s := range c.ICEServers {
		if err := validation.ValidateICEServerURLs(s.URLs); err != nil {
			return fmt.Errorf("%w: ice server %d: %v", domain.ErrInvalidConfig, i, err)
		}
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	if c.ICEServers != nil {
		out.ICEServers = make([]domain.ICEServer, len(c.ICEServers))
		for i, s := range c.ICEServers {
			s.URLs = append([]string(nil), s.URLs...)
			out.ICEServers[i] = s
		}
	}
	return out
}
