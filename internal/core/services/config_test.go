package services

import (
	"strings"
	"testing"
	"time"

	"peerlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.False(t, cfg.AutoReconnect)
	assert.Equal(t, DefaultReconnectDelay, cfg.ReconnectDelay)
	assert.Equal(t, DefaultMaxReconnectAttempts, cfg.MaxReconnectAttempts)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"initiator label", func(c *Config) { c.LocalChannelLabel = "chat" }, false},
		{"blank label", func(c *Config) { c.LocalChannelLabel = "  " }, true},
		{"oversized label", func(c *Config) { c.LocalChannelLabel = strings.Repeat("x", 70000) }, true},
		{"negative attempts", func(c *Config) { c.MaxReconnectAttempts = -1 }, true},
		{"zero attempts", func(c *Config) { c.AutoReconnect = true; c.MaxReconnectAttempts = 0 }, false},
		{"negative delay", func(c *Config) { c.ReconnectDelay = -time.Second }, true},
		{"zero delay with reconnect", func(c *Config) { c.AutoReconnect = true; c.ReconnectDelay = 0 }, true},
		{"zero delay without reconnect", func(c *Config) { c.ReconnectDelay = 0 }, false},
		{"zero attempt timeout with reconnect", func(c *Config) { c.AutoReconnect = true; c.ReconnectAttemptTimeout = 0 }, true},
		{"stun server", func(c *Config) {
			c.ICEServers = []domain.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
		}, false},
		{"bad ice url", func(c *Config) {
			c.ICEServers = []domain.ICEServer{{URLs: []string{"http://example.com"}}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_CloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ICEServers = []domain.ICEServer{{URLs: []string{"stun:a"}}}

	c := cfg.clone()
	c.ICEServers[0].URLs[0] = "stun:b"

	assert.Equal(t, "stun:a", cfg.ICEServers[0].URLs[0])
}
