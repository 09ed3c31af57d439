package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"peerlink/pkg/tracing"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Session struct {
		LocalChannelLabel       string        `yaml:"local_channel_label"`
		AutoReconnect           bool          `yaml:"auto_reconnect"`
		ReconnectDelay          time.Duration `yaml:"reconnect_delay"`
		MaxReconnectAttempts    int           `yaml:"max_reconnect_attempts"`
		ReconnectAttemptTimeout time.Duration `yaml:"reconnect_attempt_timeout"`
	} `yaml:"session"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
		FailedTimeout       time.Duration `yaml:"failed_timeout"`
	} `yaml:"webrtc"`

	Signal struct {
		Address         string        `yaml:"address"`
		URL             string        `yaml:"url"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		RoomCapacity    int           `yaml:"room_capacity"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Auth struct {
		Required  bool          `yaml:"required"`
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled       bool   `yaml:"enabled"`
		Address       string `yaml:"address"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		PoolSize      int    `yaml:"pool_size"`
		ChannelPrefix string `yaml:"channel_prefix"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Session
	if c.Session.ReconnectDelay < 0 {
		return fmt.Errorf("session.reconnect_delay must be >= 0")
	}
	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("session.max_reconnect_attempts must be >= 0")
	}
	if c.Session.AutoReconnect {
		if c.Session.ReconnectDelay <= 0 {
			return fmt.Errorf("session.reconnect_delay must be > 0 when auto_reconnect=true")
		}
		if c.Session.ReconnectAttemptTimeout <= 0 {
			return fmt.Errorf("session.reconnect_attempt_timeout must be > 0 when auto_reconnect=true")
		}
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.RoomCapacity < 2 {
		return fmt.Errorf("signal.room_capacity must be >= 2")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	// Auth
	if c.Auth.Required {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.required=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.required=true")
		}
	}

	// Monitoring
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Session.AutoReconnect = false
	cfg.Session.ReconnectDelay = 2 * time.Second
	cfg.Session.MaxReconnectAttempts = 3
	cfg.Session.ReconnectAttemptTimeout = 15 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.RoomCapacity = 2
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Auth.Required = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = time.Hour

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 10 * time.Second

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.ChannelPrefix = "peerlink:events"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

const envPrefix = "PEERLINK_"

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"SIGNAL_ADDRESS":      &c.Signal.Address,
		"SIGNAL_URL":          &c.Signal.URL,
		"LOG_LEVEL":           &c.Logging.Level,
		"JWT_SECRET":          &c.Auth.JWTSecret,
		"REDIS_ADDRESS":       &c.Redis.Address,
		"REDIS_PASSWORD":      &c.Redis.Password,
		"LOCAL_CHANNEL_LABEL": &c.Session.LocalChannelLabel,
		"JAEGER_URL":          &c.Tracing.JaegerURL,
	}
	for key, dst := range strs {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"AUTO_RECONNECT":  &c.Session.AutoReconnect,
		"AUTH_REQUIRED":   &c.Auth.Required,
		"REDIS_ENABLED":   &c.Redis.Enabled,
		"TRACING_ENABLED": &c.Tracing.Enabled,
	}
	for key, dst := range bools {
		if v := os.Getenv(envPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = b
		}
	}

	if v := os.Getenv(envPrefix + "RECONNECT_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sRECONNECT_DELAY: %w", envPrefix, err)
		}
		c.Session.ReconnectDelay = d
	}
	if v := os.Getenv(envPrefix + "MAX_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_RECONNECT_ATTEMPTS: %w", envPrefix, err)
		}
		c.Session.MaxReconnectAttempts = n
	}
	if v := os.Getenv(envPrefix + "ICE_SERVERS"); v != "" {
		c.WebRTC.ICEServers = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.WebRTC.ICEServers = append(c.WebRTC.ICEServers, ICEServer{URLs: []string{u}})
			}
		}
	}
	return nil
}
