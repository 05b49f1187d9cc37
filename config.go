package chatws

import (
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default values for optional configuration fields.
const (
	DefaultReconnectInterval      = 3 * time.Second
	DefaultMaxReconnectAttempts   = 10
	DefaultHeartbeatInterval      = 30 * time.Second
	DefaultReconnectBackoffFactor = 1.0
	DefaultHandshakeTimeout       = 10 * time.Second
	DefaultWriteTimeout           = 5 * time.Second
	DefaultReadLimit              = 1 << 20
	DefaultEventBuffer            = 256

	// UnlimitedReconnectAttempts disables the reconnect ceiling.
	UnlimitedReconnectAttempts = -1
)

// Config holds everything a Client needs to reach and stay connected to a chat endpoint.
type Config struct {
	Endpoint             string        `yaml:"endpoint"`
	AuthToken            string        `yaml:"auth_token"`
	AutoReconnect        bool          `yaml:"auto_reconnect"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`

	// ReconnectBackoffFactor multiplies the delay after every failed attempt. 1 keeps it fixed.
	ReconnectBackoffFactor float64       `yaml:"reconnect_backoff_factor"`
	MaxReconnectInterval   time.Duration `yaml:"max_reconnect_interval"`
	ReconnectJitter        bool          `yaml:"reconnect_jitter"`

	// PongTimeout enables the missed-pong watchdog when positive.
	PongTimeout time.Duration `yaml:"pong_timeout"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
	EventBuffer      int           `yaml:"event_buffer"`
}

// DefaultConfig returns a Config with every optional field set to its default.
func DefaultConfig() Config {
	return Config{
		AutoReconnect:          true,
		ReconnectInterval:      DefaultReconnectInterval,
		MaxReconnectAttempts:   DefaultMaxReconnectAttempts,
		HeartbeatInterval:      DefaultHeartbeatInterval,
		ReconnectBackoffFactor: DefaultReconnectBackoffFactor,
		HandshakeTimeout:       DefaultHandshakeTimeout,
		WriteTimeout:           DefaultWriteTimeout,
		ReadLimit:              DefaultReadLimit,
		EventBuffer:            DefaultEventBuffer,
	}
}

// NewConfig returns the default config for the given endpoint and token.
func NewConfig(endpoint, token string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.AuthToken = token
	return cfg
}

// LoadConfig reads a YAML file, expands ${VAR} references and decodes it on top of DefaultConfig, so keys
// absent from the file keep their defaults and explicit zero values are honoured.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML bytes the same way LoadConfig does.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config yaml")
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.Wrap(ErrInvalidConfig, "endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "endpoint: %s", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return errors.Wrapf(ErrInvalidConfig, "endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.AuthToken == "" {
		return errors.Wrap(ErrInvalidConfig, "auth_token is required")
	}
	if c.ReconnectInterval < 0 {
		return errors.Wrap(ErrInvalidConfig, "reconnect_interval must be >= 0")
	}
	if c.MaxReconnectAttempts < UnlimitedReconnectAttempts {
		return errors.Wrapf(ErrInvalidConfig, "max_reconnect_attempts must be >= -1, got %d", c.MaxReconnectAttempts)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.Wrap(ErrInvalidConfig, "heartbeat_interval must be > 0")
	}
	if c.ReconnectBackoffFactor < 1 {
		return errors.Wrapf(ErrInvalidConfig, "reconnect_backoff_factor must be >= 1, got %v", c.ReconnectBackoffFactor)
	}
	if c.MaxReconnectInterval < 0 {
		return errors.Wrap(ErrInvalidConfig, "max_reconnect_interval must be >= 0")
	}
	if c.PongTimeout < 0 {
		return errors.Wrap(ErrInvalidConfig, "pong_timeout must be >= 0")
	}
	if c.EventBuffer < 1 {
		return errors.Wrap(ErrInvalidConfig, "event_buffer must be >= 1")
	}
	return nil
}
