// Package config holds the options recognized by twinlink servers and clients,
// with YAML/environment loading for programs that embed them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TheusHen/twinlink/twinlink/protocol"
	"github.com/TheusHen/twinlink/twinlink/rtt"
)

var (
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

const (
	StreamTCP  = "tcp"
	StreamQUIC = "quic"
)

// Config is the root configuration.
type Config struct {
	// EventCapacity bounds the inbound event channel.
	EventCapacity int `mapstructure:"event_capacity"`
	// OutboundCapacity bounds the client's outbound command queue.
	OutboundCapacity int `mapstructure:"outbound_capacity"`
	// ReliableBacklog bounds the reliable frames queued for one server-side
	// connection while its stream is being written.
	ReliableBacklog int `mapstructure:"reliable_backlog"`

	// RTTAlpha is the EWMA weight of a new RTT sample, in (0, 1].
	RTTAlpha float64 `mapstructure:"rtt_alpha"`
	// RTTCapacity bounds the per-connection table of in-flight send timestamps.
	RTTCapacity int `mapstructure:"rtt_capacity"`

	// Timeout evicts a connection after this long without inbound traffic.
	Timeout time.Duration `mapstructure:"timeout"`
	// SweepInterval is how often the timeout sweeper runs. Zero means Timeout.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// HandshakeTimeout bounds the reliable-channel handshake.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// WriteTimeout bounds one reliable frame write. A peer that stops reading
	// for longer is disconnected.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// MaxReliableSize limits one reliable message (after decompression).
	MaxReliableSize int `mapstructure:"max_reliable_size"`
	// MaxDatagramSize is the single receive bound for unreliable datagrams.
	MaxDatagramSize int `mapstructure:"max_datagram_size"`

	Compression CompressionConfig `mapstructure:"compression"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Log         LogConfig         `mapstructure:"log"`
}

// CompressionConfig controls LZ4 compression of reliable messages.
type CompressionConfig struct {
	Enable    bool `mapstructure:"enable"`
	Threshold int  `mapstructure:"threshold"`
}

// StreamConfig selects the reliable stream transport.
type StreamConfig struct {
	// Transport is "tcp" (default) or "quic".
	Transport string `mapstructure:"transport"`
	// Address overrides the stream listen/dial address. QUIC needs its own
	// UDP port, distinct from the datagram socket.
	Address string `mapstructure:"address"`
	// TLS wraps TCP streams in TLS.
	TLS bool `mapstructure:"tls"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		EventCapacity:    1024,
		OutboundCapacity: 1024,
		ReliableBacklog:  256,
		RTTAlpha:         rtt.DefaultAlpha,
		RTTCapacity:      rtt.DefaultCapacity,
		Timeout:          5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxReliableSize:  protocol.MaxFramePayload,
		MaxDatagramSize:  protocol.DefaultMaxDatagram,
		Compression:      CompressionConfig{Threshold: 256},
		Stream:           StreamConfig{Transport: StreamTCP},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
	}
}

// Validate reports the first option that is out of range.
func (c Config) Validate() error {
	switch {
	case c.EventCapacity <= 0:
		return fmt.Errorf("%w: event_capacity must be positive", ErrInvalidConfig)
	case c.OutboundCapacity <= 0:
		return fmt.Errorf("%w: outbound_capacity must be positive", ErrInvalidConfig)
	case c.ReliableBacklog <= 0:
		return fmt.Errorf("%w: reliable_backlog must be positive", ErrInvalidConfig)
	case c.RTTAlpha <= 0 || c.RTTAlpha > 1:
		return fmt.Errorf("%w: rtt_alpha %v not in (0,1]", ErrInvalidConfig, c.RTTAlpha)
	case c.RTTCapacity <= 0:
		return fmt.Errorf("%w: rtt_capacity must be positive", ErrInvalidConfig)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	case c.SweepInterval < 0:
		return fmt.Errorf("%w: sweep_interval must not be negative", ErrInvalidConfig)
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("%w: handshake_timeout must be positive", ErrInvalidConfig)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: write_timeout must be positive", ErrInvalidConfig)
	case c.MaxReliableSize <= 0:
		return fmt.Errorf("%w: max_reliable_size must be positive", ErrInvalidConfig)
	case c.MaxDatagramSize <= protocol.FrameOverhead || c.MaxDatagramSize > 65507:
		return fmt.Errorf("%w: max_datagram_size %d out of range", ErrInvalidConfig, c.MaxDatagramSize)
	}
	switch c.Stream.Transport {
	case "", StreamTCP:
	case StreamQUIC:
		if c.Stream.TLS {
			return fmt.Errorf("%w: stream.tls applies to tcp only, quic is always encrypted", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown stream transport %q", ErrInvalidConfig, c.Stream.Transport)
	}
	return nil
}

// SweepEvery returns the effective sweep interval.
func (c Config) SweepEvery() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return c.Timeout
}

// CompressionOptions converts the compression settings for the frame codec.
func (c Config) CompressionOptions() protocol.Compression {
	return protocol.Compression{Enable: c.Compression.Enable, Threshold: c.Compression.Threshold}
}

// Load reads configuration from the provided path (if non-empty) on top of
// the defaults. Environment variables use the prefix TWINLINK and `.` is
// replaced with `_`, e.g. TWINLINK_LOG_LEVEL=debug or TWINLINK_TIMEOUT=2s.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TWINLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("event_capacity", cfg.EventCapacity)
	v.SetDefault("outbound_capacity", cfg.OutboundCapacity)
	v.SetDefault("reliable_backlog", cfg.ReliableBacklog)
	v.SetDefault("rtt_alpha", cfg.RTTAlpha)
	v.SetDefault("rtt_capacity", cfg.RTTCapacity)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("sweep_interval", cfg.SweepInterval)
	v.SetDefault("handshake_timeout", cfg.HandshakeTimeout)
	v.SetDefault("write_timeout", cfg.WriteTimeout)
	v.SetDefault("max_reliable_size", cfg.MaxReliableSize)
	v.SetDefault("max_datagram_size", cfg.MaxDatagramSize)
	v.SetDefault("compression.enable", cfg.Compression.Enable)
	v.SetDefault("compression.threshold", cfg.Compression.Threshold)
	v.SetDefault("stream.transport", cfg.Stream.Transport)
	v.SetDefault("stream.address", cfg.Stream.Address)
	v.SetDefault("stream.tls", cfg.Stream.TLS)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := v.ReadConfig(f); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
