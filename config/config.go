// Package config holds the transport's tunable constants. Defaults mirror
// the normative values in the protocol specification; every field can be
// overridden from the environment via kelseyhightower/envconfig, following
// the same struct-tag convention the rate limiter and server config in the
// longbow reference codebase use.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the frame codec, transfer buffers, sender
// pacing/retry, and receiver stall detection.
type Config struct {
	// Wire format
	ChunkSize int `envconfig:"CHUNK_SIZE" default:"200"`
	MaxFrame  int `envconfig:"MAX_FRAME" default:"237"`
	Port      int `envconfig:"PORT" default:"256"`

	// Compression
	CompressionSavingsThreshold float64 `envconfig:"COMPRESSION_SAVINGS_THRESHOLD" default:"0.95"`

	// Adaptive pacing
	BaselineChunkDelay time.Duration `envconfig:"CHUNK_DELAY" default:"4s"`
	MinChunkDelay      time.Duration `envconfig:"MIN_CHUNK_DELAY" default:"1s"`
	MaxChunkDelay      time.Duration `envconfig:"MAX_CHUNK_DELAY" default:"10s"`
	FastModeDelay      time.Duration `envconfig:"FAST_MODE_DELAY" default:"1s"`

	// Sender retry
	InitialRetryDelay time.Duration `envconfig:"INITIAL_RETRY_DELAY" default:"3s"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"3"`

	// Receiver stall/timeout
	StallCheckInterval  time.Duration `envconfig:"STALL_CHECK_INTERVAL" default:"15s"`
	StallRequestTimeout time.Duration `envconfig:"STALL_REQUEST_TIMEOUT" default:"20s"`
	TransferTimeout     time.Duration `envconfig:"TRANSFER_TIMEOUT" default:"60s"`
	TimeoutMultiplier   float64       `envconfig:"TIMEOUT_MULTIPLIER" default:"1.5"`
	MinAdaptiveTimeout  time.Duration `envconfig:"MIN_ADAPTIVE_TIMEOUT" default:"60s"`
	MaxAdaptiveTimeout  time.Duration `envconfig:"MAX_ADAPTIVE_TIMEOUT" default:"300s"`
	CompletedRetention  time.Duration `envconfig:"COMPLETED_RETENTION" default:"5m"`

	// Defensive bounds
	MaxDeclaredSize uint32 `envconfig:"MAX_DECLARED_SIZE" default:"10485760"`

	// Control channel
	OKRepeatCount   int           `envconfig:"OK_REPEAT_COUNT" default:"3"`
	OKRepeatSpacing time.Duration `envconfig:"OK_REPEAT_SPACING" default:"500ms"`
}

// Default returns the normative configuration from the specification.
func Default() Config {
	var c Config
	// envconfig.Process with no env vars set just fills in `default` tags.
	_ = envconfig.Process("IMGTRANSPORT", &c)
	return c
}

// FromEnv loads configuration from the environment under the given
// variable prefix, falling back to Default's values for anything unset.
func FromEnv(prefix string) (Config, error) {
	c := Default()
	if err := envconfig.Process(prefix, &c); err != nil {
		return Config{}, fmt.Errorf("config: load from env: %w", err)
	}
	return c, nil
}

// HeaderSize is the fixed size of the data-chunk header; it is not
// configurable because the wire format is normative.
const HeaderSize = 15

// DataPerChunk returns the number of payload bytes carried per chunk under
// the configured ChunkSize.
func (c Config) DataPerChunk() int {
	return c.ChunkSize - HeaderSize
}

// Validate checks that the configuration describes a usable transport.
func (c Config) Validate() error {
	if c.ChunkSize <= HeaderSize {
		return fmt.Errorf("config: chunk_size must exceed header size %d", HeaderSize)
	}
	if c.ChunkSize > c.MaxFrame {
		return fmt.Errorf("config: chunk_size cannot exceed max_frame")
	}
	if c.MinChunkDelay <= 0 || c.MaxChunkDelay <= 0 || c.MinChunkDelay > c.MaxChunkDelay {
		return fmt.Errorf("config: chunk delay bounds must be positive and ordered")
	}
	if c.BaselineChunkDelay < c.MinChunkDelay || c.BaselineChunkDelay > c.MaxChunkDelay {
		return fmt.Errorf("config: baseline chunk delay must lie within [min,max]")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries cannot be negative")
	}
	if c.MinAdaptiveTimeout > c.MaxAdaptiveTimeout {
		return fmt.Errorf("config: adaptive timeout bounds must be ordered")
	}
	if c.OKRepeatCount <= 0 {
		return fmt.Errorf("config: ok_repeat_count must be positive")
	}
	return nil
}

// AdaptiveTransferTimeout implements spec section 4.5 step 5: T =
// clamp(totalChunks * currentDelay * TimeoutMultiplier, min, max).
func (c Config) AdaptiveTransferTimeout(totalChunks int, currentDelay time.Duration) time.Duration {
	expected := time.Duration(totalChunks) * currentDelay
	t := time.Duration(float64(expected) * c.TimeoutMultiplier)
	if t < c.MinAdaptiveTimeout {
		return c.MinAdaptiveTimeout
	}
	if t > c.MaxAdaptiveTimeout {
		return c.MaxAdaptiveTimeout
	}
	return t
}
