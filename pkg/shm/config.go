package shm

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	internalshm "github.com/srediag/shmstore/internal/shm"
)

const (
	// DefaultCapacity is the region size used when Create is given none.
	DefaultCapacity = 1 << 20
	// MinCapacity is the smallest region Create accepts.
	MinCapacity = 4096
	// MaxCapacity bounds a single region.
	MaxCapacity = 1 << 40
	// DefaultCompressThreshold is the encoded size from which values are
	// compressed.
	DefaultCompressThreshold = 4096
)

// Config controls a Directory.
type Config struct {
	// Dir holds the region files. Empty selects /dev/shm when present and
	// the OS temp dir otherwise.
	Dir string
	// DefaultCapacity is used by Create when no WithCapacity option is given.
	DefaultCapacity uint64
	// CompressThreshold is the encoded value size from which s2 compression
	// is attempted. 0 disables compression.
	CompressThreshold int
	// CheckFreeSpace makes Create verify that the filesystem behind Dir has
	// room for the region.
	CheckFreeSpace bool
	// LockPollInterval caps the back-off between lock attempts on platforms
	// without futexes.
	LockPollInterval time.Duration
	// LogLevel sets the package logger level when not negative. See
	// SetLogLevel.
	LogLevel int

	Meter    metric.Meter
	Tracer   trace.Tracer
	Observer Observer
}

// DefaultConfig returns the configuration used by the package-level
// Create, Get and Destroy.
func DefaultConfig() *Config {
	return &Config{
		Dir:               internalshm.DefaultDir(),
		DefaultCapacity:   DefaultCapacity,
		CompressThreshold: DefaultCompressThreshold,
		CheckFreeSpace:    true,
		LockPollInterval:  internalshm.DefaultPollInterval,
		LogLevel:          -1,
	}
}

// VerifyConfig reports the first problem with config.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := verifyCapacity(config.DefaultCapacity); err != nil {
		return fmt.Errorf("%w: default capacity: %w", ErrInvalidConfig, err)
	}
	if config.CompressThreshold < 0 {
		return fmt.Errorf("%w: compress threshold %d is negative", ErrInvalidConfig, config.CompressThreshold)
	}
	if config.LockPollInterval < 0 {
		return fmt.Errorf("%w: lock poll interval %s is negative", ErrInvalidConfig, config.LockPollInterval)
	}
	if config.LogLevel > levelNoPrint {
		return fmt.Errorf("%w: log level %d above %d", ErrInvalidConfig, config.LogLevel, levelNoPrint)
	}
	return nil
}

func verifyCapacity(capacity uint64) error {
	if capacity < MinCapacity || capacity > MaxCapacity {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidCapacity, capacity, MinCapacity, uint64(MaxCapacity))
	}
	return nil
}
