// Package config holds the settings of a reduction worker.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	DefaultSeed         uint64 = 42
	DefaultGPUsPerNode         = 4
	DefaultVectorLength        = 10000000
	DefaultBackend             = "cpu"
	DefaultHost                = "127.0.0.1"
)

// Config is passed to the worker entry point.
type Config struct {
	// Seed is the base random seed. Rank r seeds its generator with Seed + r.
	Seed uint64
	// GPUsPerNode is the number of devices on each physical node.
	GPUsPerNode int
	// VectorLength is the per-rank buffer size in elements.
	VectorLength int

	// Backend selects the device runtime ("cpu" or "cuda").
	Backend string
	// DeviceMemory bounds the memory of each device in bytes. 0 means unbounded.
	DeviceMemory int64
	// Host is the address collective servers bind to.
	Host string
}

// Default returns the configuration the worker runs with when nothing is overridden.
func Default() Config {
	return Config{
		Seed:         DefaultSeed,
		GPUsPerNode:  DefaultGPUsPerNode,
		VectorLength: DefaultVectorLength,
		Backend:      DefaultBackend,
		Host:         DefaultHost,
	}
}

var errEmptyHost = errors.New("config: host must not be empty")

func (c Config) Validate() error {
	if c.GPUsPerNode <= 0 {
		return fmt.Errorf("config: gpus per node must be positive, got %d", c.GPUsPerNode)
	}
	if c.VectorLength < 0 {
		return fmt.Errorf("config: vector length must not be negative, got %d", c.VectorLength)
	}
	if c.DeviceMemory < 0 {
		return fmt.Errorf("config: device memory must not be negative, got %d", c.DeviceMemory)
	}
	if strings.TrimSpace(c.Host) == "" {
		return errEmptyHost
	}
	return nil
}

// LocalRank maps a global rank onto a device index in [0, GPUsPerNode).
func (c Config) LocalRank(globalRank int) int {
	return globalRank % c.GPUsPerNode
}

// RankSeed returns the generator seed of the given rank.
func (c Config) RankSeed(globalRank int) uint64 {
	return c.Seed + uint64(globalRank)
}

// ParseBytes parses sizes such as "4GB", "512MB", "64K" or "1024".
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	var val int64
	var unit string
	n, err := fmt.Sscanf(s, "%d%s", &val, &unit)
	if n == 0 {
		return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("config: invalid size %q", s)
	}

	var multiplier int64
	switch strings.ToUpper(unit) {
	case "GB", "G":
		multiplier = 1024 * 1024 * 1024
	case "MB", "M":
		multiplier = 1024 * 1024
	case "KB", "K":
		multiplier = 1024
	case "", "B":
		multiplier = 1
	default:
		return 0, fmt.Errorf("config: unknown size unit %q", unit)
	}
	if val > math.MaxInt64/multiplier {
		return 0, fmt.Errorf("config: size %q overflows int64", s)
	}
	return val * multiplier, nil
}
