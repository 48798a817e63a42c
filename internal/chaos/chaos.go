// Package chaos carries the injected-latency and drop-rate knobs used for
// resilience testing. The configuration is loaded once at startup and is
// read-only afterwards.
package chaos

import (
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envLatency  = "CHAOS_LATENCY"
	envDropRate = "CHAOS_DROP_RATE"
)

// Config holds the process-wide chaos knobs. The zero value disables both.
type Config struct {
	LatencyMin time.Duration
	LatencyMax time.Duration
	DropRate   float64
}

// FromEnv parses CHAOS_LATENCY ("<min>-<max>" in fractional seconds, e.g.
// "1.0-2.0") and CHAOS_DROP_RATE ([0,1]). Malformed values are an error;
// unset values leave the knob disabled.
func FromEnv() (Config, error) {
	var cfg Config

	if raw := os.Getenv(envLatency); raw != "" {
		lo, hi, ok := strings.Cut(raw, "-")
		if !ok {
			return cfg, fmt.Errorf("chaos: %s must be <min>-<max> seconds, got %q", envLatency, raw)
		}
		minSec, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
		if err != nil {
			return cfg, fmt.Errorf("chaos: invalid %s min: %w", envLatency, err)
		}
		maxSec, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
		if err != nil {
			return cfg, fmt.Errorf("chaos: invalid %s max: %w", envLatency, err)
		}
		if minSec < 0 || maxSec < minSec {
			return cfg, fmt.Errorf("chaos: %s range %q is not ordered", envLatency, raw)
		}
		cfg.LatencyMin = time.Duration(minSec * float64(time.Second))
		cfg.LatencyMax = time.Duration(maxSec * float64(time.Second))
	}

	if raw := os.Getenv(envDropRate); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return cfg, fmt.Errorf("chaos: invalid %s: %w", envDropRate, err)
		}
		if rate < 0 || rate > 1 {
			return cfg, fmt.Errorf("chaos: %s must be in [0,1], got %v", envDropRate, rate)
		}
		cfg.DropRate = rate
	}

	return cfg, nil
}

// Enabled reports whether any knob is active.
func (c Config) Enabled() bool {
	return c.DropRate > 0 || c.LatencyMax > 0
}

// ShouldDrop samples the drop decision for one dispatch.
func (c Config) ShouldDrop() bool {
	return c.DropRate > 0 && rand.Float64() < c.DropRate
}

// Delay returns a uniformly sampled duration in [LatencyMin, LatencyMax),
// or zero when latency injection is off.
func (c Config) Delay() time.Duration {
	if c.LatencyMax <= 0 {
		return 0
	}
	if c.LatencyMax == c.LatencyMin {
		return c.LatencyMin
	}
	return c.LatencyMin + rand.N(c.LatencyMax-c.LatencyMin)
}
