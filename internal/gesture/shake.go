// Package gesture turns raw accelerometer samples into discrete shake triggers.
package gesture

import (
	"math"
	"sync"
	"time"
)

// StandardGravity in m/s².
const StandardGravity = 9.80665

const (
	DefaultThreshold = 2.7
	DefaultSlop      = 500 * time.Millisecond
	DefaultReset     = 3000 * time.Millisecond
)

// Sample is one accelerometer reading in m/s² per axis.
type Sample struct {
	X, Y, Z float64
	At      time.Time
}

// GForce is the magnitude of the sample in units of g.
func (s Sample) GForce() float64 {
	gx, gy, gz := s.X/StandardGravity, s.Y/StandardGravity, s.Z/StandardGravity
	return math.Sqrt(gx*gx + gy*gy + gz*gz)
}

// Config tunes a detector; zero values take the defaults.
type Config struct {
	Threshold float64
	Slop      time.Duration
	Reset     time.Duration
}

// ShakeDetector fires when the g-force exceeds Threshold, at most once per Slop. The
// running shake count starts over after Reset without a trigger.
type ShakeDetector struct {
	threshold float64
	slop      time.Duration
	reset     time.Duration
	onShake   func(count int)

	mu    sync.Mutex
	last  time.Time
	count int
}

// NewShakeDetector builds a detector calling onShake for every trigger.
func NewShakeDetector(cfg Config, onShake func(count int)) *ShakeDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Slop <= 0 {
		cfg.Slop = DefaultSlop
	}
	if cfg.Reset <= 0 {
		cfg.Reset = DefaultReset
	}
	return &ShakeDetector{threshold: cfg.Threshold, slop: cfg.Slop, reset: cfg.Reset, onShake: onShake}
}

// Feed processes one sample and reports whether it triggered, with the running count.
func (d *ShakeDetector) Feed(s Sample) (int, bool) {
	if s.GForce() <= d.threshold {
		return 0, false
	}
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}

	d.mu.Lock()
	if !d.last.IsZero() && at.Before(d.last.Add(d.slop)) {
		d.mu.Unlock()
		return 0, false
	}
	if d.last.IsZero() || at.After(d.last.Add(d.reset)) {
		d.count = 0
	}
	d.last = at
	d.count++
	count := d.count
	fn := d.onShake
	d.mu.Unlock()

	if fn != nil {
		fn(count)
	}
	return count, true
}
