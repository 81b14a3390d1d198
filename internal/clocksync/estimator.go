// Package clocksync maps a node's local clock onto the relay's global time.
//
// An Estimator collects round-trip probes, derives a robust offset from the
// lowest-RTT samples and freezes that offset once locked. A locked base never
// moves on its own; the only correction path is an explicit release followed
// by a rate-capped slew.
package clocksync

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrNoSamples = errors.New("clocksync: no samples")

// Sample is one round-trip probe against the relay clock.
type Sample struct {
	SendLocalMs int64
	ServerMs    int64
	RecvLocalMs int64
}

func (s Sample) RTT() int64 { return s.RecvLocalMs - s.SendLocalMs }

// RawOffset assumes a symmetric path: the server stamped at the RTT midpoint.
func (s Sample) RawOffset() float64 {
	return float64(s.ServerMs) - (float64(s.SendLocalMs) + float64(s.RTT())/2)
}

type Config struct {
	Window         int
	KeepFraction   float64
	MinKeep        int
	MinLockSamples int
	// DeadBandMs is the drift ignored entirely.
	DeadBandMs float64
	// CorrectAboveMs is the drift above which a released base slews.
	CorrectAboveMs  float64
	MaxSlewMsPerSec float64
}

func DefaultConfig() Config {
	return Config{
		Window:          40,
		KeepFraction:    0.6,
		MinKeep:         5,
		MinLockSamples:  6,
		DeadBandMs:      12,
		CorrectAboveMs:  30,
		MaxSlewMsPerSec: 2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.KeepFraction <= 0 || c.KeepFraction > 1 {
		c.KeepFraction = def.KeepFraction
	}
	if c.MinKeep <= 0 {
		c.MinKeep = def.MinKeep
	}
	if c.MinLockSamples <= 0 {
		c.MinLockSamples = def.MinLockSamples
	}
	if c.DeadBandMs <= 0 {
		c.DeadBandMs = def.DeadBandMs
	}
	if c.CorrectAboveMs < c.DeadBandMs {
		c.CorrectAboveMs = def.CorrectAboveMs
	}
	if c.MaxSlewMsPerSec <= 0 {
		c.MaxSlewMsPerSec = def.MaxSlewMsPerSec
	}
	return c
}

type baseState int

const (
	// baseFresh follows the live estimate; nothing was ever locked.
	baseFresh baseState = iota
	baseLocked
	// baseReleased holds the last locked value and only moves by Slew.
	baseReleased
)

// Estimator is owned by one goroutine; it is not safe for concurrent use.
type Estimator struct {
	cfg     Config
	samples []Sample
	next    int
	live    float64
	base    float64
	state   baseState
}

func New(cfg Config) *Estimator {
	cfg = cfg.withDefaults()
	return &Estimator{cfg: cfg, samples: make([]Sample, 0, cfg.Window)}
}

// AddSample records one probe and recomputes the live estimate. Probes with a
// negative RTT (local clock stepped backwards) are discarded.
func (e *Estimator) AddSample(sendLocalMs, serverMs, recvLocalMs int64) bool {
	s := Sample{SendLocalMs: sendLocalMs, ServerMs: serverMs, RecvLocalMs: recvLocalMs}
	if s.RTT() < 0 {
		log.Debug().Msgf("clocksync.Estimator.AddSample discard rtt=%d", s.RTT())
		return false
	}
	if len(e.samples) < e.cfg.Window {
		e.samples = append(e.samples, s)
	} else {
		e.samples[e.next] = s
		e.next = (e.next + 1) % e.cfg.Window
	}
	e.live = e.robustEstimate()
	return true
}

// robustEstimate is the median raw offset of the lowest-RTT share of the window.
func (e *Estimator) robustEstimate() float64 {
	n := len(e.samples)
	if n == 0 {
		return 0
	}
	byRTT := make([]Sample, n)
	copy(byRTT, e.samples)
	sort.SliceStable(byRTT, func(i, j int) bool { return byRTT[i].RTT() < byRTT[j].RTT() })

	keep := int(math.Floor(float64(n) * e.cfg.KeepFraction))
	if floor := min(e.cfg.MinKeep, n); keep < floor {
		keep = floor
	}
	offsets := make([]float64, keep)
	for i := range keep {
		offsets[i] = byRTT[i].RawOffset()
	}
	return median(offsets)
}

func median(v []float64) float64 {
	sort.Float64s(v)
	mid := len(v) / 2
	if len(v)%2 == 1 {
		return v[mid]
	}
	return (v[mid-1] + v[mid]) / 2
}

func (e *Estimator) SampleCount() int { return len(e.samples) }

func (e *Estimator) LiveOffsetMs() float64 { return e.live }

// CurrentOffsetMs returns the offset every global-time computation uses:
// global = local + offset.
func (e *Estimator) CurrentOffsetMs() float64 {
	if e.state == baseFresh {
		return e.live
	}
	return e.base
}

func (e *Estimator) Locked() bool { return e.state == baseLocked }

// ShouldLock reports whether the lock policy is satisfied: enough samples on a
// fresh base, or a released base that has slewed back inside the dead band.
func (e *Estimator) ShouldLock() bool {
	switch e.state {
	case baseFresh:
		return len(e.samples) >= e.cfg.MinLockSamples
	case baseReleased:
		return len(e.samples) > 0 && math.Abs(e.DriftMs()) < e.cfg.DeadBandMs
	}
	return false
}

// LockBase freezes the current offset. Locking an already locked base is a no-op.
func (e *Estimator) LockBase() error {
	switch e.state {
	case baseLocked:
		return nil
	case baseFresh:
		if len(e.samples) == 0 {
			return ErrNoSamples
		}
		e.base = e.live
	}
	e.state = baseLocked
	log.Debug().Msgf("clocksync.Estimator.LockBase offset_ms=%.1f samples=%d", e.base, len(e.samples))
	return nil
}

// Resume locks immediately on an offset held over from an earlier session.
func (e *Estimator) Resume(offsetMs float64) {
	e.base = offsetMs
	e.state = baseLocked
	log.Debug().Msgf("clocksync.Estimator.Resume offset_ms=%.1f", offsetMs)
}

// Release unfreezes a locked base so Slew may walk it toward the live estimate.
// The base keeps its value; it never jumps.
func (e *Estimator) Release() {
	if e.state != baseLocked {
		return
	}
	e.state = baseReleased
	log.Debug().Msgf("clocksync.Estimator.Release offset_ms=%.1f live_ms=%.1f", e.base, e.live)
}

// DriftMs is the live estimate minus the offset in use.
func (e *Estimator) DriftMs() float64 {
	return e.live - e.CurrentOffsetMs()
}

// CorrectionRateMsPerSec is a proportional slew rate capped at MaxSlewMsPerSec.
// Drift inside CorrectAboveMs yields zero.
func (e *Estimator) CorrectionRateMsPerSec() float64 {
	drift := e.DriftMs()
	if math.Abs(drift) < e.cfg.CorrectAboveMs {
		return 0
	}
	rate := drift / 10
	return math.Max(-e.cfg.MaxSlewMsPerSec, math.Min(e.cfg.MaxSlewMsPerSec, rate))
}

// Slew moves a released base toward the live estimate for dt and returns the
// applied rate. Between the dead band and CorrectAboveMs it walks at half the
// cap so the base can settle. A locked or fresh base is untouched.
func (e *Estimator) Slew(dt time.Duration) float64 {
	if e.state != baseReleased || dt <= 0 {
		return 0
	}
	drift := e.DriftMs()
	if math.Abs(drift) < e.cfg.DeadBandMs {
		return 0
	}
	rate := e.CorrectionRateMsPerSec()
	if rate == 0 {
		rate = math.Copysign(e.cfg.MaxSlewMsPerSec/2, drift)
	}
	step := rate * dt.Seconds()
	if math.Abs(step) > math.Abs(drift) {
		step = drift
	}
	e.base += step
	return rate
}

// MedianRTTMs is the median round trip across the window.
func (e *Estimator) MedianRTTMs() float64 {
	if len(e.samples) == 0 {
		return 0
	}
	rtts := make([]float64, len(e.samples))
	for i, s := range e.samples {
		rtts[i] = float64(s.RTT())
	}
	return median(rtts)
}

// GlobalMs converts a local instant to global time.
func (e *Estimator) GlobalMs(localMs int64) int64 {
	return localMs + int64(math.Round(e.CurrentOffsetMs()))
}

// LocalMs converts a global instant to the local clock.
func (e *Estimator) LocalMs(globalMs int64) int64 {
	return globalMs - int64(math.Round(e.CurrentOffsetMs()))
}
