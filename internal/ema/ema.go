// Package ema implements dual-time-constant exponential smoothing over the
// raw active-user series and derives a trend direction from the fast/slow spread.
package ema

import (
	"math"
	"time"
)

// Trend is the classified direction of the fast average relative to the slow one.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// stableThreshold is the relative fast/slow spread below which the trend reads stable.
const stableThreshold = 0.05

// Params holds the smoothing time constants and the clamp on the per-step factor.
type Params struct {
	TauFast  time.Duration
	TauSlow  time.Duration
	MinAlpha float64
	MaxAlpha float64
}

// DefaultParams returns the stock smoothing parameters: 10s fast, 60s slow, unclamped.
func DefaultParams() Params {
	return Params{TauFast: 10 * time.Second, TauSlow: 60 * time.Second, MinAlpha: 0, MaxAlpha: 1}
}

// State is the per-shop smoothing state advanced on every tick.
type State struct {
	Fast    float64
	Slow    float64
	LastTS  time.Time
	LastRaw float64
}

// Alpha computes the smoothing factor for an irregular step of dt against time
// constant tau, clamped to [minAlpha, maxAlpha]. dt <= 0 yields 0 (no update);
// tau <= 0 yields 1 (ignore history). These degenerate cases bypass the clamp.
func Alpha(tau, dt time.Duration, minAlpha, maxAlpha float64) float64 {
	if dt <= 0 {
		return 0
	}
	if tau <= 0 {
		return 1
	}
	a := 1 - math.Exp(-dt.Seconds()/tau.Seconds())
	if a < minAlpha {
		a = minAlpha
	}
	if a > maxAlpha {
		a = maxAlpha
	}
	return a
}

// Step advances a single average toward value by factor alpha.
// alpha <= 0 returns current exactly; alpha >= 1 returns value exactly.
func Step(current, value, alpha float64) float64 {
	if alpha <= 0 {
		return current
	}
	if alpha >= 1 {
		return value
	}
	return current + alpha*(value-current)
}

// NewState returns a fresh state seeded with the first raw observation.
// Both averages start at the raw value so there is no warm-up bias.
func NewState(raw float64, ts time.Time) State {
	if raw < 0 || math.IsNaN(raw) || math.IsInf(raw, 0) {
		raw = 0
	}
	return State{Fast: raw, Slow: raw, LastTS: ts, LastRaw: raw}
}

// Valid reports whether the state can be advanced: finite non-negative
// averages and a non-zero last-update timestamp.
func (s State) Valid() bool {
	for _, v := range []float64{s.Fast, s.Slow, s.LastRaw} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return !s.LastTS.IsZero()
}

// Advance returns the state moved forward to ts with the new raw observation.
// An invalid state, or one whose timestamp does not precede ts, is replaced by
// a fresh state seeded with raw (self-healing; never an error).
func (s State) Advance(raw float64, ts time.Time, p Params) State {
	if raw < 0 || math.IsNaN(raw) || math.IsInf(raw, 0) {
		raw = 0
	}
	if !s.Valid() {
		return NewState(raw, ts)
	}
	dt := ts.Sub(s.LastTS)
	if dt <= 0 {
		// Out-of-order or duplicate tick; keep the existing averages.
		return s
	}
	return State{
		Fast:    Step(s.Fast, raw, Alpha(p.TauFast, dt, p.MinAlpha, p.MaxAlpha)),
		Slow:    Step(s.Slow, raw, Alpha(p.TauSlow, dt, p.MinAlpha, p.MaxAlpha)),
		LastTS:  ts,
		LastRaw: raw,
	}
}

// Classify returns the trend direction and a strength in [0, 1] for the
// current fast/slow spread. Both averages at zero reads stable with strength 0.
func (s State) Classify() (Trend, float64) {
	return ClassifyTrend(s.Fast, s.Slow)
}

// ClassifyTrend compares the fast and slow averages. The trend is stable when
// the spread relative to the mean of the two is below a small threshold;
// otherwise up or down by sign. Strength is min(1, 2|diff|/avg).
func ClassifyTrend(fast, slow float64) (Trend, float64) {
	diff := fast - slow
	avg := (fast + slow) / 2
	if avg <= 0 {
		return TrendStable, 0
	}
	strength := math.Min(1, 2*math.Abs(diff)/avg)
	if math.Abs(diff)/avg < stableThreshold {
		return TrendStable, strength
	}
	if diff > 0 {
		return TrendUp, strength
	}
	return TrendDown, strength
}
