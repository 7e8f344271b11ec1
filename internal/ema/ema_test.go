package ema

import (
	"math"
	"testing"
	"time"
)

func TestAlpha_NonPositiveDt(t *testing.T) {
	for _, dt := range []time.Duration{0, -time.Second, -time.Hour} {
		if got := Alpha(10*time.Second, dt, 0, 1); got != 0 {
			t.Errorf("Alpha(10s, %v) = %v, want 0", dt, got)
		}
	}
}

func TestAlpha_NonPositiveTau(t *testing.T) {
	for _, tau := range []time.Duration{0, -time.Second} {
		if got := Alpha(tau, time.Second, 0, 1); got != 1 {
			t.Errorf("Alpha(%v, 1s) = %v, want 1", tau, got)
		}
	}
}

func TestAlpha_Formula(t *testing.T) {
	got := Alpha(10*time.Second, 10*time.Second, 0, 1)
	want := 1 - math.Exp(-1)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Alpha(10s, 10s) = %v, want %v", got, want)
	}
}

func TestAlpha_Clamped(t *testing.T) {
	if got := Alpha(10*time.Second, time.Millisecond, 0.1, 0.9); got != 0.1 {
		t.Errorf("tiny dt: alpha = %v, want clamped to 0.1", got)
	}
	if got := Alpha(10*time.Second, time.Hour, 0.1, 0.9); got != 0.9 {
		t.Errorf("huge dt: alpha = %v, want clamped to 0.9", got)
	}
}

func TestStep_FixedPoint(t *testing.T) {
	for _, alpha := range []float64{0, 0.01, 0.5, 0.99, 1} {
		if got := Step(42, 42, alpha); got != 42 {
			t.Errorf("Step(42, 42, %v) = %v, want 42", alpha, got)
		}
	}
}

func TestStep_DegenerateAlphas(t *testing.T) {
	if got := Step(10, 99, 0); got != 10 {
		t.Errorf("alpha=0: got %v, want current 10", got)
	}
	if got := Step(10, 99, -0.5); got != 10 {
		t.Errorf("alpha<0: got %v, want current 10", got)
	}
	if got := Step(10, 99, 1); got != 99 {
		t.Errorf("alpha=1: got %v, want value 99", got)
	}
	if got := Step(10, 99, 1.5); got != 99 {
		t.Errorf("alpha>1: got %v, want value 99", got)
	}
}

func TestNewState_SeedsBothAverages(t *testing.T) {
	ts := time.Now()
	s := NewState(37, ts)
	if s.Fast != 37 || s.Slow != 37 {
		t.Errorf("fast=%v slow=%v, want both 37", s.Fast, s.Slow)
	}
	if !s.LastTS.Equal(ts) {
		t.Errorf("LastTS = %v, want %v", s.LastTS, ts)
	}
}

func TestNewState_SanitizesBadRaw(t *testing.T) {
	for _, raw := range []float64{-1, math.NaN(), math.Inf(1)} {
		s := NewState(raw, time.Now())
		if s.Fast != 0 || s.Slow != 0 {
			t.Errorf("NewState(%v): fast=%v slow=%v, want 0", raw, s.Fast, s.Slow)
		}
	}
}

func TestState_Valid(t *testing.T) {
	now := time.Now()
	good := State{Fast: 1, Slow: 2, LastTS: now, LastRaw: 3}
	if !good.Valid() {
		t.Error("good state should be valid")
	}
	cases := []State{
		{Fast: math.NaN(), Slow: 2, LastTS: now},
		{Fast: 1, Slow: math.Inf(1), LastTS: now},
		{Fast: -1, Slow: 2, LastTS: now},
		{Fast: 1, Slow: 2}, // zero LastTS
	}
	for i, s := range cases {
		if s.Valid() {
			t.Errorf("case %d: state %+v should be invalid", i, s)
		}
	}
}

func TestAdvance_ResetsInvalidState(t *testing.T) {
	now := time.Now()
	s := State{Fast: math.NaN(), Slow: 5, LastTS: now.Add(-time.Second), LastRaw: 5}
	out := s.Advance(12, now, DefaultParams())
	if out.Fast != 12 || out.Slow != 12 {
		t.Errorf("fast=%v slow=%v, want reset to 12", out.Fast, out.Slow)
	}
}

func TestAdvance_IgnoresNonForwardTick(t *testing.T) {
	now := time.Now()
	s := NewState(10, now)
	out := s.Advance(100, now, DefaultParams())
	if out.Fast != 10 || out.Slow != 10 {
		t.Errorf("same-instant tick must not move averages: %+v", out)
	}
	out = s.Advance(100, now.Add(-time.Second), DefaultParams())
	if out.Fast != 10 || out.Slow != 10 {
		t.Errorf("backwards tick must not move averages: %+v", out)
	}
}

// Raw count jumps 0 -> 100 and holds. After 10s (one tau_fast) the fast average
// is within 5% of 100 while the slow one sits near 100*(1-e^(-10/60)) ≈ 15.
func TestAdvance_StepResponse(t *testing.T) {
	p := Params{TauFast: 10 * time.Second, TauSlow: 60 * time.Second, MinAlpha: 0, MaxAlpha: 1}
	start := time.Unix(1_700_000_000, 0)
	s := NewState(0, start)

	for i := 1; i <= 10; i++ {
		s = s.Advance(100, start.Add(time.Duration(i)*time.Second), p)
	}

	if s.Fast < 60 {
		t.Errorf("ema_fast = %v, want majority of the step after one tau", s.Fast)
	}
	if s.Slow < 10 || s.Slow > 25 {
		t.Errorf("ema_slow = %v, want near 15 after 10s", s.Slow)
	}
	trend, strength := s.Classify()
	if trend != TrendUp {
		t.Errorf("trend = %v, want up", trend)
	}
	if strength < 0.9 {
		t.Errorf("strength = %v, want near 1", strength)
	}
}

func TestClassifyTrend(t *testing.T) {
	cases := []struct {
		name       string
		fast, slow float64
		want       Trend
	}{
		{"both zero", 0, 0, TrendStable},
		{"equal", 50, 50, TrendStable},
		{"tiny spread", 100, 99, TrendStable},
		{"rising", 120, 80, TrendUp},
		{"falling", 80, 120, TrendDown},
	}
	for _, tc := range cases {
		got, _ := ClassifyTrend(tc.fast, tc.slow)
		if got != tc.want {
			t.Errorf("%s: ClassifyTrend(%v, %v) = %v, want %v", tc.name, tc.fast, tc.slow, got, tc.want)
		}
	}
}

func TestClassifyTrend_StrengthCapped(t *testing.T) {
	_, strength := ClassifyTrend(100, 1)
	if strength != 1 {
		t.Errorf("strength = %v, want capped at 1", strength)
	}
	_, strength = ClassifyTrend(0, 0)
	if strength != 0 {
		t.Errorf("strength = %v, want 0 when both averages are zero", strength)
	}
}
