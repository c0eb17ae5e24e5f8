package resource

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	balanced, _ := ByName("BALANCED")
	return Config{
		Tick:         2 * time.Second,
		HighWater:    0.80,
		LowWater:     0.60,
		RelaxHold:    30 * time.Second,
		StepCooldown: 4 * time.Second,
		Default:      balanced,
	}
}

func TestProfileOrderTotal(t *testing.T) {
	ps := Profiles()
	if len(ps) != 4 {
		t.Fatalf("expected 4 profiles, got %d", len(ps))
	}
	for i := 1; i < len(ps); i++ {
		if ps[i].Level <= ps[i-1].Level {
			t.Fatalf("profile levels not strictly increasing: %v", ps)
		}
		if ps[i].BufferDuration <= ps[i-1].BufferDuration {
			t.Fatalf("buffer durations must grow with quality: %v", ps)
		}
	}
	if ps[0].Name != "ULTRA_FAST" || ps[3].Name != "QUALITY" {
		t.Fatalf("unexpected profile order: %s..%s", ps[0].Name, ps[3].Name)
	}
}

func TestTightenImmediatelyOnHighWater(t *testing.T) {
	c := NewController(testConfig(), nil, nil, newLogger())
	now := time.Unix(1000, 0)

	c.step(now, 0.95)
	if got := c.Current().Name; got != "FAST" {
		t.Fatalf("expected immediate step to FAST, got %s", got)
	}
}

func TestSustainedPressureReachesUltraFast(t *testing.T) {
	cfg := testConfig()
	fast, _ := ByName("FAST")
	cfg.Default = fast
	c := NewController(cfg, nil, nil, newLogger())
	now := time.Unix(1000, 0)

	// Three consecutive high-pressure ticks; the cooldown spans two of
	// them, so the second step lands on the third tick.
	c.step(now, 0.9)
	c.step(now.Add(cfg.Tick), 0.9)
	c.step(now.Add(2*cfg.Tick), 0.9)

	if got := c.Current().Name; got != "ULTRA_FAST" {
		t.Fatalf("expected ULTRA_FAST after sustained pressure, got %s", got)
	}
	// Already at the floor: further pressure is a no-op.
	c.step(now.Add(10*cfg.Tick), 0.99)
	if got := c.Current().Name; got != "ULTRA_FAST" {
		t.Fatalf("expected ULTRA_FAST to hold, got %s", got)
	}
}

func TestRelaxRequiresSustainedLowPressure(t *testing.T) {
	c := NewController(testConfig(), nil, nil, newLogger())
	now := time.Unix(1000, 0)

	c.step(now, 0.95) // BALANCED -> FAST
	if got := c.Current().Name; got != "FAST" {
		t.Fatalf("setup failed, got %s", got)
	}

	// Low pressure, but not yet for the full hold period.
	c.step(now.Add(10*time.Second), 0.3)
	c.step(now.Add(20*time.Second), 0.3)
	if got := c.Current().Name; got != "FAST" {
		t.Fatalf("relaxed too early, got %s", got)
	}

	// Hold period satisfied.
	c.step(now.Add(41*time.Second), 0.3)
	if got := c.Current().Name; got != "BALANCED" {
		t.Fatalf("expected relax to BALANCED after hold, got %s", got)
	}
}

func TestMidBandPressureRestartsRelaxClock(t *testing.T) {
	c := NewController(testConfig(), nil, nil, newLogger())
	now := time.Unix(1000, 0)

	c.step(now, 0.95) // -> FAST
	c.step(now.Add(5*time.Second), 0.3)
	// A mid-band sample interrupts the low streak.
	c.step(now.Add(20*time.Second), 0.7)
	c.step(now.Add(40*time.Second), 0.3)
	c.step(now.Add(60*time.Second), 0.3)
	if got := c.Current().Name; got != "FAST" {
		t.Fatalf("relax clock should have restarted, got %s", got)
	}
	c.step(now.Add(71*time.Second), 0.3)
	if got := c.Current().Name; got != "BALANCED" {
		t.Fatalf("expected relax after uninterrupted hold, got %s", got)
	}
}

type failingSampler struct{}

func (failingSampler) Sample(context.Context) (float64, error) {
	return 0, errors.New("telemetry offline")
}

func TestSamplerFailureHoldsDefault(t *testing.T) {
	changes := 0
	c := NewController(testConfig(), failingSampler{}, func(Change) { changes++ }, newLogger())

	// Push away from the default first.
	c.step(time.Unix(1000, 0), 0.95)
	if got := c.Current().Name; got != "FAST" {
		t.Fatalf("setup failed, got %s", got)
	}

	c.tick(context.Background())
	if got := c.Current().Name; got != "BALANCED" {
		t.Fatalf("expected fallback to default profile, got %s", got)
	}
	c.tick(context.Background())
	if got := c.Current().Name; got != "BALANCED" {
		t.Fatalf("default profile should be stable under failing telemetry, got %s", got)
	}
	if changes == 0 {
		t.Fatal("expected change notifications")
	}
}

func TestChangeCallbackCarriesTransition(t *testing.T) {
	var last Change
	c := NewController(testConfig(), nil, func(ch Change) { last = ch }, newLogger())
	c.step(time.Unix(1000, 0), 0.9)
	if last.From.Name != "BALANCED" || last.To.Name != "FAST" {
		t.Fatalf("unexpected change payload: %+v", last)
	}
	if last.Pressure != 0.9 {
		t.Fatalf("expected pressure recorded, got %v", last.Pressure)
	}
}
