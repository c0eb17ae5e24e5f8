package resource

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config carries the controller policy constants. Tightening toward
// ULTRA_FAST happens immediately when pressure crosses HighWater
// (subject to StepCooldown); relaxing toward QUALITY requires pressure
// below LowWater for the full RelaxHold, which prevents oscillation.
type Config struct {
	Tick         time.Duration
	HighWater    float64
	LowWater     float64
	RelaxHold    time.Duration
	StepCooldown time.Duration
	Default      Profile
}

// Change describes one profile transition for the status feed.
type Change struct {
	From     Profile
	To       Profile
	Pressure float64
	At       time.Time
}

// Controller owns the process-wide operating profile. It is the single
// writer; workers read consistent snapshots via Current.
type Controller struct {
	cfg      Config
	sampler  Sampler
	onChange func(Change)
	log      *slog.Logger
	clock    func() time.Time

	cell    atomic.Pointer[Profile]
	changes metric.Int64Counter

	lowSince      time.Time
	lastStep      time.Time
	samplerBroken bool
}

func NewController(cfg Config, sampler Sampler, onChange func(Change), log *slog.Logger) *Controller {
	c := &Controller{
		cfg:      cfg,
		sampler:  sampler,
		onChange: onChange,
		log:      log.With(slog.String("component", "resource-controller")),
		clock:    time.Now,
	}
	initial := cfg.Default
	c.cell.Store(&initial)

	meter := otel.Meter("github.com/duetlabs/duet-core/runtime")
	if counter, err := meter.Int64Counter("duet_profile_changes_total",
		metric.WithDescription("Operating profile transitions")); err == nil {
		c.changes = counter
	} else {
		c.log.Warn("failed to initialize profile change counter", slog.String("error", err.Error()))
	}

	return c
}

// Current returns an atomic snapshot of the active profile.
func (c *Controller) Current() Profile {
	return *c.cell.Load()
}

// Run samples pressure on a fixed tick until ctx is cancelled. A failing
// sampler pins the controller to the fixed default profile; it never
// stops the pipeline.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	if c.sampler == nil {
		c.holdDefault(0)
		return
	}
	pressure, err := c.sampler.Sample(ctx)
	if err != nil {
		if !c.samplerBroken {
			c.samplerBroken = true
			c.log.Warn("pressure telemetry unavailable, holding default profile",
				slog.String("error", err.Error()))
		}
		c.holdDefault(0)
		return
	}
	if c.samplerBroken {
		c.samplerBroken = false
		c.log.Info("pressure telemetry recovered")
	}
	c.step(c.clock(), pressure)
}

func (c *Controller) holdDefault(pressure float64) {
	current := c.Current()
	if current.Level != c.cfg.Default.Level {
		c.apply(current, c.cfg.Default, pressure)
	}
	c.lowSince = time.Time{}
}

func (c *Controller) step(now time.Time, pressure float64) {
	current := c.Current()

	if pressure >= c.cfg.HighWater {
		c.lowSince = time.Time{}
		if current.Level == 0 {
			return
		}
		if !c.lastStep.IsZero() && now.Sub(c.lastStep) < c.cfg.StepCooldown {
			return
		}
		c.lastStep = now
		c.apply(current, at(current.Level-1), pressure)
		return
	}

	if pressure < c.cfg.LowWater {
		if c.lowSince.IsZero() {
			c.lowSince = now
			return
		}
		if now.Sub(c.lowSince) < c.cfg.RelaxHold || current.Level >= len(profiles)-1 {
			return
		}
		c.lowSince = now
		c.lastStep = now
		c.apply(current, at(current.Level+1), pressure)
		return
	}

	// Between the water marks: hold position, restart the relax clock.
	c.lowSince = time.Time{}
}

func (c *Controller) apply(from, to Profile, pressure float64) {
	next := to
	c.cell.Store(&next)
	c.log.Info("operating profile changed",
		slog.String("from", from.Name),
		slog.String("to", to.Name),
		slog.Float64("pressure", pressure))
	if c.changes != nil {
		c.changes.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("from", from.Name),
				attribute.String("to", to.Name)))
	}
	if c.onChange != nil {
		c.onChange(Change{From: from, To: to, Pressure: pressure, At: c.clock()})
	}
}
