// Package watchdog supervises the node's time and telemetry stack. It probes
// gpsd, chrony, the sink and the spool on a cron schedule, restarts failed
// services and, as a last resort, reboots the host once after a sustained
// unhealthy period.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Probes are the health checks run each tick. A nil probe is skipped and
// counts as healthy.
type Probes struct {
	GPSD       func(ctx context.Context) error
	Chrony     func(ctx context.Context) (synced bool, err error)
	Sink       func(ctx context.Context) error
	SpoolBytes func() (int64, error)
}

// Config holds watchdog policy
type Config struct {
	Schedule       string        // Cron schedule (default: "@every 10s")
	RebootAfter    time.Duration // Continuous unhealthiness before rebooting (default: 15m)
	SpoolMaxBytes  int64
	SpoolHighWater float64       // Fraction of SpoolMaxBytes treated as unhealthy (default: 0.9)
	CheckTimeout   time.Duration // Bound on each probe (default: 3s)
	ActionTimeout  time.Duration // Bound on each remediation command (default: 60s)
	GPSDService    string
	ChronyService  string
	Logger         zerolog.Logger
	Now            func() time.Time
}

// Report is the outcome of one round of probes
type Report struct {
	Time       time.Time
	GPSDErr    error
	ChronyErr  error
	SinkErr    error
	SpoolBytes int64
	SpoolFull  bool
}

// ErrNotSynced is reported when chronyc answers but the clock is not synced
var ErrNotSynced = errors.New("chrony not synchronised")

// Healthy reports whether the node is healthy. Sink reachability is
// informational only: the spool absorbs sink outages.
func (r Report) Healthy() bool {
	return r.GPSDErr == nil && r.ChronyErr == nil && !r.SpoolFull
}

// Watchdog evaluates probes and drives an Actuator
type Watchdog struct {
	cfg      Config
	probes   Probes
	actuator Actuator
	logger   zerolog.Logger

	mu             sync.Mutex
	unhealthySince time.Time
	rebooted       bool
	done           chan struct{}
}

// New validates the schedule and returns a watchdog
func New(cfg Config, probes Probes, actuator Actuator) (*Watchdog, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10s"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid watchdog schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.RebootAfter <= 0 {
		cfg.RebootAfter = 15 * time.Minute
	}
	if cfg.SpoolHighWater <= 0 {
		cfg.SpoolHighWater = 0.9
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 3 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 60 * time.Second
	}
	if cfg.GPSDService == "" {
		cfg.GPSDService = "gpsd"
	}
	if cfg.ChronyService == "" {
		cfg.ChronyService = "chrony"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if actuator == nil {
		return nil, errors.New("watchdog requires an actuator")
	}

	return &Watchdog{
		cfg:      cfg,
		probes:   probes,
		actuator: actuator,
		logger:   cfg.Logger.With().Str("component", "watchdog").Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Check runs every probe concurrently, each bounded by CheckTimeout
func (w *Watchdog) Check(ctx context.Context) Report {
	r := Report{Time: w.cfg.Now()}

	var g errgroup.Group
	if w.probes.GPSD != nil {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, w.cfg.CheckTimeout)
			defer cancel()
			r.GPSDErr = w.probes.GPSD(pctx)
			return nil
		})
	}
	if w.probes.Chrony != nil {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, w.cfg.CheckTimeout)
			defer cancel()
			synced, err := w.probes.Chrony(pctx)
			if err == nil && !synced {
				err = ErrNotSynced
			}
			r.ChronyErr = err
			return nil
		})
	}
	if w.probes.Sink != nil {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, w.cfg.CheckTimeout)
			defer cancel()
			r.SinkErr = w.probes.Sink(pctx)
			return nil
		})
	}
	if w.probes.SpoolBytes != nil {
		g.Go(func() error {
			n, err := w.probes.SpoolBytes()
			if err != nil {
				w.logger.Warn().Err(err).Msg("Failed to measure spool")
				return nil
			}
			r.SpoolBytes = n
			r.SpoolFull = w.cfg.SpoolMaxBytes > 0 &&
				float64(n) > float64(w.cfg.SpoolMaxBytes)*w.cfg.SpoolHighWater
			return nil
		})
	}
	_ = g.Wait()

	return r
}

// Evaluate applies the remediation policy to a report. It returns true once
// the host has been rebooted; later calls do nothing.
func (w *Watchdog) Evaluate(ctx context.Context, r Report) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rebooted {
		return true
	}

	if r.GPSDErr != nil {
		w.logger.Warn().Err(r.GPSDErr).Msg("gpsd unhealthy")
		w.act(ctx, func(ctx context.Context) error { return w.actuator.RestartService(ctx, w.cfg.GPSDService) },
			"restart "+w.cfg.GPSDService)
	}
	if r.ChronyErr != nil {
		w.logger.Warn().Err(r.ChronyErr).Msg("chrony unhealthy")
		w.act(ctx, func(ctx context.Context) error { return w.actuator.RestartService(ctx, w.cfg.ChronyService) },
			"restart "+w.cfg.ChronyService)
	}
	if r.SinkErr != nil {
		w.logger.Info().Err(r.SinkErr).Msg("Sink unreachable")
	}
	if r.SpoolFull {
		w.logger.Warn().
			Int64("spool_bytes", r.SpoolBytes).
			Int64("max_bytes", w.cfg.SpoolMaxBytes).
			Msg("Spool above high-water mark")
	}

	if r.Healthy() {
		if !w.unhealthySince.IsZero() {
			w.logger.Info().
				Dur("unhealthy_for", r.Time.Sub(w.unhealthySince)).
				Msg("Node healthy again")
		}
		w.unhealthySince = time.Time{}
		return false
	}

	if w.unhealthySince.IsZero() {
		w.unhealthySince = r.Time
		return false
	}

	unhealthyFor := r.Time.Sub(w.unhealthySince)
	if unhealthyFor <= w.cfg.RebootAfter {
		return false
	}

	w.logger.Error().
		Dur("unhealthy_for", unhealthyFor).
		Dur("reboot_after", w.cfg.RebootAfter).
		Msg("Node unhealthy too long, rebooting")
	w.act(ctx, w.actuator.Reboot, "reboot")
	w.rebooted = true
	close(w.done)
	return true
}

func (w *Watchdog) act(ctx context.Context, fn func(ctx context.Context) error, action string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ActionTimeout)
	defer cancel()
	if err := fn(actx); err != nil {
		w.logger.Error().Err(err).Str("action", action).Msg("Remediation failed")
	}
}

// Tick runs one check and evaluation round
func (w *Watchdog) Tick(ctx context.Context) bool {
	if w.Rebooted() {
		return true
	}
	return w.Evaluate(ctx, w.Check(ctx))
}

// Rebooted reports whether the reboot action has been taken
func (w *Watchdog) Rebooted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rebooted
}

// UnhealthySince returns the start of the current unhealthy period, or the
// zero time when healthy
func (w *Watchdog) UnhealthySince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unhealthySince
}

// Run ticks on the configured schedule until ctx is cancelled or the host
// has been rebooted. Overlapping ticks are skipped.
func (w *Watchdog) Run(ctx context.Context) error {
	cl := cronLogger{logger: w.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(w.cfg.Schedule, func() { w.Tick(ctx) }); err != nil {
		return fmt.Errorf("schedule watchdog: %w", err)
	}

	w.logger.Info().
		Str("schedule", w.cfg.Schedule).
		Dur("reboot_after", w.cfg.RebootAfter).
		Msg("Watchdog started")
	c.Start()

	select {
	case <-ctx.Done():
	case <-w.done:
	}

	<-c.Stop().Done()
	w.logger.Info().Bool("rebooted", w.Rebooted()).Msg("Watchdog stopped")
	return nil
}

// cronLogger routes cron's logging through zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
