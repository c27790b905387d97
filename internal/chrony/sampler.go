package chrony

import (
	"context"
	"time"

	"github.com/friesr/pi5-ptp/internal/metrics"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/rs/zerolog"
)

// Measurement is the name of records emitted by Sampler
const Measurement = "chrony"

// SamplerConfig configures periodic tracking sampling
type SamplerConfig struct {
	Command  string        // chronyc binary (default: chronyc)
	Interval time.Duration // Time between samples (default: 10s)
	Timeout  time.Duration // Bound on each chronyc run (default: 3s)
	Runner   CommandRunner // Defaults to ExecRunner
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Sampler emits one chrony record per interval. It implements
// pipeline.Source.
type Sampler struct {
	config  SamplerConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewSampler creates a tracking sampler
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(zerolog.Nop())
	}

	logger := cfg.Logger.With().Str("component", "chrony").Logger()
	return &Sampler{
		config:  cfg,
		logger:  logger.Sample(&zerolog.BurstSampler{Burst: 3, Period: 5 * time.Minute}),
		metrics: cfg.Metrics,
	}
}

func (s *Sampler) Name() string { return "chrony" }

// Run samples immediately and then every Interval until ctx is cancelled
func (s *Sampler) Run(ctx context.Context, emit func(models.Record)) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if rec, ok := s.sample(ctx); ok {
			emit(rec)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sampler) sample(ctx context.Context) (models.Record, bool) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	t, err := ReadTracking(runCtx, s.config.Runner, s.config.Command)
	if err != nil {
		if ctx.Err() != nil {
			return models.Record{}, false
		}
		s.metrics.IncDecodeErrors(s.Name())
		s.logger.Warn().Err(err).Msg("Failed to sample chrony tracking")
		return models.Record{}, false
	}

	rec, err := t.Record(s.config.Now())
	if err != nil {
		s.metrics.IncDecodeErrors(s.Name())
		s.logger.Warn().Err(err).Msg("Failed to build chrony record")
		return models.Record{}, false
	}
	return rec, true
}

// Record converts a tracking report into a chrony record stamped at now
func (t Tracking) Record(now time.Time) (models.Record, error) {
	b := models.NewBuilder(Measurement)
	if t.ReferenceName != "" {
		b.Tag("ref_name", models.String(t.ReferenceName))
	}
	if t.LeapStatus != "" {
		b.Tag("leap", models.String(t.LeapStatus))
	}
	return b.Field("stratum", models.Int(t.Stratum)).
		Field("system_time_offset", models.Float(t.SystemTimeOffset)).
		Field("last_offset", models.Float(t.LastOffset)).
		Field("rms_offset", models.Float(t.RMSOffset)).
		Field("frequency_ppm", models.Float(t.Frequency)).
		Field("residual_freq_ppm", models.Float(t.ResidualFreq)).
		Field("skew_ppm", models.Float(t.Skew)).
		Field("root_delay", models.Float(t.RootDelay)).
		Field("root_dispersion", models.Float(t.RootDispersion)).
		Field("update_interval", models.Float(t.UpdateInterval)).
		Field("synced", models.Bool(t.Synced())).
		Time(models.AtTime(now)).
		Build()
}
