// Package pipeline couples the live delivery path with background replay of
// the spool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friesr/pi5-ptp/internal/circuitbreaker"
	"github.com/friesr/pi5-ptp/internal/metrics"
	"github.com/friesr/pi5-ptp/internal/sink"
	"github.com/friesr/pi5-ptp/internal/spool"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Store is the durable queue the pipeline falls back to
type Store interface {
	Append(rec models.Record)
	Drain(ctx context.Context, batchSize int, handler spool.BatchHandler) (spool.DrainStats, error)
}

// Source produces records until ctx is cancelled. Sources own their
// reconnect logic; an error return is treated as fatal for the pipeline.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(models.Record)) error
}

// Config holds pipeline timing
type Config struct {
	LiveTimeout    time.Duration // Bound on every sink call (default: 3s)
	ReplayInterval time.Duration // Pause between replay cycles (default: 2s)
	ReplayBackoff  time.Duration // Pause after a failed replay cycle (default: 5s)
	BatchSize      int           // Records per replay batch (default: 1000)
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	// Breaker, when set, guards the live path so a down sink is not waited
	// on for every record
	Breaker *circuitbreaker.CircuitBreaker
}

// Pipeline delivers records live and spools the ones that fail. A background
// loop drains the spool in FIFO order. The two paths share no lock during a
// sink call; only the spool's own bookkeeping is serialized.
type Pipeline struct {
	config  Config
	sink    sink.Sink
	store   Store
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  zerolog.Logger
	failLog zerolog.Logger
}

// New creates a pipeline delivering to s and spooling to store
func New(cfg Config, s sink.Sink, store Store) *Pipeline {
	if cfg.LiveTimeout <= 0 {
		cfg.LiveTimeout = 3 * time.Second
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = 2 * time.Second
	}
	if cfg.ReplayBackoff <= 0 {
		cfg.ReplayBackoff = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = spool.DefaultBatchSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(zerolog.Nop())
	}

	logger := cfg.Logger.With().Str("component", "pipeline").Logger()
	return &Pipeline{
		config:  cfg,
		sink:    s,
		store:   store,
		breaker: cfg.Breaker,
		metrics: cfg.Metrics,
		logger:  logger,
		failLog: logger.Sample(&zerolog.BurstSampler{Burst: 3, Period: 30 * time.Second}),
	}
}

// Handle makes one bounded delivery attempt for rec and spools it on any
// failure. It never returns an error; at worst it blocks for LiveTimeout.
func (p *Pipeline) Handle(ctx context.Context, rec models.Record) {
	p.HandleBatch(ctx, []models.Record{rec})
}

// HandleBatch is Handle for records that arrive together. The batch gets a
// single delivery attempt and is spooled as a whole if it fails.
func (p *Pipeline) HandleBatch(ctx context.Context, batch []models.Record) {
	if len(batch) == 0 {
		return
	}
	p.metrics.AddRecordsReceived(len(batch))

	err := p.deliverLive(ctx, batch)
	if err == nil {
		p.metrics.AddLiveDelivered(len(batch))
		return
	}

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		p.metrics.AddLiveShortCircuit(len(batch))
	} else {
		p.metrics.AddLiveFailed(len(batch))
		p.failLog.Warn().
			Err(err).
			Str("measurement", batch[0].Measurement()).
			Int("records", len(batch)).
			Msg("Live delivery failed, spooling records")
	}
	for _, rec := range batch {
		p.store.Append(rec)
	}
}

func (p *Pipeline) deliverLive(ctx context.Context, batch []models.Record) error {
	if p.breaker == nil {
		return p.deliver(ctx, batch)
	}
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.deliver(ctx, batch)
	})
}

// deliver calls the sink on a context detached from process cancellation, so
// an in-flight call is bounded only by LiveTimeout.
func (p *Pipeline) deliver(ctx context.Context, batch []models.Record) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.LiveTimeout)
	defer cancel()
	return p.sink.Deliver(callCtx, batch)
}

// ReplayOnce drains the spool through the sink. It stops at the first failed
// batch and returns that error.
func (p *Pipeline) ReplayOnce(ctx context.Context) (spool.DrainStats, error) {
	p.metrics.IncReplayCycles()

	stats, err := p.store.Drain(ctx, p.config.BatchSize, p.deliver)
	if err != nil && ctx.Err() == nil {
		p.metrics.IncReplayFailures()
		return stats, fmt.Errorf("replay: %w", err)
	}
	if stats.Records > 0 {
		p.logger.Info().
			Int("records", stats.Records).
			Int("segments", stats.Segments).
			Dur("duration", stats.Duration).
			Msg("Replayed spooled records")
	}
	return stats, err
}

// RunReplay drains the spool every ReplayInterval, waiting ReplayBackoff
// instead after a failed cycle. It returns nil once ctx is cancelled.
func (p *Pipeline) RunReplay(ctx context.Context) error {
	p.logger.Info().
		Dur("interval", p.config.ReplayInterval).
		Dur("backoff", p.config.ReplayBackoff).
		Int("batch_size", p.config.BatchSize).
		Msg("Replay loop started")

	timer := time.NewTimer(p.config.ReplayInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Replay loop stopped")
			return nil
		case <-timer.C:
		}

		wait := p.config.ReplayInterval
		if _, err := p.ReplayOnce(ctx); err != nil && ctx.Err() == nil {
			wait = p.config.ReplayBackoff
			p.failLog.Warn().Err(err).Dur("backoff", wait).Msg("Replay cycle failed")
		}
		timer.Reset(wait)
	}
}

// Run starts every source and the replay loop and blocks until ctx is
// cancelled or a source fails.
func (p *Pipeline) Run(ctx context.Context, sources ...Source) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, src := range sources {
		g.Go(func() error {
			p.logger.Info().Str("source", src.Name()).Msg("Source started")
			err := src.Run(gctx, func(rec models.Record) { p.Handle(gctx, rec) })
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			p.logger.Info().Str("source", src.Name()).Msg("Source stopped")
			return nil
		})
	}

	g.Go(func() error { return p.RunReplay(gctx) })

	return g.Wait()
}
