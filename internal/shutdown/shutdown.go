package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is implemented by components that can be shut down gracefully
type Closer interface {
	Close() error
}

// Hook performs cleanup during shutdown within the coordinator's deadline
type Hook func(ctx context.Context) error

// Coordinator owns the process context and closes registered components in
// priority order once a signal arrives or shutdown is triggered
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	steps []step

	shutdownOnce sync.Once
	shutdownErr  error
}

// step is either a component or a hook
type step struct {
	name     string
	priority int // Lower = shutdown first
	closer   Closer
	hook     Hook
}

// Priorities for the streamer's components
const (
	PriorityHTTPServer = 10 // Stop serving health requests first
	PrioritySources    = 20 // Stop reading gpsd and chrony
	PriorityPipeline   = 30 // Wait for the replay loop to exit
	PrioritySink       = 40 // Disconnect from the broker
	PrioritySpool      = 50 // Sync and close the active segment
	PriorityLogger     = 90 // Close the log file last
)

// New creates a shutdown coordinator whose Shutdown runs within timeout
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Context is cancelled when shutdown begins. Long-running loops use it as
// their process context.
func (c *Coordinator) Context() context.Context { return c.ctx }

// Register registers a component for graceful shutdown
func (c *Coordinator) Register(name string, component Closer, priority int) {
	c.add(step{name: name, priority: priority, closer: component})
}

// RegisterHook registers a shutdown hook function
func (c *Coordinator) RegisterHook(name string, hook Hook, priority int) {
	c.add(step{name: name, priority: priority, hook: hook})
}

func (c *Coordinator) add(s step) {
	c.mu.Lock()
	c.steps = append(c.steps, s)
	c.mu.Unlock()

	c.logger.Debug().
		Str("name", s.name).
		Int("priority", s.priority).
		Msg("Registered for shutdown")
}

// WaitForSignal blocks until SIGINT/SIGTERM arrives or shutdown is
// triggered, and cancels Context
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var sig os.Signal = syscall.SIGTERM
	select {
	case sig = <-quit:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-c.ctx.Done():
	}
	c.cancel()
	return sig
}

// TriggerShutdown cancels Context, releasing WaitForSignal. Safe to call
// from multiple goroutines.
func (c *Coordinator) TriggerShutdown() {
	if c.ctx.Err() == nil {
		c.logger.Info().Msg("Programmatic shutdown triggered")
	}
	c.cancel()
}

// Shutdown runs every hook and closes every component in ascending priority
// order; at equal priority, registration order is kept. Steps not reached
// before the timeout are skipped. The first error is returned.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		steps := make([]step, len(c.steps))
		copy(steps, c.steps)
		c.mu.Unlock()

		sort.SliceStable(steps, func(i, j int) bool { return steps[i].priority < steps[j].priority })

		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("steps", len(steps)).
			Msg("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		for i, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("name", s.name).
					Int("skipped", len(steps)-i).
					Msg("Shutdown timeout reached, skipping remaining steps")
				c.record(ctx.Err())
				return
			}

			var err error
			if s.hook != nil {
				err = s.hook(ctx)
			} else {
				err = s.closer.Close()
			}
			if err != nil {
				c.logger.Error().Err(err).Str("name", s.name).Msg("Shutdown step failed")
				c.record(err)
				continue
			}
			c.logger.Debug().Str("name", s.name).Msg("Shutdown step complete")
		}

		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})

	return c.shutdownErr
}

func (c *Coordinator) record(err error) {
	if c.shutdownErr == nil {
		c.shutdownErr = err
	}
}
