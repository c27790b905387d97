package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the breaker state
type State int

const (
	StateClosed   State = iota // Sink healthy, calls pass through
	StateOpen                  // Sink failing, calls rejected without trying
	StateHalfOpen              // Probing whether the sink recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected without being attempted
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	// Name for logging
	Name string

	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int

	// OpenTimeout is how long the circuit stays open before a probe is allowed
	OpenTimeout time.Duration

	// HalfOpenProbes is the number of concurrent probe calls allowed while
	// half-open, and the number of successes needed to close again
	HalfOpenProbes int

	// OnStateChange is called with the breaker lock held; it must not call
	// back into the breaker
	OnStateChange func(name string, from, to State)

	// Now overrides the clock, for tests
	Now func() time.Time
}

// DefaultConfig returns the configuration used for the live delivery path
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		MaxFailures:    3,
		OpenTimeout:    10 * time.Second,
		HalfOpenProbes: 1,
	}
}

// CircuitBreaker short-circuits calls to a dependency that keeps failing so
// callers can fall back immediately instead of waiting out a timeout.
type CircuitBreaker struct {
	config Config
	logger zerolog.Logger

	mu             sync.Mutex
	state          State
	failures       int
	probeSuccesses int
	probesInFlight int
	openedAt       time.Time
	rejected       int64
}

// New creates a circuit breaker. Zero config values fall back to DefaultConfig.
func New(cfg Config, logger zerolog.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		config: cfg,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", cfg.Name).Logger(),
		state:  StateClosed,
	}
}

// Execute runs fn unless the circuit is open, and records its outcome.
// Context cancellation is not counted as a failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, ok := cb.allow()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe {
		cb.probesInFlight--
	}
	switch {
	case err == nil:
		cb.onSuccess()
	case errors.Is(err, context.Canceled):
	default:
		cb.onFailure()
	}
	return err
}

// allow reports whether a call may proceed and whether it is a half-open probe
func (cb *CircuitBreaker) allow() (probe bool, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.config.Now().Sub(cb.openedAt) < cb.config.OpenTimeout {
			cb.rejected++
			return false, false
		}
		cb.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probesInFlight >= cb.config.HalfOpenProbes {
			cb.rejected++
			return false, false
		}
		cb.probesInFlight++
		return true, true
	default:
		return false, true
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.config.HalfOpenProbes {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.probeSuccesses = 0
	if newState == StateOpen {
		cb.openedAt = cb.config.Now()
	}

	event := cb.logger.Info()
	if newState == StateOpen {
		event = cb.logger.Warn()
	}
	event.Str("from", oldState.String()).Str("to", newState.String()).Msg("Circuit breaker state changed")

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns circuit breaker statistics
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"name":                 cb.config.Name,
		"state":                cb.state.String(),
		"failures":             cb.failures,
		"max_failures":         cb.config.MaxFailures,
		"open_timeout_seconds": cb.config.OpenTimeout.Seconds(),
		"rejected":             cb.rejected,
	}
}

// Reset forces the circuit closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
}
