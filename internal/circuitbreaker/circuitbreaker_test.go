package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errSink = errors.New("sink returned 503")

func fail(context.Context) error    { return errSink }
func succeed(context.Context) error { return nil }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return New(Config{
		Name:        "influx",
		MaxFailures: 3,
		OpenTimeout: 10 * time.Second,
		Now:         clock.Now,
	}, zerolog.Nop())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestNewAppliesDefaults(t *testing.T) {
	cb := New(Config{Name: "sink"}, zerolog.Nop())
	assert.Equal(t, 3, cb.config.MaxFailures)
	assert.Equal(t, 10*time.Second, cb.config.OpenTimeout)
	assert.Equal(t, 1, cb.config.HalfOpenProbes)
	assert.Equal(t, StateClosed, cb.State())
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(&fakeClock{now: time.Unix(0, 0)})

	require.ErrorIs(t, cb.Execute(ctx, fail), errSink)
	require.ErrorIs(t, cb.Execute(ctx, fail), errSink)
	// A success in between resets the count
	require.NoError(t, cb.Execute(ctx, succeed))
	require.ErrorIs(t, cb.Execute(ctx, fail), errSink)
	require.ErrorIs(t, cb.Execute(ctx, fail), errSink)
	assert.Equal(t, StateClosed, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, fail), errSink)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, int64(1), cb.Stats()["rejected"])
}

func TestHalfOpenProbe(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(11 * time.Second)

	// Failed probe reopens the circuit and restarts the timeout
	require.ErrorIs(t, cb.Execute(ctx, fail), errSink)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)

	clock.Advance(11 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenAllowsOneProbeAtATime(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	clock.Advance(11 * time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()

	<-inProbe
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCancellationIsNotAFailure(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(&fakeClock{now: time.Unix(0, 0)})
	for i := 0; i < 5; i++ {
		cb.Execute(ctx, func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestOnStateChange(t *testing.T) {
	var transitions []string
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := New(Config{
		Name:        "influx",
		MaxFailures: 1,
		OpenTimeout: time.Second,
		Now:         clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}, zerolog.Nop())

	ctx := context.Background()
	cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)
	cb.Execute(ctx, succeed)
	cb.Execute(ctx, fail)
	cb.Reset()

	assert.Equal(t, []string{
		"influx:closed->open",
		"influx:open->half-open",
		"influx:half-open->closed",
		"influx:closed->open",
		"influx:open->closed",
	}, transitions)
}

func TestConcurrentExecute(t *testing.T) {
	cb := New(Config{Name: "sink", MaxFailures: 1000}, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				cb.Execute(ctx, succeed)
			} else {
				cb.Execute(ctx, fail)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}
