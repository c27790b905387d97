package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/friesr/pi5-ptp/internal/circuitbreaker"
	"github.com/friesr/pi5-ptp/internal/metrics"
	"github.com/friesr/pi5-ptp/internal/spool"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records delivered batches and fails while down is set
type fakeSink struct {
	mu        sync.Mutex
	down      atomic.Bool
	block     chan struct{}
	calls     atomic.Int64
	delivered []models.Record
	ctxErrs   []error
}

var errDown = errors.New("sink down")

func (s *fakeSink) Deliver(ctx context.Context, batch []models.Record) error {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	if s.down.Load() {
		return errDown
	}
	s.delivered = append(s.delivered, batch...)
	return nil
}

func (s *fakeSink) records() []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Record(nil), s.delivered...)
}

func seqRecord(t *testing.T, i int) models.Record {
	t.Helper()
	rec, err := models.NewBuilder("gnss").
		Tag("mode", models.Int(3)).
		Field("seq", models.Int(int64(i))).
		Time(models.At(int64(i))).
		Build()
	require.NoError(t, err)
	return rec
}

func seqs(recs []models.Record) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		v, _ := r.Field("seq")
		out = append(out, v.Int())
	}
	return out
}

func newSpool(t *testing.T) *spool.Spool {
	t.Helper()
	s, err := spool.Open(spool.Config{
		Directory: t.TempDir(),
		SyncMode:  spool.SyncModeNone,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newPipeline(t *testing.T, snk *fakeSink, store Store, m *metrics.Metrics) *Pipeline {
	t.Helper()
	return New(Config{
		LiveTimeout:    200 * time.Millisecond,
		ReplayInterval: 10 * time.Millisecond,
		ReplayBackoff:  30 * time.Millisecond,
		BatchSize:      4,
		Logger:         zerolog.Nop(),
		Metrics:        m,
	}, snk, store)
}

func TestHandleDeliversLive(t *testing.T) {
	snk := &fakeSink{}
	sp := newSpool(t)
	m := metrics.New(zerolog.Nop())
	p := newPipeline(t, snk, sp, m)

	p.Handle(context.Background(), seqRecord(t, 1))

	assert.Equal(t, []int64{1}, seqs(snk.records()))
	assert.Zero(t, sp.Size())
	assert.Equal(t, int64(1), m.Snapshot()["live_delivered_total"])
}

func TestHandleSpoolsOnFailureAndReplayDelivers(t *testing.T) {
	snk := &fakeSink{}
	snk.down.Store(true)
	sp := newSpool(t)
	m := metrics.New(zerolog.Nop())
	p := newPipeline(t, snk, sp, m)

	for i := 0; i < 10; i++ {
		p.Handle(context.Background(), seqRecord(t, i))
	}
	assert.Greater(t, sp.Size(), int64(0))
	assert.Equal(t, int64(10), m.Snapshot()["live_failed_total"])

	// Sink still down: replay fails and keeps everything
	_, err := p.ReplayOnce(context.Background())
	require.ErrorIs(t, err, errDown)
	assert.Greater(t, sp.Size(), int64(0))

	snk.down.Store(false)
	_, err = p.ReplayOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seqs(snk.records()))
	assert.Zero(t, sp.Size())
	assert.Equal(t, int64(1), m.Snapshot()["replay_failures_total"])
}

func TestHandleIsBoundedByLiveTimeout(t *testing.T) {
	snk := &fakeSink{block: make(chan struct{})}
	defer close(snk.block)
	sp := newSpool(t)
	p := newPipeline(t, snk, sp, nil)

	start := time.Now()
	p.Handle(context.Background(), seqRecord(t, 1))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Greater(t, sp.Size(), int64(0), "timed out record must be spooled")
}

func TestSinkCallIgnoresProcessCancellation(t *testing.T) {
	snk := &fakeSink{}
	p := newPipeline(t, snk, newSpool(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Handle(ctx, seqRecord(t, 1))

	require.Len(t, snk.ctxErrs, 1)
	assert.NoError(t, snk.ctxErrs[0])
	assert.Len(t, snk.records(), 1)
}

func TestOpenBreakerSpoolsWithoutCallingSink(t *testing.T) {
	snk := &fakeSink{}
	snk.down.Store(true)
	sp := newSpool(t)
	m := metrics.New(zerolog.Nop())

	p := New(Config{
		LiveTimeout: 100 * time.Millisecond,
		Logger:      zerolog.Nop(),
		Metrics:     m,
		Breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:        "sink",
			MaxFailures: 2,
			OpenTimeout: time.Hour,
		}, zerolog.Nop()),
	}, snk, sp)

	for i := 0; i < 5; i++ {
		p.Handle(context.Background(), seqRecord(t, i))
	}

	assert.Equal(t, int64(2), snk.calls.Load())
	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap["live_failed_total"])
	assert.Equal(t, int64(3), snap["live_short_circuit_total"])

	snk.down.Store(false)
	_, err := p.ReplayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, seqs(snk.records()))
}

func TestRunReplayBacksOffAndRecovers(t *testing.T) {
	snk := &fakeSink{}
	snk.down.Store(true)
	sp := newSpool(t)
	p := newPipeline(t, snk, sp, nil)

	for i := 0; i < 6; i++ {
		sp.Append(seqRecord(t, i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.RunReplay(ctx) }()

	time.Sleep(100 * time.Millisecond)
	failedCalls := snk.calls.Load()
	// 10ms cadence would give ~10 attempts; the 30ms backoff keeps it lower
	assert.LessOrEqual(t, failedCalls, int64(5))
	assert.GreaterOrEqual(t, failedCalls, int64(1))

	snk.down.Store(false)
	require.Eventually(t, func() bool { return sp.Size() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, seqs(snk.records()))
}

type sliceSource struct {
	recs []models.Record
	done chan struct{}
}

func (s *sliceSource) Name() string { return "test" }

func (s *sliceSource) Run(ctx context.Context, emit func(models.Record)) error {
	for _, rec := range s.recs {
		emit(rec)
	}
	close(s.done)
	<-ctx.Done()
	return ctx.Err()
}

func TestRunDeliversEverythingAcrossOutage(t *testing.T) {
	snk := &fakeSink{}
	snk.down.Store(true)
	sp := newSpool(t)
	p := newPipeline(t, snk, sp, nil)

	src := &sliceSource{done: make(chan struct{})}
	for i := 0; i < 20; i++ {
		src.recs = append(src.recs, seqRecord(t, i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, src) }()

	<-src.done
	snk.down.Store(false)

	require.Eventually(t, func() bool { return len(snk.records()) >= 20 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	seen := make(map[int64]bool)
	for _, s := range seqs(snk.records()) {
		seen[s] = true
	}
	assert.Len(t, seen, 20)
}

type failingSource struct{}

func (failingSource) Name() string { return "broken" }
func (failingSource) Run(context.Context, func(models.Record)) error {
	return errors.New("device missing")
}

func TestRunStopsOnSourceError(t *testing.T) {
	p := newPipeline(t, &fakeSink{}, newSpool(t), nil)
	err := p.Run(context.Background(), failingSource{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestHandleBatchSpoolsWholeBatchOnFailure(t *testing.T) {
	snk := &fakeSink{}
	snk.down.Store(true)
	sp := newSpool(t)
	m := metrics.New(zerolog.Nop())
	p := newPipeline(t, snk, sp, m)

	p.HandleBatch(context.Background(), []models.Record{seqRecord(t, 1), seqRecord(t, 2), seqRecord(t, 3)})
	p.HandleBatch(context.Background(), nil)

	assert.Equal(t, int64(1), snk.calls.Load(), "one attempt per batch")
	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap["records_received_total"])
	assert.Equal(t, int64(3), snap["live_failed_total"])

	snk.down.Store(false)
	_, err := p.ReplayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, seqs(snk.records()))
}
