package sink

import (
	"context"
	"time"

	"github.com/friesr/pi5-ptp/internal/metrics"
	"github.com/friesr/pi5-ptp/pkg/models"
)

// Instrumented wraps a Sink and records request outcome and latency
type Instrumented struct {
	name    string
	next    Sink
	metrics *metrics.Metrics
}

func NewInstrumented(name string, next Sink, m *metrics.Metrics) *Instrumented {
	return &Instrumented{name: name, next: next, metrics: m}
}

func (s *Instrumented) Deliver(ctx context.Context, batch []models.Record) error {
	start := time.Now()
	err := s.next.Deliver(ctx, batch)
	s.metrics.ObserveSinkRequest(s.name, time.Since(start), err)
	return err
}
