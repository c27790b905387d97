package metrics

import (
	"sync"
	"time"
)

// TimeSeriesPoint is one sample of delivery and spool state
type TimeSeriesPoint struct {
	Timestamp time.Time              `json:"timestamp"`
	Values    map[string]interface{} `json:"values"`
}

// TimeSeriesBuffer is a fixed-size ring of samples
type TimeSeriesBuffer struct {
	mu       sync.RWMutex
	points   []TimeSeriesPoint
	size     int
	writePos int
	count    int
}

// History samples a Metrics instance at a fixed interval so the health API
// can show how spool occupancy and delivery counts moved over the last
// minutes, not only their current values.
type History struct {
	metrics  *Metrics
	buffer   *TimeSeriesBuffer
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHistory keeps bufferSize samples taken every interval
func NewHistory(m *Metrics, bufferSize int, interval time.Duration) *History {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &History{
		metrics:  m,
		buffer:   NewTimeSeriesBuffer(bufferSize),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func NewTimeSeriesBuffer(size int) *TimeSeriesBuffer {
	if size < 1 {
		size = 1
	}
	return &TimeSeriesBuffer{
		points: make([]TimeSeriesPoint, size),
		size:   size,
	}
}

// Start begins sampling in a background goroutine
func (h *History) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case now := <-ticker.C:
				h.Sample(now)
			}
		}
	}()
}

// Stop stops sampling and waits for the goroutine to exit
func (h *History) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

// Sample records the current metric values at now
func (h *History) Sample(now time.Time) {
	m := h.metrics
	h.buffer.Add(TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"spool_bytes":           m.spoolBytes.Load(),
			"spool_segments":        m.spoolSegments.Load(),
			"live_delivered_total":  m.liveDelivered.Load(),
			"live_failed_total":     m.liveFailed.Load(),
			"replay_records_total":  m.replayRecords.Load(),
			"replay_failures_total": m.replayFailures.Load(),
			"spool_dropped_total":   m.spoolDropped.Load(),
		},
	})
}

// Recent returns samples newer than the given number of minutes, oldest first
func (h *History) Recent(durationMinutes int) []TimeSeriesPoint {
	return h.buffer.GetRecent(time.Now(), durationMinutes)
}

// Add appends a point, overwriting the oldest when full
func (b *TimeSeriesBuffer) Add(point TimeSeriesPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.points[b.writePos] = point
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// GetRecent returns points within durationMinutes of now, oldest first
func (b *TimeSeriesBuffer) GetRecent(now time.Time, durationMinutes int) []TimeSeriesPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := now.Add(-time.Duration(durationMinutes) * time.Minute)
	var result []TimeSeriesPoint
	for i := 0; i < b.count; i++ {
		idx := (b.writePos - b.count + i + b.size) % b.size
		point := b.points[idx]
		if point.Timestamp.After(cutoff) {
			result = append(result, point)
		}
	}
	return result
}
