package spool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/friesr/pi5-ptp/pkg/models"
)

// DefaultBatchSize is the number of records handed to a BatchHandler at once
const DefaultBatchSize = 1000

// BatchHandler receives records in spool order. A non-nil error means the
// batch was not delivered and stops the drain.
type BatchHandler func(ctx context.Context, batch []models.Record) error

// DrainStats holds statistics about one Drain call
type DrainStats struct {
	Segments     int // segments fully delivered and deleted
	Batches      int
	Records      int
	CorruptLines int
	Duration     time.Duration
}

// errSegmentGone means a segment was evicted before the drain could open it
var errSegmentGone = errors.New("segment no longer exists")

// Drain delivers sealed segments oldest-first. Each segment is read in
// batches of up to batchSize records; batches never span segments. A segment
// is deleted only after every one of its batches was accepted by handler.
//
// When handler fails, Drain stops immediately and returns the error: the
// failing segment and all newer ones stay on disk untouched, while older
// segments that were fully delivered in this call have already been removed.
// ctx is checked between segments.
//
// The active segment is only drained once no sealed backlog is left: it is
// sealed then, and the next Drain picks it up.
func (s *Spool) Drain(ctx context.Context, batchSize int, handler BatchHandler) (DrainStats, error) {
	start := time.Now()
	var stats DrainStats
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	segs, err := s.drainable()
	if err != nil {
		return stats, err
	}

	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			stats.Duration = time.Since(start)
			return stats, err
		}

		batches, records, corrupt, err := s.drainSegment(ctx, seg, batchSize, handler)
		stats.Batches += batches
		stats.Records += records
		stats.CorruptLines += corrupt
		if corrupt > 0 {
			s.metrics.IncReplayCorrupt(corrupt)
			s.logger.Warn().
				Str("file", filepath.Base(seg.path)).
				Int("corrupt_lines", corrupt).
				Msg("Skipped corrupt spool lines")
		}

		if errors.Is(err, errSegmentGone) {
			continue
		}
		if err != nil {
			stats.Duration = time.Since(start)
			s.logger.Warn().
				Err(err).
				Str("file", filepath.Base(seg.path)).
				Int("delivered_records", records).
				Msg("Spool segment partially drained - keeping for retry")
			return stats, err
		}

		s.removeDrained(seg)
		stats.Segments++
		s.metrics.IncReplaySegments()
		s.logger.Debug().
			Str("file", filepath.Base(seg.path)).
			Int("records", records).
			Msg("Spool segment drained and deleted")
	}

	stats.Duration = time.Since(start)
	if stats.Segments > 0 {
		s.logger.Info().
			Int("segments", stats.Segments).
			Int("batches", stats.Batches).
			Int("records", stats.Records).
			Int("corrupt", stats.CorruptLines).
			Dur("duration", stats.Duration).
			Msg("Spool drain complete")
	}
	return stats, nil
}

// drainable returns a snapshot of the sealed segments, sealing a non-empty
// active segment first when there is nothing older to deliver.
func (s *Spool) drainable() ([]segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(s.sealed) == 0 && s.active != nil && s.activeSeg.size > 0 {
		if err := s.rotateLocked(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to rotate spool segment for drain")
		}
		s.publishUsageLocked()
	}
	return append([]segment(nil), s.sealed...), nil
}

// drainSegment reads one sealed segment without holding the spool lock and
// hands its records to handler in batches.
func (s *Spool) drainSegment(ctx context.Context, seg segment, batchSize int, handler BatchHandler) (batches, records, corrupt int, err error) {
	f, err := os.Open(seg.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, 0, errSegmentGone
		}
		return 0, 0, 0, fmt.Errorf("failed to open spool segment: %w", err)
	}
	defer f.Close()

	batch := make([]models.Record, 0, batchSize)
	flush := func() error {
		if err := handler(ctx, batch); err != nil {
			return err
		}
		batches++
		records += len(batch)
		s.metrics.IncReplayBatch(len(batch))
		batch = make([]models.Record, 0, batchSize)
		return nil
	}

	corrupt, err = scanRecords(f, func(rec models.Record) error {
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return batches, records, corrupt, err
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return batches, records, corrupt, err
		}
	}
	return batches, records, corrupt, nil
}

// removeDrained deletes a fully delivered segment and drops it from the
// manifest. A segment already evicted by retention is ignored. If the file
// cannot be removed it stays in the manifest and is delivered again later.
func (s *Spool) removeDrained(seg segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, sg := range s.sealed {
		if sg.seq == seg.seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
		s.logger.Error().Err(err).Str("file", filepath.Base(seg.path)).Msg("Failed to delete drained spool segment")
		return
	}
	s.sealed = append(s.sealed[:idx], s.sealed[idx+1:]...)
	s.total -= seg.size
	s.publishUsageLocked()
}
