package spool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/friesr/pi5-ptp/internal/metrics"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/rs/zerolog"
)

// SyncMode defines how the active segment is flushed to disk
type SyncMode string

const (
	SyncModeAlways   SyncMode = "always"   // fsync after every append (safest)
	SyncModeInterval SyncMode = "interval" // fsync at most once per SyncInterval (default)
	SyncModeNone     SyncMode = "none"     // rely on the OS page cache
)

const (
	DefaultSegmentBytes = 10 * 1024 * 1024
	DefaultMaxBytes     = 20 * 1024 * 1024 * 1024
)

// ErrClosed is returned by operations on a closed spool
var ErrClosed = errors.New("spool is closed")

// Config holds configuration for a Spool
type Config struct {
	Directory    string        // Directory holding segment files
	MaxBytes     int64         // Retention ceiling across all segments (default: 20GB)
	SegmentBytes int64         // Rotate the active segment once it exceeds this size (default: 10MB)
	SyncMode     SyncMode      // always, interval, none
	SyncInterval time.Duration // Used with SyncModeInterval (default: 1s)
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Spool is a durable, size-bounded FIFO of records stored as a sequence of
// newline-delimited JSON segment files. Exactly one segment is active and
// accepts appends; all older segments are sealed and immutable.
//
// The manifest (sealed segments, active segment, running total) lives in
// memory and is rebuilt from the directory by Open. A single mutex guards the
// manifest and every file mutation; reading sealed segments during a drain
// happens outside it.
type Spool struct {
	config  Config
	logger  zerolog.Logger
	dropLog zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	sealed    []segment // oldest first
	active    *os.File
	activeSeg segment
	total     int64
	nextSeq   uint64
	lastSync  time.Time
	closed    bool
}

// Open scans the spool directory, adopts any existing segments as sealed and
// opens a fresh active segment after them.
func Open(cfg Config) (*Spool, error) {
	if cfg.Directory == "" {
		return nil, errors.New("spool directory is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = DefaultSegmentBytes
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncModeInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(zerolog.Nop())
	}

	// Spooled telemetry includes receiver position: owner-only permissions
	if err := os.MkdirAll(cfg.Directory, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	logger := cfg.Logger.With().Str("component", "spool").Logger()
	s := &Spool{
		config:  cfg,
		logger:  logger,
		dropLog: logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: time.Minute}),
		metrics: cfg.Metrics,
	}

	if err := s.recover(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openActiveLocked(); err != nil {
		return nil, err
	}
	s.enforceRetentionLocked()
	s.publishUsageLocked()

	s.logger.Info().
		Str("dir", cfg.Directory).
		Int("sealed_segments", len(s.sealed)).
		Int64("bytes", s.total).
		Int64("max_bytes", cfg.MaxBytes).
		Int64("segment_bytes", cfg.SegmentBytes).
		Str("sync_mode", string(cfg.SyncMode)).
		Msg("Spool opened")

	return s, nil
}

// recover rebuilds the manifest from the directory. Every existing segment is
// treated as sealed; empty leftovers from a previous run are removed.
func (s *Spool) recover() error {
	infos, err := Inspect(s.config.Directory)
	if err != nil {
		return err
	}

	for _, info := range infos {
		if info.Size == 0 {
			if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn().Err(err).Str("file", filepath.Base(info.Path)).Msg("Failed to remove empty segment")
			}
			continue
		}
		s.sealed = append(s.sealed, segment{seq: info.Seq, path: info.Path, size: info.Size})
		s.total += info.Size
	}
	sort.Slice(s.sealed, func(i, j int) bool { return s.sealed[i].seq < s.sealed[j].seq })

	if len(infos) > 0 {
		s.nextSeq = infos[len(infos)-1].Seq + 1
	} else {
		s.nextSeq = 1
	}

	if len(s.sealed) > 0 {
		s.logger.Info().
			Int("segments", len(s.sealed)).
			Int64("bytes", s.total).
			Msg("Recovered spooled segments")
	}
	return nil
}

// Append writes rec to the active segment, rotates if the segment grew past
// the rotation threshold and then enforces retention. It never returns an
// error: a record that cannot be written is logged, counted as dropped and
// discarded.
func (s *Spool) Append(rec models.Record) {
	line, err := json.Marshal(rec)
	if err != nil {
		s.drop(err, "Failed to encode record")
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.drop(ErrClosed, "Spool closed, record dropped")
		return
	}
	if s.active == nil {
		// A previous rotation could not open a new file; try again
		if err := s.openActiveLocked(); err != nil {
			s.drop(err, "No active segment, record dropped")
			return
		}
	}

	n, err := s.active.Write(line)
	s.activeSeg.size += int64(n)
	s.total += int64(n)
	if err != nil {
		s.drop(err, "Failed to write spool record")
		// Seal the segment so a torn line cannot merge with the next record
		if err := s.rotateLocked(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to rotate spool segment")
		}
		s.enforceRetentionLocked()
		s.publishUsageLocked()
		return
	}
	s.metrics.IncSpoolAppended(int64(n))

	s.maybeSyncLocked()

	if s.activeSeg.size > s.config.SegmentBytes {
		if err := s.rotateLocked(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to rotate spool segment")
		}
	}

	s.enforceRetentionLocked()
	s.publishUsageLocked()
}

func (s *Spool) drop(err error, msg string) {
	s.metrics.IncSpoolDropped()
	s.dropLog.Error().Err(err).Str("dir", s.config.Directory).Msg(msg)
}

// openActiveLocked creates a new active segment with the next sequence number
func (s *Spool) openActiveLocked() error {
	seq := s.nextSeq
	path := filepath.Join(s.config.Directory, segmentName(seq))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to create spool segment: %w", err)
	}

	s.nextSeq++
	s.active = f
	s.activeSeg = segment{seq: seq, path: path}
	s.lastSync = time.Now()

	s.logger.Debug().Str("file", filepath.Base(path)).Msg("Spool segment opened")
	return nil
}

// sealActiveLocked closes the active segment and moves it to the sealed list.
// Empty segments are removed instead.
func (s *Spool) sealActiveLocked() {
	if s.active == nil {
		return
	}
	if s.config.SyncMode != SyncModeNone {
		if err := s.active.Sync(); err != nil {
			s.logger.Warn().Err(err).Str("file", filepath.Base(s.activeSeg.path)).Msg("Failed to sync spool segment")
		}
	}
	if err := s.active.Close(); err != nil {
		s.logger.Warn().Err(err).Str("file", filepath.Base(s.activeSeg.path)).Msg("Failed to close spool segment")
	}
	s.active = nil

	if s.activeSeg.size == 0 {
		os.Remove(s.activeSeg.path)
		return
	}
	s.sealed = append(s.sealed, s.activeSeg)
}

// rotateLocked seals the active segment and opens a new one
func (s *Spool) rotateLocked() error {
	sealed := s.activeSeg
	s.sealActiveLocked()
	s.metrics.IncSpoolRotations()

	if err := s.openActiveLocked(); err != nil {
		return err
	}

	s.logger.Debug().
		Str("sealed", filepath.Base(sealed.path)).
		Int64("sealed_bytes", sealed.size).
		Str("active", filepath.Base(s.activeSeg.path)).
		Msg("Spool segment rotated")
	return nil
}

func (s *Spool) maybeSyncLocked() {
	switch s.config.SyncMode {
	case SyncModeAlways:
	case SyncModeInterval:
		if time.Since(s.lastSync) < s.config.SyncInterval {
			return
		}
	default:
		return
	}
	if err := s.active.Sync(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to sync spool segment")
	}
	s.lastSync = time.Now()
}

// enforceRetentionLocked deletes the oldest sealed segments until the total
// size is within MaxBytes. The active segment is never evicted.
func (s *Spool) enforceRetentionLocked() {
	for s.total > s.config.MaxBytes && len(s.sealed) > 0 {
		oldest := s.sealed[0]
		if err := os.Remove(oldest.path); err != nil && !os.IsNotExist(err) {
			s.logger.Error().Err(err).Str("file", filepath.Base(oldest.path)).Msg("Failed to evict spool segment")
			return
		}
		s.sealed = s.sealed[1:]
		s.total -= oldest.size
		s.metrics.IncSpoolEvicted(oldest.size)

		s.logger.Warn().
			Str("file", filepath.Base(oldest.path)).
			Int64("bytes", oldest.size).
			Int64("spool_bytes", s.total).
			Int64("max_bytes", s.config.MaxBytes).
			Msg("Spool over capacity, evicted oldest segment")
	}
}

func (s *Spool) publishUsageLocked() {
	s.metrics.SetSpoolUsage(s.total, s.segmentCountLocked())
}

func (s *Spool) segmentCountLocked() int {
	n := len(s.sealed)
	if s.active != nil {
		n++
	}
	return n
}

// Size returns the total bytes held in all segments
func (s *Spool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// SegmentCount returns the number of segments including the active one
func (s *Spool) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentCountLocked()
}

// Dir returns the spool directory
func (s *Spool) Dir() string { return s.config.Directory }

// MaxBytes returns the configured retention ceiling
func (s *Spool) MaxBytes() int64 { return s.config.MaxBytes }

// Stats returns spool statistics
func (s *Spool) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]interface{}{
		"directory":       s.config.Directory,
		"bytes":           s.total,
		"max_bytes":       s.config.MaxBytes,
		"utilization":     float64(s.total) / float64(s.config.MaxBytes),
		"segment_bytes":   s.config.SegmentBytes,
		"segments":        s.segmentCountLocked(),
		"sealed_segments": len(s.sealed),
		"active_bytes":    s.activeSeg.size,
		"sync_mode":       string(s.config.SyncMode),
		"closed":          s.closed,
	}
	if s.active != nil {
		stats["active_segment"] = filepath.Base(s.activeSeg.path)
	}
	if len(s.sealed) > 0 {
		stats["oldest_segment"] = filepath.Base(s.sealed[0].path)
	}
	return stats
}

// Close syncs and closes the active segment. Appends after Close are dropped.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.active != nil {
		if s.config.SyncMode != SyncModeNone {
			err = s.active.Sync()
		}
		if cerr := s.active.Close(); err == nil {
			err = cerr
		}
		s.active = nil
		if s.activeSeg.size == 0 {
			os.Remove(s.activeSeg.path)
		}
	}

	s.logger.Info().
		Int64("bytes", s.total).
		Int("sealed_segments", len(s.sealed)).
		Msg("Spool closed")
	return err
}
