package chrony

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/friesr/pi5-ptp/internal/metrics"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const syncedCSV = "C0A80101,gps-pps,1,1700000000.250000000,-0.000000123,0.000000045,0.000000210,-12.345,0.001,0.012,0.000001000,0.000010500,16.1,Normal\n"

func TestParseTracking(t *testing.T) {
	tr, err := ParseTracking([]byte(syncedCSV))
	require.NoError(t, err)

	assert.Equal(t, "C0A80101", tr.ReferenceID)
	assert.Equal(t, "gps-pps", tr.ReferenceName)
	assert.Equal(t, int64(1), tr.Stratum)
	assert.Equal(t, time.Unix(1700000000, 250000000).UTC(), tr.ReferenceTime)
	assert.InDelta(t, -0.000000123, tr.SystemTimeOffset, 1e-15)
	assert.InDelta(t, -12.345, tr.Frequency, 1e-9)
	assert.InDelta(t, 16.1, tr.UpdateInterval, 1e-9)
	assert.Equal(t, "Normal", tr.LeapStatus)
	assert.True(t, tr.Synced())
}

func TestParseTrackingUnsynced(t *testing.T) {
	tr, err := ParseTracking([]byte("00000000,,0,0.000000000,0.000000000,0.000000000,0.000000000,0.000,0.000,0.000,1.000000000,1.000000000,0.0,Not synchronised"))
	require.NoError(t, err)
	assert.False(t, tr.Synced())
	assert.Equal(t, "Not synchronised", tr.LeapStatus)
}

func TestParseTrackingMalformed(t *testing.T) {
	for name, in := range map[string]string{
		"empty":         "",
		"human format":  "Reference ID    : C0A80101 (gps-pps)\nStratum         : 1",
		"short":         "C0A80101,gps-pps,1",
		"bad stratum":   "C0A80101,gps-pps,x,1700000000.25,0,0,0,0,0,0,0,0,16,Normal",
		"bad frequency": "C0A80101,gps-pps,1,1700000000.25,0,0,0,fast,0,0,0,0,16,Normal",
	} {
		_, err := ParseTracking([]byte(in))
		assert.ErrorIs(t, err, ErrMalformedTracking, name)
	}
}

func TestReadTrackingUsesRunner(t *testing.T) {
	var gotName string
	var gotArgs []string
	runner := func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte(syncedCSV), nil
	}

	tr, err := ReadTracking(context.Background(), runner, "/usr/bin/chronyc")
	require.NoError(t, err)
	assert.True(t, tr.Synced())
	assert.Equal(t, "/usr/bin/chronyc", gotName)
	assert.Equal(t, []string{"-c", "tracking"}, gotArgs)

	failing := func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("506 Cannot talk to daemon")
	}
	_, err = ReadTracking(context.Background(), failing, "")
	assert.Error(t, err)
}

func TestTrackingRecord(t *testing.T) {
	tr, err := ParseTracking([]byte(syncedCSV))
	require.NoError(t, err)

	now := time.Unix(1700000100, 0)
	rec, err := tr.Record(now)
	require.NoError(t, err)

	assert.Equal(t, "chrony", rec.Measurement())
	ref, _ := rec.Tag("ref_name")
	assert.Equal(t, "gps-pps", ref.Str())
	stratum, _ := rec.Field("stratum")
	assert.Equal(t, models.KindInt, stratum.Kind())
	synced, _ := rec.Field("synced")
	assert.True(t, synced.Bool())
	ns, _ := rec.Timestamp().Nanos()
	assert.Equal(t, now.UnixNano(), ns)
}

func TestSamplerEmitsAndSkipsFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	runner := func(context.Context, string, ...string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 2 {
			return []byte("garbage"), nil
		}
		return []byte(syncedCSV), nil
	}

	m := metrics.New(zerolog.Nop())
	s := NewSampler(SamplerConfig{
		Interval: 10 * time.Millisecond,
		Runner:   runner,
		Logger:   zerolog.Nop(),
		Metrics:  m,
	})

	var recMu sync.Mutex
	var recs []models.Record
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(r models.Record) {
			recMu.Lock()
			recs = append(recs, r)
			recMu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		recMu.Lock()
		defer recMu.Unlock()
		return len(recs) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int64(1), m.Snapshot()["decode_errors_total"])
}
