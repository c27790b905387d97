package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferWrapsAndFilters(t *testing.T) {
	b := NewLogBuffer(3)
	now := time.Now()

	b.Add(LogEntry{Timestamp: now, Level: "INFO", Message: "one"})
	b.Add(LogEntry{Timestamp: now, Level: "WARN", Message: "two"})
	b.Add(LogEntry{Timestamp: now, Level: "DEBUG", Message: "three"})
	b.Add(LogEntry{Timestamp: now, Level: "ERROR", Message: "four"})

	assert.Equal(t, 3, b.Count())

	all := b.GetRecent(0, "", 0)
	require.Len(t, all, 3)
	assert.Equal(t, "four", all[0].Message)
	assert.Equal(t, "two", all[2].Message)

	warn := b.GetRecent(10, "warn", 0)
	require.Len(t, warn, 2)
	assert.Equal(t, "four", warn[0].Message)
	assert.Equal(t, "two", warn[1].Message)

	assert.Len(t, b.GetRecent(1, "", 0), 1)
}

func TestLogBufferSinceMinutes(t *testing.T) {
	b := NewLogBuffer(10)
	b.Add(LogEntry{Timestamp: time.Now().Add(-2 * time.Hour), Level: "INFO", Message: "old"})
	b.Add(LogEntry{Timestamp: time.Now(), Level: "INFO", Message: "new"})

	recent := b.GetRecent(0, "", 30)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Message)
}

func TestLogBufferWriterParsesZerolog(t *testing.T) {
	var out bytes.Buffer
	w := &LogBufferWriter{buffer: NewLogBuffer(10), original: &out}

	l := zerolog.New(w).With().Timestamp().Str("component", "spool").Logger()
	l.Warn().Str("error", "disk full").Msg("Dropping record")

	assert.Contains(t, out.String(), "Dropping record")

	entries := w.buffer.GetRecent(0, "", 0)
	require.Len(t, entries, 1)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "spool", entries[0].Component)
	assert.Equal(t, "Dropping record", entries[0].Message)
	assert.Equal(t, "disk full", entries[0].Error)

	_, err := w.Write([]byte("not json\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, w.buffer.Count())
}

func TestSetupWritesToFile(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "logs", "ptp-streamer.log")
	closer, err := Setup(Config{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	l := Get("test")
	l.Info().Msg("file output works")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), "file output works")

	found := false
	for _, e := range GetBuffer().GetRecent(0, "", 0) {
		if e.Message == "file output works" {
			found = true
		}
	}
	assert.True(t, found, "Setup should tee entries into the global buffer")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("verbose"))
}
