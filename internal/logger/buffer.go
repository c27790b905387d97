package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// DefaultBufferSize is the number of entries kept for /api/v1/logs
const DefaultBufferSize = 2000

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Caller    string    `json:"caller,omitempty"`
}

// LogBuffer is a circular buffer that stores recent log entries
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	size     int
	writePos int
	count    int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the global log buffer instance
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(DefaultBufferSize)
	})
	return globalBuffer
}

// NewLogBuffer creates a new log buffer with specified capacity
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add adds a log entry to the buffer
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// GetRecent returns up to limit entries, newest first, at or above level and
// no older than sinceMinutes. Zero values disable the respective filter.
func (b *LogBuffer) GetRecent(limit int, level string, sinceMinutes int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}

	var cutoff time.Time
	if sinceMinutes > 0 {
		cutoff = time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)
	}
	levelUpper := strings.ToUpper(level)

	result := make([]LogEntry, 0, limit)
	for i := 0; i < b.count && len(result) < limit; i++ {
		entry := b.entries[(b.writePos-1-i+b.size)%b.size]

		if entry.Timestamp.Before(cutoff) {
			continue
		}
		if levelUpper != "" && !matchesLevel(entry.Level, levelUpper) {
			continue
		}
		result = append(result, entry)
	}

	return result
}

var levelPriority = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
	"FATAL": 4,
}

// matchesLevel checks if the entry level matches or exceeds the filter level
func matchesLevel(entryLevel, filterLevel string) bool {
	entryPriority, ok1 := levelPriority[strings.ToUpper(entryLevel)]
	filterPriority, ok2 := levelPriority[filterLevel]
	if !ok1 || !ok2 {
		return strings.EqualFold(entryLevel, filterLevel)
	}
	return entryPriority >= filterPriority
}

// Count returns the current number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LogBufferWriter is an io.Writer that captures zerolog JSON output into a
// LogBuffer, optionally passing it through to another writer
type LogBufferWriter struct {
	buffer   *LogBuffer
	original io.Writer
}

// NewLogBufferWriter creates a writer feeding the global buffer
func NewLogBufferWriter(original io.Writer) *LogBufferWriter {
	return &LogBufferWriter{
		buffer:   GetBuffer(),
		original: original,
	}
}

// Write implements io.Writer
func (w *LogBufferWriter) Write(p []byte) (n int, err error) {
	if w.original != nil {
		n, err = w.original.Write(p)
	} else {
		n = len(p)
	}

	if entry, ok := parseLogLine(p); ok {
		w.buffer.Add(entry)
	}
	return n, err
}

type zerologLine struct {
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	Caller    string `json:"caller"`
	Time      string `json:"time"`
}

// parseLogLine extracts a log entry from one zerolog JSON event
func parseLogLine(p []byte) (LogEntry, bool) {
	var line zerologLine
	if err := json.Unmarshal(p, &line); err != nil {
		return LogEntry{}, false
	}
	if line.Message == "" && line.Level == "" {
		return LogEntry{}, false
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     strings.ToUpper(line.Level),
		Component: line.Component,
		Message:   line.Message,
		Error:     line.Error,
		Caller:    line.Caller,
	}
	if t, err := time.Parse(time.RFC3339, line.Time); err == nil {
		entry.Timestamp = t
	}
	return entry, true
}
