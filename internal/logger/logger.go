package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the process logger
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	Output     string // stdout, stderr or a file path
	MaxSizeMB  int    // File output: rotate at this size (default: 50)
	MaxBackups int    // File output: rotated files kept (default: 5)
	MaxAgeDays int    // File output: days rotated files are kept (default: 14)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup initializes the global logger with log buffer capture. The returned
// closer releases the log file when Output is a path.
func Setup(cfg Config) (io.Closer, error) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	base, closer, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}

	formatted := base
	if strings.ToLower(cfg.Format) == "console" {
		_, isFile := base.(*lumberjack.Logger)
		formatted = zerolog.ConsoleWriter{
			Out:        base,
			TimeFormat: time.RFC3339,
			NoColor:    isFile,
		}
	}

	// The buffer always receives the JSON form so it can be parsed
	output := zerolog.MultiLevelWriter(formatted, NewLogBufferWriter(nil))

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	return closer, nil
}

func openOutput(cfg Config) (io.Writer, io.Closer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr":
		return os.Stderr, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    orDefault(cfg.MaxSizeMB, 50),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		MaxAge:     orDefault(cfg.MaxAgeDays, 14),
		Compress:   true,
	}
	return lj, lj, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseLevel converts string level to zerolog.Level
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Get returns a logger with the given component name
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
