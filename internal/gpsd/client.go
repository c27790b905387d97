// Package gpsd reads position, sky view and PPS reports from a gpsd daemon
// over its JSON socket protocol.
package gpsd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/friesr/pi5-ptp/internal/metrics"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/rs/zerolog"
)

// DefaultAddress is gpsd's standard listen address
const DefaultAddress = "127.0.0.1:2947"

const (
	watchCommand   = "?WATCH={\"enable\":true,\"json\":true};\n"
	versionCommand = "?VERSION;\n"
	maxReportSize  = 1 << 20
)

// Config holds gpsd client settings
type Config struct {
	Address      string        // host:port of gpsd (default: 127.0.0.1:2947)
	ReadTimeout  time.Duration // Silence after which the connection is recycled (default: 10s)
	ReconnectMin time.Duration // First reconnect delay (default: 1s)
	ReconnectMax time.Duration // Reconnect delay cap (default: 30s)
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Client streams gpsd reports as records. It implements pipeline.Source.
type Client struct {
	config  Config
	logger  zerolog.Logger
	errLog  zerolog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a gpsd client
func NewClient(cfg Config) *Client {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(zerolog.Nop())
	}

	logger := cfg.Logger.With().Str("component", "gpsd").Str("address", cfg.Address).Logger()
	return &Client{
		config:  cfg,
		logger:  logger,
		errLog:  logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: time.Minute}),
		metrics: cfg.Metrics,
	}
}

func (c *Client) Name() string { return "gpsd" }

// Run connects to gpsd and emits decoded records until ctx is cancelled.
// Connection failures are retried with capped exponential backoff; Run only
// returns once ctx is done.
func (c *Client) Run(ctx context.Context, emit func(models.Record)) error {
	delay := c.config.ReconnectMin

	for {
		received, err := c.session(ctx, emit)
		if ctx.Err() != nil {
			return nil
		}
		if received > 0 {
			delay = c.config.ReconnectMin
		}

		c.errLog.Warn().Err(err).Int("reports", received).Dur("retry_in", delay).Msg("gpsd connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.config.ReconnectMax {
			delay = c.config.ReconnectMax
		}
	}
}

// session runs one connection until it fails, returning how many reports
// were read
func (c *Client) session(ctx context.Context, emit func(models.Record)) (int, error) {
	d := net.Dialer{Timeout: c.config.ReadTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		return 0, fmt.Errorf("dial gpsd: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetWriteDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
		return 0, err
	}
	if _, err := conn.Write([]byte(watchCommand)); err != nil {
		return 0, fmt.Errorf("send WATCH: %w", err)
	}

	c.logger.Info().Msg("Connected to gpsd")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReportSize)

	reports := 0
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
			return reports, err
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return reports, fmt.Errorf("read gpsd: %w", err)
			}
			return reports, errors.New("gpsd closed the connection")
		}
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}

		reports++
		c.handleLine(scanner.Bytes(), emit)
	}
}

func (c *Client) handleLine(line []byte, emit func(models.Record)) {
	records, err := Decode(line)
	if err != nil {
		c.metrics.IncDecodeErrors(c.Name())
		c.errLog.Debug().Err(err).Msg("Discarding undecodable gpsd report")
		return
	}
	for _, rec := range records {
		emit(rec)
	}
}

// Probe checks that gpsd at addr answers a VERSION request
func Probe(ctx context.Context, addr string, timeout time.Duration) (string, error) {
	if addr == "" {
		addr = DefaultAddress
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial gpsd: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte(versionCommand)); err != nil {
		return "", fmt.Errorf("send VERSION: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxReportSize)
	for scanner.Scan() {
		var v struct {
			Class   string `json:"class"`
			Release string `json:"release"`
		}
		if json.Unmarshal(scanner.Bytes(), &v) == nil && v.Class == "VERSION" {
			return v.Release, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read gpsd: %w", err)
	}
	return "", errors.New("gpsd sent no VERSION report")
}
