package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/friesr/pi5-ptp/internal/logger"
	"github.com/friesr/pi5-ptp/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// SpoolInfo is the read-only view of the spool served by the API
type SpoolInfo interface {
	Stats() map[string]interface{}
	Size() int64
	MaxBytes() int64
}

// StatsProvider reports component state, such as the circuit breaker
type StatsProvider interface {
	Stats() map[string]interface{}
}

// Server represents the health and metrics HTTP server
type Server struct {
	app     *fiber.App
	logger  zerolog.Logger
	config  ServerConfig
	metrics *metrics.Metrics

	spool   SpoolInfo
	history *metrics.History
	breaker StatsProvider

	startTime time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxPayloadSize int     // Maximum request body size in bytes
	ReadyHighWater float64 // Spool utilization at which /ready fails (default: 0.9)
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:           "127.0.0.1",
		Port:           9280,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxPayloadSize: 8 * 1024 * 1024,
		ReadyHighWater: 0.9,
	}
}

// NewServer creates a new HTTP server with Fiber
func NewServer(config *ServerConfig, m *metrics.Metrics, logger zerolog.Logger) *Server {
	defaults := DefaultServerConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = defaults.MaxPayloadSize
	}
	if cfg.ReadyHighWater <= 0 {
		cfg.ReadyHighWater = defaults.ReadyHighWater
	}
	if m == nil {
		m = metrics.New(zerolog.Nop())
	}

	logger = logger.With().Str("component", "api-server").Logger()

	app := fiber.New(fiber.Config{
		AppName:               "pi5-ptp streamer",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		BodyLimit:             cfg.MaxPayloadSize,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(requestLogger(logger))

	return &Server{
		app:       app,
		logger:    logger,
		config:    cfg,
		metrics:   m,
		startTime: time.Now(),
	}
}

// SetSpool exposes spool state on /ready and /api/v1/spool
func (s *Server) SetSpool(sp SpoolInfo) { s.spool = sp }

// SetHistory enables /api/v1/metrics/timeseries
func (s *Server) SetHistory(h *metrics.History) { s.history = h }

// SetBreaker adds circuit breaker state to /api/v1/metrics
func (s *Server) SetBreaker(b StatsProvider) { s.breaker = b }

// RegisterRoutes registers the health, metrics and log routes
func (s *Server) RegisterRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)

	// Prometheus exposition from the private registry
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))

	s.app.Get("/api/v1/metrics", s.apiMetricsHandler)
	s.app.Get("/api/v1/metrics/timeseries", s.timeseriesMetricsHandler)
	s.app.Get("/api/v1/spool", s.spoolHandler)
	s.app.Get("/api/v1/logs", s.logsHandler)
}

// healthHandler reports liveness
func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler fails while the spool is missing or above its high-water mark
func (s *Server) readyHandler(c *fiber.Ctx) error {
	resp := fiber.Map{
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": time.Since(s.startTime).Seconds(),
	}

	if s.spool == nil {
		resp["status"] = "not ready"
		resp["reason"] = "spool not open"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}

	utilization := float64(s.spool.Size()) / float64(s.spool.MaxBytes())
	resp["spool_utilization"] = utilization
	if utilization > s.config.ReadyHighWater {
		resp["status"] = "not ready"
		resp["reason"] = fmt.Sprintf("spool above %.0f%% of capacity", s.config.ReadyHighWater*100)
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}

	resp["status"] = "ready"
	return c.JSON(resp)
}

// apiMetricsHandler returns all metrics in JSON format
func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	snapshot := s.metrics.Snapshot()
	snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if s.breaker != nil {
		snapshot["circuit_breaker"] = s.breaker.Stats()
	}
	return c.JSON(snapshot)
}

// spoolHandler returns spool occupancy
func (s *Server) spoolHandler(c *fiber.Ctx) error {
	if s.spool == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "spool not open")
	}
	stats := s.spool.Stats()
	stats["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(stats)
}

// timeseriesMetricsHandler returns sampled counter history
func (s *Server) timeseriesMetricsHandler(c *fiber.Ctx) error {
	if s.history == nil {
		return fiber.NewError(fiber.StatusNotFound, "metrics history is disabled")
	}

	durationMinutes := 30
	if dm := c.Query("duration_minutes"); dm != "" {
		if parsed, err := strconv.Atoi(dm); err == nil && parsed > 0 && parsed <= 1440 {
			durationMinutes = parsed
		}
	}

	points := s.history.Recent(durationMinutes)
	return c.JSON(fiber.Map{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"duration_minutes": durationMinutes,
		"points_count":     len(points),
		"data":             points,
	})
}

// logsHandler returns recent application logs
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	level := c.Query("level") // e.g., "error", "warn", "info", "debug"

	sinceMinutes := 60
	if sm := c.Query("since_minutes"); sm != "" {
		if parsed, err := strconv.Atoi(sm); err == nil && parsed > 0 && parsed <= 1440 {
			sinceMinutes = parsed
		}
	}

	entries := logger.GetBuffer().GetRecent(limit, level, sinceMinutes)

	return c.JSON(fiber.Map{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"count":         len(entries),
		"limit":         limit,
		"level_filter":  level,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start binds the listen address and serves in the background. Bind errors
// are returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server")

	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.logger.Error().Err(err).Msg("HTTP server stopped with error")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server gracefully...")

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

// GetApp returns the underlying Fiber app (for registering custom routes)
func (s *Server) GetApp() *fiber.App {
	return s.app
}

// customErrorHandler handles Fiber errors
func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Request error")
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

// requestLogger logs failed requests at debug or warn level
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		// Errors are rendered after this middleware returns
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}
		if status < 400 {
			return err
		}

		logEvent := logger.Debug()
		if status >= 500 {
			logEvent = logger.Warn()
		}
		logEvent.
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("ip", c.IP()).
			Msg("HTTP request error")

		return err
	}
}
