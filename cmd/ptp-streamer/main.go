package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/friesr/pi5-ptp/internal/api"
	"github.com/friesr/pi5-ptp/internal/chrony"
	"github.com/friesr/pi5-ptp/internal/circuitbreaker"
	"github.com/friesr/pi5-ptp/internal/config"
	"github.com/friesr/pi5-ptp/internal/gpsd"
	"github.com/friesr/pi5-ptp/internal/logger"
	"github.com/friesr/pi5-ptp/internal/metrics"
	"github.com/friesr/pi5-ptp/internal/pipeline"
	"github.com/friesr/pi5-ptp/internal/shutdown"
	"github.com/friesr/pi5-ptp/internal/sink"
	"github.com/friesr/pi5-ptp/internal/spool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ptp-streamer",
		Short:         "Stream gpsd and chrony telemetry to InfluxDB or MQTT",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return run(cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./pi5-ptp.toml)")

	root.AddCommand(newSpoolCommand(&configPath))
	return root
}

func run(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCloser, err := logger.Setup(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("sink", cfg.Sink.Type).
		Str("spool_dir", cfg.Spool.Directory).
		Msg("Starting pi5-ptp streamer...")

	m := metrics.New(logger.Get("metrics"))
	history := metrics.NewHistory(m, 1440, time.Minute)
	history.Start()

	coordinator := shutdown.New(30*time.Second, logger.Get("shutdown"))
	coordinator.Register("logger", logCloser, shutdown.PriorityLogger)

	sp, err := spool.Open(spool.Config{
		Directory:    cfg.Spool.Directory,
		MaxBytes:     cfg.Spool.MaxBytes,
		SegmentBytes: cfg.Spool.SegmentBytes,
		SyncMode:     spool.SyncMode(cfg.Spool.SyncMode),
		SyncInterval: cfg.Spool.SyncInterval,
		Logger:       logger.Get("spool"),
		Metrics:      m,
	})
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.Spool.Directory).Msg("Failed to open spool")
		logCloser.Close()
		return err
	}
	coordinator.Register("spool", sp, shutdown.PrioritySpool)

	remote, sinkCloser, err := buildSink(cfg)
	if err != nil {
		log.Error().Err(err).Str("type", cfg.Sink.Type).Msg("Failed to create sink")
		sp.Close()
		logCloser.Close()
		return err
	}
	if sinkCloser != nil {
		coordinator.Register("sink", sinkCloser, shutdown.PrioritySink)
	}
	remote = sink.NewInstrumented(cfg.Sink.Type, remote, m)

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.Breaker.MaxFailures > 0 {
		bcfg := circuitbreaker.DefaultConfig("sink")
		bcfg.MaxFailures = cfg.Breaker.MaxFailures
		bcfg.OpenTimeout = cfg.Breaker.Timeout
		breaker = circuitbreaker.New(bcfg, logger.Get("circuitbreaker"))
	}

	p := pipeline.New(pipeline.Config{
		LiveTimeout:    cfg.Sink.Timeout,
		ReplayInterval: cfg.Replay.Interval,
		ReplayBackoff:  cfg.Replay.Backoff,
		BatchSize:      cfg.Replay.BatchSize,
		Logger:         logger.Get("pipeline"),
		Metrics:        m,
		Breaker:        breaker,
	}, remote, sp)

	sources := []pipeline.Source{
		gpsd.NewClient(gpsd.Config{
			Address:      cfg.GPSD.Address,
			ReadTimeout:  cfg.GPSD.ReadTimeout,
			ReconnectMin: cfg.GPSD.ReconnectMin,
			ReconnectMax: cfg.GPSD.ReconnectMax,
			Logger:       logger.Get("gpsd"),
			Metrics:      m,
		}),
	}
	if cfg.Chrony.Enabled {
		sources = append(sources, chrony.NewSampler(chrony.SamplerConfig{
			Command:  cfg.Chrony.Command,
			Interval: cfg.Chrony.Interval,
			Logger:   logger.Get("chrony"),
			Metrics:  m,
		}))
	}

	if cfg.Server.Enabled {
		server := api.NewServer(&api.ServerConfig{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}, m, logger.Get("api"))
		server.SetSpool(sp)
		server.SetHistory(history)
		if breaker != nil {
			server.SetBreaker(breaker)
		}
		server.RegisterRoutes()
		api.NewWriteHandler(p, 0, logger.Get("api")).RegisterRoutes(server.GetApp())

		if err := server.Start(); err != nil {
			// The streamer still runs without its health endpoint
			log.Error().Err(err).Msg("Failed to start HTTP server")
		} else {
			coordinator.RegisterHook("http-server", server.Shutdown, shutdown.PriorityHTTPServer)
		}
	}

	// Sources and the replay loop stop when the coordinator cancels its
	// context; the hook waits for them before the sink and spool close.
	var runErr error
	runDone := make(chan struct{})
	go func() {
		runErr = p.Run(coordinator.Context(), sources...)
		close(runDone)
	}()
	coordinator.RegisterHook("pipeline", func(ctx context.Context) error {
		history.Stop()
		select {
		case <-runDone:
			return runErr
		case <-ctx.Done():
			return fmt.Errorf("pipeline did not stop: %w", ctx.Err())
		}
	}, shutdown.PriorityPipeline)

	log.Info().
		Int("sources", len(sources)).
		Bool("breaker", breaker != nil).
		Bool("http", cfg.Server.Enabled).
		Msg("Streamer started")

	// A failing source ends Run early; treat it like a shutdown request
	go func() {
		select {
		case <-runDone:
			if runErr != nil {
				log.Error().Err(runErr).Msg("Pipeline stopped")
			}
			coordinator.TriggerShutdown()
		case <-coordinator.Context().Done():
		}
	}()

	sig := coordinator.WaitForSignal()
	log.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown...")

	if err := coordinator.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildSink creates the configured remote sink. The returned closer is nil
// when the sink holds no connection.
func buildSink(cfg *config.Config) (sink.Sink, io.Closer, error) {
	switch cfg.Sink.Type {
	case "influx":
		s, err := sink.NewInfluxSink(sink.InfluxConfig{
			URL:           cfg.Sink.URL,
			Token:         cfg.Sink.Token,
			Org:           cfg.Sink.Org,
			Bucket:        cfg.Sink.Bucket,
			Timeout:       cfg.Sink.Timeout,
			Gzip:          cfg.Sink.Gzip,
			IntegerSuffix: cfg.Sink.IntegerSuffix,
			Logger:        logger.Get("influx-sink"),
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "mqtt":
		s, err := sink.NewMQTTSink(sink.MQTTConfig{
			Broker:    cfg.MQTT.Broker,
			Topic:     cfg.MQTT.Topic,
			ClientID:  cfg.MQTT.ClientID,
			QoS:       byte(cfg.MQTT.QoS),
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Format:    cfg.MQTT.Format,
			TLSCAPath: cfg.MQTT.TLSCAPath,
			Logger:    logger.Get("mqtt-sink"),
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
	}
}
