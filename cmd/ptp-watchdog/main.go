package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/friesr/pi5-ptp/internal/chrony"
	"github.com/friesr/pi5-ptp/internal/config"
	"github.com/friesr/pi5-ptp/internal/gpsd"
	"github.com/friesr/pi5-ptp/internal/logger"
	"github.com/friesr/pi5-ptp/internal/sink"
	"github.com/friesr/pi5-ptp/internal/spool"
	"github.com/friesr/pi5-ptp/internal/watchdog"
	"github.com/rs/zerolog"
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
	var (
		configPath string
		dryRun     bool
	)

	load := func() (*config.Config, error) {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if dryRun {
			cfg.Watchdog.DryRun = true
		}
		if err := cfg.ValidateWatchdog(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	root := &cobra.Command{
		Use:           "ptp-watchdog",
		Short:         "Supervise gpsd, chrony and the telemetry spool",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./pi5-ptp.toml)")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log remediation actions instead of running them")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run the health probes once and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			wd, err := newWatchdog(cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			r := wd.Check(cmd.Context())
			printReport(cmd, r, cfg.Spool.MaxBytes)
			if !r.Healthy() {
				return fmt.Errorf("node unhealthy")
			}
			return nil
		},
	}
	root.AddCommand(checkCmd)
	return root
}

func run(cfg *config.Config) error {
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
	defer logCloser.Close()

	log.Info().
		Str("version", Version).
		Str("schedule", cfg.Watchdog.Schedule).
		Bool("dry_run", cfg.Watchdog.DryRun).
		Msg("Starting pi5-ptp watchdog...")

	wd, err := newWatchdog(cfg, logger.Get("watchdog"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create watchdog")
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return wd.Run(ctx)
}

// newWatchdog wires the probes to the node's services
func newWatchdog(cfg *config.Config, lg zerolog.Logger) (*watchdog.Watchdog, error) {
	sinkURL := cfg.Sink.URL
	if cfg.Sink.Type == "mqtt" {
		sinkURL = cfg.MQTT.Broker
	}

	probes := watchdog.Probes{
		GPSD: func(ctx context.Context) error {
			_, err := gpsd.Probe(ctx, cfg.GPSD.Address, cfg.Watchdog.CheckTimeout)
			return err
		},
		Chrony: func(ctx context.Context) (bool, error) {
			t, err := chrony.ReadTracking(ctx, chrony.ExecRunner, cfg.Chrony.Command)
			if err != nil {
				return false, err
			}
			return t.Synced(), nil
		},
		SpoolBytes: func() (int64, error) {
			return spool.DirSize(cfg.Spool.Directory)
		},
	}
	if sinkURL != "" {
		probes.Sink = func(ctx context.Context) error {
			return sink.Ping(ctx, sinkURL, cfg.Watchdog.CheckTimeout)
		}
	}

	var actuator watchdog.Actuator = watchdog.NewSystemActuator(lg)
	if cfg.Watchdog.DryRun {
		actuator = watchdog.NewDryRunActuator(lg)
	}

	return watchdog.New(watchdog.Config{
		Schedule:       cfg.Watchdog.Schedule,
		RebootAfter:    cfg.Watchdog.RebootAfter,
		SpoolMaxBytes:  cfg.Spool.MaxBytes,
		SpoolHighWater: cfg.Watchdog.SpoolHighWater,
		CheckTimeout:   cfg.Watchdog.CheckTimeout,
		GPSDService:    cfg.Watchdog.GPSDService,
		ChronyService:  cfg.Watchdog.ChronyService,
		Logger:         lg,
	}, probes, actuator)
}

func printReport(cmd *cobra.Command, r watchdog.Report, maxBytes int64) {
	status := func(err error) string {
		if err != nil {
			return "FAIL (" + err.Error() + ")"
		}
		return "ok"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "gpsd:   %s\n", status(r.GPSDErr))
	fmt.Fprintf(out, "chrony: %s\n", status(r.ChronyErr))
	fmt.Fprintf(out, "sink:   %s\n", status(r.SinkErr))
	spoolState := "ok"
	if r.SpoolFull {
		spoolState = "FULL"
	}
	fmt.Fprintf(out, "spool:  %s (%d of %d bytes)\n", spoolState, r.SpoolBytes, maxBytes)
}
