package watchdog

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Actuator performs the watchdog's remediation actions
type Actuator interface {
	RestartService(ctx context.Context, name string) error
	Reboot(ctx context.Context) error
}

// SystemActuator restarts units with systemctl and reboots with shutdown
type SystemActuator struct {
	logger zerolog.Logger
}

// NewSystemActuator returns an actuator that runs host commands
func NewSystemActuator(logger zerolog.Logger) *SystemActuator {
	return &SystemActuator{logger: logger.With().Str("component", "actuator").Logger()}
}

func (a *SystemActuator) RestartService(ctx context.Context, name string) error {
	return a.run(ctx, "systemctl", "restart", name)
}

func (a *SystemActuator) Reboot(ctx context.Context) error {
	return a.run(ctx, "shutdown", "-r", "now")
}

func (a *SystemActuator) run(ctx context.Context, name string, args ...string) error {
	a.logger.Info().Str("command", name).Strs("args", args).Msg("Running remediation command")

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

// DryRunActuator logs actions without performing them
type DryRunActuator struct {
	logger zerolog.Logger
}

func NewDryRunActuator(logger zerolog.Logger) *DryRunActuator {
	return &DryRunActuator{logger: logger.With().Str("component", "actuator").Bool("dry_run", true).Logger()}
}

func (a *DryRunActuator) RestartService(_ context.Context, name string) error {
	a.logger.Warn().Str("service", name).Msg("Would restart service")
	return nil
}

func (a *DryRunActuator) Reboot(_ context.Context) error {
	a.logger.Warn().Msg("Would reboot host")
	return nil
}
