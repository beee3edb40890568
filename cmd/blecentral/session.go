package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/device/goble"
	"github.com/srg/blecentral/pkg/config"
)

// teardownTimeout bounds the best-effort cleanup done when a command ends.
const teardownTimeout = 5 * time.Second

// newDriver builds the radio driver for a session. Tests replace it.
var newDriver = func(logger *logrus.Logger) device.Driver {
	return goble.New(logger)
}

// session is one command's use of the process-wide controller.
type session struct {
	cfg    *config.Config
	logger *logrus.Logger
	ctrl   *central.Controller
	json   bool
}

// loadConfig reads --config and applies the logging flags on top of it.
// --log-level takes precedence over --verbose.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = logrus.DebugLevel.String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// commandContext applies --timeout to the command context.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// openSession starts the controller and waits for the first radio state. Unless
// anyRadioState is set, a radio that is not powered on is an error.
func openSession(ctx context.Context, cmd *cobra.Command, anyRadioState bool) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	ctrl, err := central.Init(newDriver(logger), cfg.ControllerOptions(logger))
	if err != nil {
		return nil, err
	}

	state, err := ctrl.Start().Await(ctx)
	if err != nil {
		_ = central.Shutdown()
		return nil, fmt.Errorf("failed to start the radio: %w", err)
	}
	if state != device.RadioPoweredOn && !anyRadioState {
		_ = central.Shutdown()
		return nil, device.NewInvalidState(device.RadioDisabled, "bluetooth radio is %s", state)
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	logger.WithField("radio", state).Debug("Session started")
	return &session{cfg: cfg, logger: logger, ctrl: ctrl, json: jsonOut}, nil
}

// Close shuts the controller down, failing anything still outstanding.
func (s *session) Close() {
	if err := central.Shutdown(); err != nil {
		s.logger.WithError(err).Debug("Controller shutdown failed")
	}
}

// progress returns a status line printer for the command, nil when stderr is not a terminal.
func (s *session) progress(cmd *cobra.Command, prefix, phase string, countdown time.Duration) *progressPrinter {
	return newProgress(cmd.ErrOrStderr(), s.logger, prefix, phase, countdown)
}

// connect opens a link to id and walks its GATT layout, limited to services when given.
func (s *session) connect(ctx context.Context, id string, p *progressPrinter, services ...string) (*device.PeripheralInfo, error) {
	s.logger.WithField("peripheral", id).Info("Connecting...")
	if _, err := s.ctrl.Connect(id).Await(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", id, err)
	}
	p.SetPhase("Discovering services")
	info, err := s.ctrl.RetrieveServices(id, services...).Await(ctx)
	if err != nil {
		s.disconnect(id)
		return nil, fmt.Errorf("failed to discover services of %s: %w", id, err)
	}
	s.logger.WithFields(logrus.Fields{
		"peripheral": info.ID,
		"services":   len(info.ServiceUUIDs),
	}).Info("Connected")
	return info, nil
}

// disconnect closes the link to id on a fresh deadline so it also runs after the command
// context was cancelled.
func (s *session) disconnect(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if _, err := s.ctrl.Disconnect(id).Await(ctx); err != nil {
		s.logger.WithError(err).WithField("peripheral", id).Debug("Disconnect failed")
	}
}
