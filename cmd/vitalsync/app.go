package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/vitalsync/internal/bridge"
	"github.com/srg/vitalsync/internal/driver/goble"
	"github.com/srg/vitalsync/internal/driver/sim"
	"github.com/srg/vitalsync/internal/metrics"
	"github.com/srg/vitalsync/monitor"
	"github.com/srg/vitalsync/pkg/config"
)

// NativeFactory creates the native bridge; tests replace it
var NativeFactory = func(cfg *config.Config, simulate bool, logger *logrus.Logger) (bridge.Native, error) {
	if simulate {
		return sim.New(sim.Config{}, logger), nil
	}
	return goble.New(goble.Config{
		ScanTimeout:    cfg.Device.ScanTimeout,
		ConnectTimeout: cfg.Device.ConnectTimeout,
	}, logger), nil
}

func defaultConfigHint() string {
	return config.DefaultPath()
}

// loadConfig reads --config and applies the global flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}

// session is what every command needs: config, logger and an open monitor
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	mon     *monitor.Monitor
}

func (s *session) Close() {
	if err := s.mon.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close monitor")
	}
}

// openSession loads config and opens the monitor. fallback is the log level
// used when no logging flag is given.
func openSession(cmd *cobra.Command, fallback logrus.Level, simulate bool) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, fallback)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	native, err := NativeFactory(cfg, simulate, logger)
	if err != nil {
		return nil, err
	}

	opts, err := monitor.OptionsFromConfig(cfg, native, logger)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	opts.Metrics = m

	mon, err := monitor.New(opts)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, metrics: m, mon: mon}, nil
}
