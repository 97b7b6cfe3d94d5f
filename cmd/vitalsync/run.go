package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/groutine"
	"github.com/srg/vitalsync/internal/metrics"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a wearable and stream readings",
		Long: `Connect to a wearable, print status changes and readings as they arrive,
and queue readings for the bound patient.

With --sync-interval the queue is uploaded periodically; otherwise use
'vitalsync sync'. Stops on Ctrl+C, after --duration, or when the
connection fails.`,
		Example: `  vitalsync run
  vitalsync run --mac AA:BB:CC:DD:EE:01 --sync-interval 1m
  vitalsync run --simulate --duration 30s --metrics-addr 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}

	cmd.Flags().String("device-id", "", "Connect directly to this device identifier")
	cmd.Flags().String("mac", "", "Connect directly to this MAC address")
	cmd.Flags().String("name-prefix", "", "Scan for a device whose name starts with this prefix")
	cmd.Flags().Duration("sync-interval", 0, "Upload queued readings this often (0 uses sync.interval from config)")
	cmd.Flags().Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().Bool("simulate", false, "Use a simulated wearable instead of the radio")
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	simulate, _ := cmd.Flags().GetBool("simulate")
	s, err := openSession(cmd, logrus.InfoLevel, simulate)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = s.cfg.Metrics.Addr
	}
	if addr != "" {
		shutdown, err := serveMetrics(ctx, addr, s.metrics, s.logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	opts := device.StartOptions{}
	opts.DeviceID, _ = cmd.Flags().GetString("device-id")
	opts.MACAddress, _ = cmd.Flags().GetString("mac")
	opts.NamePrefix, _ = cmd.Flags().GetString("name-prefix")

	watcher := s.mon.Watch(0)
	defer watcher.Close()
	readings := s.mon.WatchReadings(0)
	defer readings.Close()

	if err := s.mon.Start(ctx, opts); err != nil {
		return err
	}

	interval, _ := cmd.Flags().GetDuration("sync-interval")
	if interval <= 0 {
		interval = s.cfg.Sync.Interval
	}
	if interval > 0 {
		groutine.Go(ctx, "periodic-sync", func(ctx context.Context) {
			_ = s.mon.RunSync(ctx, interval)
		})
	}

	out := cmd.OutOrStdout()
	colorize := isTerminal(out)

	// Elapsed-time line while scanning or connecting, terminals only
	var progress *ProgressPrinter
	stopProgress := func() {
		if progress != nil {
			progress.Stop()
			progress = nil
		}
	}
	defer stopProgress()

	for {
		select {
		case <-ctx.Done():
			stopProgress()
			fmt.Fprintln(out, "Stopping...")
			return s.mon.Stop(context.Background())

		case change, ok := <-watcher.C():
			if !ok {
				return nil
			}
			stopProgress()
			line := statusPill(change.Status, colorize)
			if change.Message != "" {
				line += " " + change.Message
			}
			fmt.Fprintln(out, line)
			if change.Status == device.StatusError {
				return fmt.Errorf("%w: %s", ErrStartFailed, change.Message)
			}
			if colorize && (change.Status == device.StatusScanning || change.Status == device.StatusConnecting) {
				progress = NewProgressPrinter(out, "Waiting for device", string(change.Status))
				progress.Start()
			}

		case r, ok := <-readings.C():
			if !ok {
				return nil
			}
			fmt.Fprintln(out, formatReading(r))
		}
	}
}

// serveMetrics exposes m on addr until the returned func is called
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *logrus.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	groutine.Go(ctx, "metrics-server", func(context.Context) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	})
	logger.WithField("addr", ln.Addr().String()).Info("Serving metrics")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
