package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree; tests build a fresh one per case
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vitalsync",
		Short: "Wearable vitals monitor with offline sync",
		Long: `Connects to a LIFEBAND wearable over Bluetooth LE and:

- Streams heart rate, SpO2, HRV, blood pressure and temperature
- Queues readings for the bound patient in a local store while offline
- Uploads queued readings to the configured endpoint

Use --simulate with 'run' to try it without a device.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),

		// main() prints clean errors
		SilenceErrors: true,
	}

	// Global flags
	root.PersistentFlags().String("config", "", "Config file (default "+defaultConfigHint()+")")
	root.PersistentFlags().String("data-dir", "", "Directory holding the reading store")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	// Add -v as a short flag for --version
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(
		newRunCmd(),
		newSyncCmd(),
		newPendingCmd(),
		newClearCmd(),
		newPatientCmd(),
		newEndpointCmd(),
		newStatusCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
