package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/uplink"
)

var pillColors = map[device.ConnectionStatus]color.Attribute{
	device.StatusIdle:          color.FgWhite,
	device.StatusStarting:      color.FgYellow,
	device.StatusScanning:      color.FgYellow,
	device.StatusConnecting:    color.FgYellow,
	device.StatusConnected:     color.FgGreen,
	device.StatusDisconnecting: color.FgWhite,
	device.StatusDisconnected:  color.FgMagenta,
	device.StatusError:         color.FgRed,
}

// isTerminal reports whether w is a TTY
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// statusPill renders a status as "[ CONNECTED ]", colored on a terminal
func statusPill(s device.ConnectionStatus, colorize bool) string {
	text := fmt.Sprintf("[ %s ]", strings.ToUpper(s.String()))
	if !colorize {
		return text
	}
	attr, ok := pillColors[s]
	if !ok {
		attr = color.FgWhite
	}
	c := color.New(attr, color.Bold)
	c.EnableColor()
	return c.Sprint(text)
}

func formatReading(r device.Reading) string {
	return fmt.Sprintf("%s  HR %3.0f bpm  SpO2 %3.0f%%  HRV %3.0f ms  BP %3.0f/%-3.0f mmHg  Temp %.2f °C",
		r.Timestamp, r.HeartRate, r.SpO2, r.HRV, r.SystolicBP, r.DiastolicBP, r.Temperature)
}

func writePendingTable(w io.Writer, readings []device.QueuedReading) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tPATIENT\tHR\tSPO2\tHRV\tBP\tTEMP\tID")
	for _, r := range readings {
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%.0f\t%.0f\t%.0f/%.0f\t%.2f\t%s\n",
			r.Timestamp, r.PatientID, r.HeartRate, r.SpO2, r.HRV, r.SystolicBP, r.DiastolicBP, r.Temperature, r.ID)
	}
	return tw.Flush()
}

func formatSyncState(s uplink.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sync:      %s", s.Status)
	if s.Offline {
		b.WriteString(" (offline)")
	}
	b.WriteString("\n")
	if s.LastSyncAt != nil {
		fmt.Fprintf(&b, "Last sync: %s\n", s.LastSyncAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Uploaded:  %d\n", s.LastUploaded)
	if s.LastError != "" {
		fmt.Fprintf(&b, "Error:     %s\n", s.LastError)
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
