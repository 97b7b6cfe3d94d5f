package main

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/vitalsync/internal/uplink"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upload queued readings once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, logrus.PanicLevel, false)
			if err != nil {
				return err
			}
			defer s.Close()

			state := s.mon.SyncNow(cmd.Context())
			fmt.Fprint(cmd.OutOrStdout(), formatSyncState(state))
			if state.Status == uplink.StatusError {
				return s.mon.LastSyncErr()
			}
			return nil
		},
	}
}

func newPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List readings waiting for upload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			s, err := openSession(cmd, logrus.PanicLevel, false)
			if err != nil {
				return err
			}
			defer s.Close()

			readings, err := s.mon.Pending()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(readings)
			}
			if len(readings) == 0 {
				fmt.Fprintln(out, "No pending readings")
				return nil
			}
			return writePendingTable(out, readings)
		},
	}
	cmd.Flags().Bool("json", false, "Print as JSON")
	return cmd
}

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored reading, uploaded or not",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return ErrClearNotConfirmed
			}
			s, err := openSession(cmd, logrus.PanicLevel, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.mon.ClearHistory(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Confirm deletion, including readings not yet uploaded")
	return cmd
}

func newPatientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patient [id]",
		Short: "Show or set the patient readings are queued for",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unbind, _ := cmd.Flags().GetBool("unbind")
			s, err := openSession(cmd, logrus.PanicLevel, false)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			switch {
			case unbind:
				if err := s.mon.SetPatientID(cmd.Context(), ""); err != nil {
					return err
				}
				fmt.Fprintln(out, "Patient unbound")
			case len(args) == 1:
				if err := s.mon.SetPatientID(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out, "Patient: %s\n", args[0])
			default:
				st, err := s.mon.Snapshot()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Patient: %s\n", orNone(st.PatientID))
			}
			return nil
		},
	}
	cmd.Flags().Bool("unbind", false, "Stop queueing readings")
	return cmd
}

func newEndpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint [url]",
		Short: "Show or set the upload endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unset, _ := cmd.Flags().GetBool("unset")
			s, err := openSession(cmd, logrus.PanicLevel, false)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			switch {
			case unset:
				if err := s.mon.SetUploadEndpoint(cmd.Context(), ""); err != nil {
					return err
				}
				fmt.Fprintln(out, "Endpoint cleared")
			case len(args) == 1:
				if err := s.mon.SetUploadEndpoint(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out, "Endpoint: %s\n", args[0])
			default:
				st, err := s.mon.Snapshot()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Endpoint: %s\n", orNone(st.Endpoint))
			}
			return nil
		},
	}
	cmd.Flags().Bool("unset", false, "Clear the persisted endpoint")
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted bindings and queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			s, err := openSession(cmd, logrus.PanicLevel, false)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.mon.Snapshot()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"patientId":      st.PatientID,
					"uploadEndpoint": st.Endpoint,
					"total":          st.Total,
					"pending":        st.Pending,
					"uploaded":       st.Total - st.Pending,
				})
			}
			fmt.Fprintf(out, "Patient:   %s\n", orNone(st.PatientID))
			fmt.Fprintf(out, "Endpoint:  %s\n", orNone(st.Endpoint))
			fmt.Fprintf(out, "Readings:  %d stored, %d pending, %d uploaded\n", st.Total, st.Pending, st.Total-st.Pending)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print as JSON")
	return cmd
}
