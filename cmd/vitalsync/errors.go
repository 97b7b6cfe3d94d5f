package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/driver/goble"
	"github.com/srg/vitalsync/internal/permission"
	"github.com/srg/vitalsync/internal/uplink"
)

// Command-level errors
var (
	ErrClearNotConfirmed = errors.New("refusing to clear history without --yes")
	ErrStartFailed       = errors.New("connection failed")
)

// FormatUserError turns an error chain into a message a user can act on
func FormatUserError(err error) string {
	var (
		denied *permission.DeniedError
		serr   *uplink.SyncError
		cerr   *device.ConfigurationError
	)

	switch {
	case errors.Is(err, device.ErrNoSelector):
		return "no device selected: pass --device-id, --mac or --name-prefix, or set device.name_prefix in the config"
	case errors.Is(err, device.ErrInvalidTransition):
		return "a connection is already in progress; stop it first"
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable"
	case errors.As(err, &denied):
		names := make([]string, len(denied.Denied))
		for i, c := range denied.Denied {
			names[i] = string(c)
		}
		return fmt.Sprintf("permission denied: %s (grant it under permissions.granted)", strings.Join(names, ", "))
	case errors.Is(err, uplink.ErrNoEndpoint):
		return "no upload endpoint configured: run 'vitalsync endpoint <url>'"
	case errors.As(err, &serr):
		switch serr.Kind {
		case uplink.KindNetwork:
			return fmt.Sprintf("upload endpoint unreachable, readings stay queued: %v", serr.Err)
		case uplink.KindServer:
			return fmt.Sprintf("upload endpoint rejected the batch (HTTP %d): %v", serr.StatusCode, serr.Err)
		}
		return serr.Error()
	case errors.As(err, &cerr):
		return cerr.Error()
	}
	return err.Error()
}
