//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

// DeviceFactory has no radio backend on this platform; use the simulator
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("bluetooth is not supported on %s", runtime.GOOS)
}
