//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory opens the host radio; tests replace it
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}
