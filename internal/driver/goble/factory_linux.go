//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory opens the host radio (HCI socket, needs CAP_NET_ADMIN); tests replace it
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
