package connection

import (
	"github.com/srg/vitalsync/internal/bridge"
	"github.com/srg/vitalsync/internal/device"
)

// trigger is anything that can move the machine
type trigger string

const (
	cmdStart     trigger = "start"
	cmdStop      trigger = "stop"
	stopAck      trigger = "stop_ack"
	evScanning   trigger = "status:scanning"
	evConnecting trigger = "status:connecting"
	evConnected  trigger = "status:connected"
	evIdle       trigger = "status:idle"
	evLost       trigger = "status:disconnected"
	evError      trigger = "error"
)

// statusTriggers maps native status strings onto triggers
var statusTriggers = map[string]trigger{
	bridge.NativeScanning:     evScanning,
	bridge.NativeConnecting:   evConnecting,
	bridge.NativeConnected:    evConnected,
	bridge.NativeIdle:         evIdle,
	bridge.NativeStopped:      evIdle,
	bridge.NativeDisconnected: evLost,
	bridge.NativeError:        evError,
}

type edge struct {
	from device.ConnectionStatus
	on   trigger
}

// transitions is the complete table. Pairs not listed are ignored.
var transitions = map[edge]device.ConnectionStatus{
	{device.StatusIdle, cmdStart}:         device.StatusStarting,
	{device.StatusDisconnected, cmdStart}: device.StatusStarting,
	{device.StatusError, cmdStart}:        device.StatusStarting,

	{device.StatusStarting, evScanning}:    device.StatusScanning,
	{device.StatusStarting, evConnecting}:  device.StatusConnecting,
	{device.StatusScanning, evConnecting}:  device.StatusConnecting,
	{device.StatusConnecting, evConnected}: device.StatusConnected,

	{device.StatusStarting, cmdStop}:     device.StatusDisconnecting,
	{device.StatusScanning, cmdStop}:     device.StatusDisconnecting,
	{device.StatusConnecting, cmdStop}:   device.StatusDisconnecting,
	{device.StatusConnected, cmdStop}:    device.StatusDisconnecting,
	{device.StatusDisconnected, cmdStop}: device.StatusDisconnecting,
	{device.StatusError, cmdStop}:        device.StatusDisconnecting,

	{device.StatusDisconnecting, evIdle}:  device.StatusIdle,
	{device.StatusDisconnecting, stopAck}: device.StatusIdle,
	{device.StatusDisconnected, stopAck}:  device.StatusIdle,

	{device.StatusIdle, evLost}:          device.StatusDisconnected,
	{device.StatusStarting, evLost}:      device.StatusDisconnected,
	{device.StatusScanning, evLost}:      device.StatusDisconnected,
	{device.StatusConnecting, evLost}:    device.StatusDisconnected,
	{device.StatusConnected, evLost}:     device.StatusDisconnected,
	{device.StatusDisconnecting, evLost}: device.StatusDisconnected,
	{device.StatusError, evLost}:         device.StatusDisconnected,

	{device.StatusIdle, evError}:          device.StatusError,
	{device.StatusStarting, evError}:      device.StatusError,
	{device.StatusScanning, evError}:      device.StatusError,
	{device.StatusConnecting, evError}:    device.StatusError,
	{device.StatusConnected, evError}:     device.StatusError,
	{device.StatusDisconnecting, evError}: device.StatusError,
	{device.StatusDisconnected, evError}:  device.StatusError,
	{device.StatusError, evError}:         device.StatusError,
}

// next returns the target of (from, on). direct enables the starting->connecting
// shortcut taken when the start selector names a specific device.
func next(from device.ConnectionStatus, on trigger, direct bool) (device.ConnectionStatus, bool) {
	if from == device.StatusStarting && on == evConnecting && !direct {
		return from, false
	}
	to, ok := transitions[edge{from, on}]
	return to, ok
}

// Reachable returns every status reachable from s in one step
func Reachable(s device.ConnectionStatus) []device.ConnectionStatus {
	seen := make(map[device.ConnectionStatus]bool)
	var out []device.ConnectionStatus
	for _, candidate := range device.AllStatuses {
		for e, to := range transitions {
			if e.from == s && to == candidate && !seen[to] {
				seen[to] = true
				out = append(out, to)
			}
		}
	}
	return out
}
