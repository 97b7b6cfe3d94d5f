// Package registry tracks discovered devices and the single connected-device reference.
package registry

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/vitalsync/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry is written by one goroutine (the bridge dispatcher) and read by many.
// Every read returns a copy, so callers never observe a half-applied update.
type Registry struct {
	mu        sync.RWMutex
	devices   *orderedmap.OrderedMap[string, device.Device]
	connected string // "" when no device is connected
	logger    *logrus.Logger
}

// New creates an empty Registry
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		devices: orderedmap.New[string, device.Device](),
		logger:  logger,
	}
}

// OnDiscovered upserts dev. Name and signal strength are refreshed; discovery order is kept.
func (r *Registry) OnDiscovered(dev device.Device) {
	if dev.ID == "" {
		r.logger.Warn("Ignoring discovered device without id")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	merged, existed := r.merge(dev)
	r.devices.Set(dev.ID, merged)

	if !existed {
		r.logger.WithFields(logrus.Fields{
			"device_id": dev.ID,
			"name":      merged.Name,
		}).Info("Discovered device")
	}
}

// OnConnected upserts dev and makes it the connected device
func (r *Registry) OnConnected(dev device.Device) {
	if dev.ID == "" {
		r.logger.Warn("Ignoring connected device without id")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	merged, _ := r.merge(dev)
	r.devices.Set(dev.ID, merged)
	r.connected = dev.ID

	r.logger.WithFields(logrus.Fields{
		"device_id": dev.ID,
		"name":      merged.Name,
	}).Info("Device connected")
}

// OnDisconnected removes dev from the known set and clears the connected
// reference if it pointed at dev.
func (r *Registry) OnDisconnected(dev device.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices.Delete(dev.ID)
	if r.connected == dev.ID {
		r.connected = ""
	}

	r.logger.WithField("device_id", dev.ID).Info("Device disconnected")
}

// ClearConnected drops the connected reference without touching the known set
func (r *Registry) ClearConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = ""
}

// Connected returns a copy of the connected device
func (r *Registry) Connected() (device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.connected == "" {
		return device.Device{}, false
	}
	dev, ok := r.devices.Get(r.connected)
	if !ok {
		return device.Device{}, false
	}
	return dev.Clone(), true
}

// Get returns a copy of the device with the given id
func (r *Registry) Get(id string) (device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices.Get(id)
	if !ok {
		return device.Device{}, false
	}
	return dev.Clone(), true
}

// Snapshot returns copies of every known device in discovery order
func (r *Registry) Snapshot() []device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]device.Device, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.Clone())
	}
	return out
}

// Len returns the number of known devices
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.Len()
}

// Reset forgets every device
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = orderedmap.New[string, device.Device]()
	r.connected = ""
}

// merge keeps previously known fields the new record leaves empty
func (r *Registry) merge(dev device.Device) (device.Device, bool) {
	merged := dev.Clone()
	prev, existed := r.devices.Get(dev.ID)
	if !existed {
		return merged, false
	}
	if merged.Name == "" {
		merged.Name = prev.Name
	}
	if merged.SignalStrength == nil && prev.SignalStrength != nil {
		rssi := *prev.SignalStrength
		merged.SignalStrength = &rssi
	}
	return merged, true
}
