// Package sim is a native bridge that plays a LIFEBAND wearable without a radio.
//
// StartBle walks the same status sequence a real band produces (scanning,
// connecting, connected) and then emits synthetic vitals on a ticker until
// StopBle or a simulated link loss.
package sim

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/vitalsync/internal/bridge"
	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/groutine"
)

const (
	DefaultDeviceID   = "SIM-00:11:22:33:44:55"
	DefaultDeviceName = "LIFEBAND-SIM"
	DefaultInterval   = time.Second
	DefaultStepDelay  = 200 * time.Millisecond
)

var ErrAlreadyStarted = errors.New("simulated session already running")

// Config for a Driver. Zero values take the defaults above.
type Config struct {
	DeviceID   string
	DeviceName string
	RSSI       int
	Interval   time.Duration
	StepDelay  time.Duration
	// DropAfter simulates link loss after that many readings; 0 never drops
	DropAfter int
	Seed      int64
	Now       func() time.Time
}

// Driver implements bridge.Native
type Driver struct {
	cfg    Config
	logger *logrus.Logger

	sinkMu sync.RWMutex
	sink   func(bridge.Event)

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	patient  string
	endpoint string
	rng      *rand.Rand
}

// New creates a simulator
func New(cfg Config, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = DefaultDeviceID
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	if cfg.RSSI == 0 {
		cfg.RSSI = -58
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = DefaultStepDelay
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Driver{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Listen implements bridge.Native
func (d *Driver) Listen(sink func(bridge.Event)) func() {
	d.sinkMu.Lock()
	d.sink = sink
	d.sinkMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.sinkMu.Lock()
			d.sink = nil
			d.sinkMu.Unlock()
		})
	}
}

func (d *Driver) emit(e bridge.Event) {
	d.sinkMu.RLock()
	sink := d.sink
	d.sinkMu.RUnlock()
	if sink != nil {
		sink(e)
	}
}

// StartBle begins the simulated session. A selector that cannot match the
// simulated band ends in an error event after the scan delay.
func (d *Driver) StartBle(ctx context.Context, opts device.StartOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done != nil {
		select {
		case <-d.done:
		default:
			return ErrAlreadyStarted
		}
	}

	sctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.cancel, d.done = cancel, done

	groutine.Go(sctx, "sim-session", func(ctx context.Context) {
		defer close(done)
		d.run(ctx, opts)
	})
	return nil
}

// StopBle ends the session and reports idle
func (d *Driver) StopBle(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.emit(bridge.StatusEvent{Status: bridge.NativeIdle})
	return nil
}

// SetPatientID records the binding the band would receive
func (d *Driver) SetPatientID(ctx context.Context, id string) error {
	d.mu.Lock()
	d.patient = id
	d.mu.Unlock()
	d.logger.WithField("patient_id", id).Debug("Simulated band bound to patient")
	return nil
}

// SetUploadEndpoint records the endpoint the band would receive
func (d *Driver) SetUploadEndpoint(ctx context.Context, url string) error {
	d.mu.Lock()
	d.endpoint = url
	d.mu.Unlock()
	d.logger.WithField("endpoint", url).Debug("Simulated band endpoint set")
	return nil
}

// Bindings returns the last patient id and endpoint pushed to the band
func (d *Driver) Bindings() (patient, endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.patient, d.endpoint
}

func (d *Driver) band() device.Device {
	rssi := d.cfg.RSSI
	return device.Device{ID: d.cfg.DeviceID, Name: d.cfg.DeviceName, SignalStrength: &rssi}
}

// matches reports whether the selector would find the simulated band
func (d *Driver) matches(opts device.StartOptions) bool {
	kind, value := opts.Selector()
	switch kind {
	case device.SelectByID, device.SelectByMAC:
		return strings.EqualFold(value, d.cfg.DeviceID)
	case device.SelectByPrefix:
		return strings.HasPrefix(strings.ToUpper(d.cfg.DeviceName), strings.ToUpper(value))
	default:
		return false
	}
}

func (d *Driver) sleep(ctx context.Context) bool {
	t := time.NewTimer(d.cfg.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (d *Driver) run(ctx context.Context, opts device.StartOptions) {
	band := d.band()

	if !opts.Direct() {
		d.emit(bridge.StatusEvent{Status: bridge.NativeScanning})
		if !d.sleep(ctx) {
			return
		}
		if !d.matches(opts) {
			_, prefix := opts.Selector()
			d.emit(bridge.ErrorEvent{Message: "no device named " + prefix + "* found"})
			return
		}
		d.emit(bridge.DeviceEvent{Device: band, Kind: device.DeviceDiscovered})
	} else if !d.matches(opts) {
		_, id := opts.Selector()
		d.emit(bridge.StatusEvent{Status: bridge.NativeConnecting})
		if d.sleep(ctx) {
			d.emit(bridge.ErrorEvent{Message: "connect to " + id + " failed: device not found"})
		}
		return
	}

	d.emit(bridge.StatusEvent{Status: bridge.NativeConnecting})
	if !d.sleep(ctx) {
		return
	}
	d.emit(bridge.DeviceEvent{Device: band, Kind: device.DeviceConnected})
	d.emit(bridge.StatusEvent{Status: bridge.NativeConnected})
	d.logger.WithField("device_id", band.ID).Info("Simulated band connected")

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	v := newVitals()
	sent := 0
	for {
		select {
		case <-ctx.Done():
			d.emit(bridge.DeviceEvent{Device: band, Kind: device.DeviceDisconnected})
			return
		case <-ticker.C:
			d.mu.Lock()
			v.step(d.rng)
			d.mu.Unlock()
			d.emit(bridge.ReadingEvent{Reading: v.reading(d.cfg.Now())})
			sent++

			if d.cfg.DropAfter > 0 && sent >= d.cfg.DropAfter {
				d.logger.WithField("count", sent).Info("Simulating link loss")
				d.emit(bridge.DeviceEvent{Device: band, Kind: device.DeviceDisconnected})
				d.emit(bridge.StatusEvent{Status: bridge.NativeDisconnected, Message: "link lost"})
				return
			}
		}
	}
}

// vitals is a bounded random walk around resting adult values
type vitals struct {
	hr, spo2, hrv, sys, dia, temp float64
}

func newVitals() *vitals {
	return &vitals{hr: 72, spo2: 97, hrv: 45, sys: 120, dia: 80, temp: 36.8}
}

func (v *vitals) step(rng *rand.Rand) {
	walk := func(x, sigma, lo, hi float64) float64 {
		return math.Min(hi, math.Max(lo, x+rng.NormFloat64()*sigma))
	}
	v.hr = walk(v.hr, 1.5, 45, 150)
	v.spo2 = walk(v.spo2, 0.3, 88, 100)
	v.hrv = walk(v.hrv, 2, 10, 120)
	v.sys = walk(v.sys, 1.2, 90, 170)
	v.dia = walk(v.dia, 0.8, 55, 110)
	v.temp = walk(v.temp, 0.03, 35.5, 39.5)
}

func (v *vitals) reading(at time.Time) bridge.RawReading {
	return bridge.RawReading{
		HeartRate:   v.hr,
		SpO2:        v.spo2,
		HRV:         v.hrv,
		SystolicBP:  v.sys,
		DiastolicBP: v.dia,
		Temperature: v.temp,
		TimestampMs: at.UnixMilli(),
	}
}
