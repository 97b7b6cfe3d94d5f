// Package goble is the native bridge for real LIFEBAND wearables, built on go-ble.
//
// The band exposes a Nordic UART service. Vitals arrive on the TX
// characteristic as newline-delimited JSON; control frames (patient id,
// upload endpoint) are written to RX.
package goble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/vitalsync/internal/bridge"
	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/groutine"
)

var (
	UARTServiceUUID = ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	UARTRxUUID      = ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E") // host -> band
	UARTTxUUID      = ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E") // band -> host
)

const (
	DefaultScanTimeout    = 30 * time.Second
	DefaultConnectTimeout = 15 * time.Second
)

var ErrAlreadyStarted = errors.New("radio session already running")

// Config for a Driver
type Config struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	InboxSize      int
}

// Driver implements bridge.Native over a go-ble device
type Driver struct {
	cfg    Config
	logger *logrus.Logger

	sinkMu sync.RWMutex
	sink   func(bridge.Event)

	mu      sync.Mutex
	session *session
	// dev is opened on the first StartBle and reused until Close
	dev    ble.Device
	closed bool
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	client ble.Client
	rx     *ble.Characteristic
}

// New creates a Driver. The radio is opened lazily on StartBle.
func New(cfg Config, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Driver{cfg: cfg, logger: logger}
}

// Listen implements bridge.Native. Only one sink is kept.
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

func (d *Driver) status(s, msg string) {
	d.emit(bridge.StatusEvent{Status: s, Message: msg})
}

func (d *Driver) fail(msg string, err error) {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, NormalizeError(err))
	}
	d.logger.Error(msg)
	d.emit(bridge.ErrorEvent{Message: msg})
}

// StartBle opens the radio and runs a scan/connect/stream session in the
// background. The ack means the session was accepted, not that a device was found.
func (d *Driver) StartBle(ctx context.Context, opts device.StartOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		select {
		case <-d.session.done:
			d.session = nil
		default:
			return ErrAlreadyStarted
		}
	}

	if d.closed {
		return device.ErrClosed
	}
	dev, err := d.deviceLocked()
	if err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, done: make(chan struct{})}
	d.session = s

	groutine.Go(sctx, "goble-session", func(ctx context.Context) {
		defer close(s.done)
		d.run(ctx, dev, s, opts)
	})
	return nil
}

// deviceLocked returns the shared radio, opening it on first use
func (d *Driver) deviceLocked() (ble.Device, error) {
	if d.dev != nil {
		return d.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	ble.SetDefaultDevice(dev)
	d.dev = dev
	d.logger.Debug("Radio opened")
	return dev, nil
}

// Close ends any session and releases the radio. The driver cannot be restarted.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	s, dev := d.session, d.dev
	d.session, d.dev = nil, nil
	d.mu.Unlock()

	if s != nil {
		s.cancel()
		<-s.done
	}
	if dev == nil {
		return nil
	}
	if err := dev.Stop(); err != nil {
		return NormalizeError(err)
	}
	d.logger.Debug("Radio closed")
	return nil
}

// StopBle cancels the running session and waits for it to release the radio
func (d *Driver) StopBle(ctx context.Context) error {
	d.mu.Lock()
	s := d.session
	d.session = nil
	d.mu.Unlock()

	if s == nil {
		d.status(bridge.NativeIdle, "")
		return nil
	}

	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetPatientID forwards id to a connected band. Without a link it is a no-op;
// the caller re-pushes bindings once connected.
func (d *Driver) SetPatientID(ctx context.Context, id string) error {
	return d.control(d.current(), controlFrame{PatientID: &id})
}

// SetUploadEndpoint forwards url to a connected band
func (d *Driver) SetUploadEndpoint(ctx context.Context, url string) error {
	return d.control(d.current(), controlFrame{UploadEndpoint: &url})
}

func (d *Driver) current() *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// controlFrame carries only the field being set. An empty string is sent
// as-is and tells the band to clear that binding.
type controlFrame struct {
	PatientID      *string `json:"patientId,omitempty"`
	UploadEndpoint *string `json:"uploadEndpoint,omitempty"`
}

// encode renders the frame as one newline-terminated line
func (f controlFrame) encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (d *Driver) control(s *session, frame controlFrame) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	client, rx := s.client, s.rx
	s.mu.Unlock()
	if client == nil || rx == nil {
		return nil
	}

	data, err := frame.encode()
	if err != nil {
		return err
	}
	if err := client.WriteCharacteristic(rx, data, true); err != nil {
		return &device.BridgeError{Op: "control", Err: NormalizeError(err)}
	}
	return nil
}

func (d *Driver) run(ctx context.Context, dev ble.Device, s *session, opts device.StartOptions) {
	kind, value := opts.Selector()

	addr, name := value, ""
	if kind == device.SelectByPrefix {
		var err error
		addr, name, err = d.scan(ctx, dev, value)
		if err != nil {
			if ctx.Err() != nil {
				d.status(bridge.NativeIdle, "")
				return
			}
			d.fail("scan failed", err)
			return
		}
	}

	d.status(bridge.NativeConnecting, "")
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	client, err := ble.Dial(dialCtx, ble.NewAddr(addr))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			d.status(bridge.NativeIdle, "")
			return
		}
		d.fail(fmt.Sprintf("connect to %s failed", addr), err)
		return
	}

	band := device.Device{ID: strings.ToUpper(addr), Name: name}
	if err := d.stream(ctx, client, s, band); err != nil {
		_ = client.CancelConnection()
		d.fail("device setup failed", err)
	}
}

// scan waits for the first advertisement whose name starts with prefix
func (d *Driver) scan(ctx context.Context, dev ble.Device, prefix string) (addr, name string, err error) {
	d.status(bridge.NativeScanning, "")

	scanCtx, cancel := context.WithTimeout(ctx, d.cfg.ScanTimeout)
	defer cancel()

	var once sync.Once
	handler := func(adv ble.Advertisement) {
		dev, ok := match(adv, prefix)
		if !ok {
			return
		}
		d.emit(bridge.DeviceEvent{Device: dev, Kind: device.DeviceDiscovered})
		once.Do(func() {
			addr, name = adv.Addr().String(), adv.LocalName()
			cancel()
		})
	}

	err = dev.Scan(scanCtx, false, handler)
	if addr != "" {
		return addr, name, nil
	}
	if ctx.Err() != nil {
		return "", "", ctx.Err()
	}
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		return "", "", fmt.Errorf("no device named %s* found within %s", prefix, d.cfg.ScanTimeout)
	}
	return "", "", err
}

func (d *Driver) stream(ctx context.Context, client ble.Client, s *session, dev device.Device) error {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("discover profile: %w", err)
	}
	tx := findCharacteristic(profile, UARTTxUUID)
	if tx == nil {
		return fmt.Errorf("uart tx characteristic %s not found", UARTTxUUID)
	}
	rx := findCharacteristic(profile, UARTRxUUID)

	framer := NewFramer(d.cfg.InboxSize, func(r bridge.RawReading) {
		d.emit(bridge.ReadingEvent{Reading: r})
	}, d.logger)
	fctx, cancelFramer := context.WithCancel(ctx)
	var framerWG sync.WaitGroup
	groutine.GoWait(fctx, &framerWG, "goble-framer", framer.Run)
	// Run flushes the inbox on cancel; waiting keeps frames ahead of the disconnect events
	stopFramer := func() {
		cancelFramer()
		framerWG.Wait()
	}
	defer stopFramer()

	if err := client.Subscribe(tx, false, framer.Push); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	s.client, s.rx = client, rx
	s.mu.Unlock()

	d.emit(bridge.DeviceEvent{Device: dev, Kind: device.DeviceConnected})
	d.status(bridge.NativeConnected, "")
	d.logger.WithFields(logrus.Fields{
		"device_id": dev.ID,
		"name":      dev.Name,
	}).Info("Band connected")

	select {
	case <-client.Disconnected():
		stopFramer()
		d.emit(bridge.DeviceEvent{Device: dev, Kind: device.DeviceDisconnected})
		d.status(bridge.NativeDisconnected, "link lost")
	case <-ctx.Done():
		_ = client.Unsubscribe(tx, false)
		_ = client.CancelConnection()
		stopFramer()
		d.emit(bridge.DeviceEvent{Device: dev, Kind: device.DeviceDisconnected})
		d.status(bridge.NativeIdle, "")
	}

	s.mu.Lock()
	s.client, s.rx = nil, nil
	s.mu.Unlock()
	return nil
}

func findCharacteristic(p *ble.Profile, id ble.UUID) *ble.Characteristic {
	for _, svc := range p.Services {
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(id) {
				return c
			}
		}
	}
	return nil
}

// advert is the part of ble.Advertisement the scan filter reads
type advert interface {
	LocalName() string
	RSSI() int
	Addr() ble.Addr
}

// match reports whether adv is a band whose name starts with prefix (case-insensitive)
func match(adv advert, prefix string) (device.Device, bool) {
	name := adv.LocalName()
	if name == "" || !strings.HasPrefix(strings.ToUpper(name), strings.ToUpper(prefix)) {
		return device.Device{}, false
	}
	rssi := adv.RSSI()
	return device.Device{
		ID:             strings.ToUpper(adv.Addr().String()),
		Name:           name,
		SignalStrength: &rssi,
	}, true
}
