// Package connection owns the authoritative connection status.
//
// The Machine is driven by two inputs: commands (Start, Stop) issued by the
// caller, and status/device/error events delivered by the EventBridge
// dispatcher. Every accepted transition is published to watchers.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/vitalsync/internal/bridge"
	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/metrics"
	"github.com/srg/vitalsync/internal/permission"
	"github.com/srg/vitalsync/internal/registry"
	"github.com/srg/vitalsync/internal/ringchan"
)

// DefaultWatchBuffer is used when Watch is given a non-positive buffer
const DefaultWatchBuffer = 16

// StatusChange is one published transition
type StatusChange struct {
	Status   device.ConnectionStatus `json:"status"`
	Previous device.ConnectionStatus `json:"previous"`
	Message  string                  `json:"message,omitempty"`
	At       time.Time               `json:"at"`
}

// Config for a Machine
type Config struct {
	// DefaultNamePrefix is used when Start is given no selector
	DefaultNamePrefix string
	// Gate must grant Required before any scan is issued; nil allows everything
	Gate     permission.Gate
	Required []permission.Capability
}

// Option configures a Machine
type Option func(*Machine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mc *Machine) { mc.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(mc *Machine) { mc.now = now }
}

// Machine is the connection state machine
type Machine struct {
	events   *bridge.EventBridge
	native   bridge.Commander
	registry *registry.Registry
	cfg      Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// cmdMu sequences commands: a Stop issued during a pending Start runs after it
	cmdMu sync.Mutex

	mu       sync.RWMutex
	status   device.ConnectionStatus
	message  string
	since    time.Time
	direct   bool
	watchers map[*Watcher]struct{}

	subs []*bridge.Subscription
}

// New creates a Machine in the idle state and subscribes it to eb's status,
// device and error channels.
func New(eb *bridge.EventBridge, reg *registry.Registry, cfg Config, logger *logrus.Logger, opts ...Option) (*Machine, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Gate == nil {
		cfg.Gate = permission.AllowAll
	}
	if reg == nil {
		reg = registry.New(logger)
	}

	m := &Machine{
		events:   eb,
		native:   eb.Native(),
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		status:   device.StatusIdle,
		watchers: make(map[*Watcher]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.since = m.now()

	statusSub, err := eb.OnStatus(m.handleStatus)
	if err != nil {
		return nil, err
	}
	deviceSub, err := eb.OnDevice(m.handleDevice)
	if err != nil {
		statusSub.Unsubscribe()
		return nil, err
	}
	errorSub, err := eb.OnError(m.handleError)
	if err != nil {
		statusSub.Unsubscribe()
		deviceSub.Unsubscribe()
		return nil, err
	}
	m.subs = []*bridge.Subscription{statusSub, deviceSub, errorSub}
	return m, nil
}

// Registry returns the device registry the machine maintains
func (m *Machine) Registry() *registry.Registry {
	return m.registry
}

// Status returns the current status and its message
func (m *Machine) Status() (device.ConnectionStatus, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.message
}

// Since returns when the current status was entered
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Start begins a connection attempt.
//
// It returns a ConfigurationError when no selector is given and no default
// prefix is configured, and a permission.DeniedError when the gate refuses;
// in both cases the machine does not move and the bridge is not called.
// A bridge failure is recorded as the error state and Start returns nil.
func (m *Machine) Start(ctx context.Context, opts device.StartOptions) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	kind, value := opts.Selector()
	if kind == device.SelectNone {
		opts.NamePrefix = m.cfg.DefaultNamePrefix
		kind, value = opts.Selector()
	}
	if kind == device.SelectNone {
		return device.NewConfigurationError("selector", "start requires a device id, mac address or name prefix", device.ErrNoSelector)
	}

	current, _ := m.Status()
	if _, ok := next(current, cmdStart, false); !ok {
		return fmt.Errorf("%w: start while %s", device.ErrInvalidTransition, current)
	}

	if err := m.cfg.Gate.Request(ctx, m.cfg.Required); err != nil {
		m.logger.WithError(err).Warn("Start blocked by permission gate")
		return err
	}

	m.mu.Lock()
	m.direct = opts.Direct()
	m.fireLocked(cmdStart, "")
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"selector": kind,
		"value":    value,
	}).Info("Starting connection")

	if err := m.native.StartBle(ctx, opts); err != nil {
		berr := &device.BridgeError{Op: "start", Err: err}
		m.metrics.BridgeError()
		m.logger.WithError(err).Error("Bridge start failed")
		m.mu.Lock()
		m.fireLocked(evError, berr.Error())
		m.mu.Unlock()
	}
	return nil
}

// Stop ends the current attempt or connection. It is a no-op while idle or
// already disconnecting. A bridge failure is recorded as the error state.
// Stop must not be called from a bridge event handler.
func (m *Machine) Stop(ctx context.Context) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	m.mu.Lock()
	if !m.fireLocked(cmdStop, "") {
		status := m.status
		m.mu.Unlock()
		m.logger.WithField("status", status).Debug("Stop ignored")
		return nil
	}
	m.mu.Unlock()

	err := m.native.StopBle(ctx)
	m.registry.ClearConnected()

	// events the bridge emitted while stopping are applied before the ack,
	// so a late link-lost status cannot follow the machine into idle
	if ferr := m.events.Flush(ctx); ferr != nil {
		m.logger.WithError(ferr).Debug("Bridge flush before stop ack failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		berr := &device.BridgeError{Op: "stop", Err: err}
		m.metrics.BridgeError()
		m.logger.WithError(err).Error("Bridge stop failed")
		m.fireLocked(evError, berr.Error())
		return nil
	}
	m.fireLocked(stopAck, "")
	return nil
}

// Close unsubscribes from the bridge and closes every watcher
func (m *Machine) Close() {
	for _, s := range m.subs {
		s.Unsubscribe()
	}

	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[*Watcher]struct{})
	m.mu.Unlock()

	for w := range watchers {
		w.ring.Close()
	}
}

func (m *Machine) handleStatus(ev bridge.StatusEvent) {
	on, ok := statusTriggers[ev.Status]
	if !ok {
		m.logger.WithField("status", ev.Status).Warn("Ignoring unknown bridge status")
		return
	}

	m.mu.Lock()
	fired := m.fireLocked(on, ev.Message)
	m.mu.Unlock()

	if fired && on == evLost {
		m.registry.ClearConnected()
	}
	if fired && on == evError {
		m.metrics.BridgeError()
	}
}

func (m *Machine) handleDevice(ev bridge.DeviceEvent) {
	switch ev.Kind {
	case device.DeviceDiscovered:
		m.registry.OnDiscovered(ev.Device)
	case device.DeviceConnected:
		m.registry.OnConnected(ev.Device)
	case device.DeviceDisconnected:
		m.registry.OnDisconnected(ev.Device)

		// losing any device while connected means the link is gone
		m.mu.Lock()
		fired := false
		if m.status == device.StatusConnected {
			fired = m.fireLocked(evLost, fmt.Sprintf("device %s disconnected", ev.Device.ID))
		}
		m.mu.Unlock()
		if fired {
			m.registry.ClearConnected()
		}
	default:
		m.logger.WithField("event", ev.Kind).Warn("Ignoring unknown device event")
	}
}

func (m *Machine) handleError(ev bridge.ErrorEvent) {
	m.metrics.BridgeError()
	m.mu.Lock()
	m.fireLocked(evError, ev.Message)
	m.mu.Unlock()
}

// fireLocked applies on to the current status and publishes the change.
// It reports whether a transition was accepted. Repeating the current status
// with the same message is accepted silently.
func (m *Machine) fireLocked(on trigger, message string) bool {
	from := m.status
	to, ok := next(from, on, m.direct)
	if !ok {
		m.logger.WithFields(logrus.Fields{
			"status":  from,
			"trigger": on,
		}).Debug("Ignoring event with no transition")
		return false
	}
	if to == from && message == m.message {
		return true
	}

	m.status = to
	m.message = message
	m.since = m.now()

	change := StatusChange{Status: to, Previous: from, Message: message, At: m.since}
	for w := range m.watchers {
		w.ring.Send(change)
	}
	m.metrics.SetConnectionStatus(to)

	entry := m.logger.WithFields(logrus.Fields{
		"from":   from,
		"status": to,
	})
	if message != "" {
		entry = entry.WithField("message", message)
	}
	if to == device.StatusError {
		entry.Error("Connection status changed")
	} else {
		entry.Info("Connection status changed")
	}
	return true
}

// Watcher receives status changes. Slow watchers lose the oldest changes.
type Watcher struct {
	ring *ringchan.Ring[StatusChange]
	m    *Machine
}

// Watch subscribes to status changes made after the call
func (m *Machine) Watch(buffer int) *Watcher {
	if buffer <= 0 {
		buffer = DefaultWatchBuffer
	}
	w := &Watcher{ring: ringchan.New[StatusChange](buffer), m: m}
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()
	return w
}

// C returns the change stream; it is closed by Close
func (w *Watcher) C() <-chan StatusChange {
	return w.ring.C()
}

// Dropped returns how many changes were discarded for this watcher
func (w *Watcher) Dropped() int64 {
	_, dropped := w.ring.Stats()
	return dropped
}

// Close stops delivery and closes C. Safe to call more than once.
func (w *Watcher) Close() {
	w.m.mu.Lock()
	delete(w.m.watchers, w)
	w.m.mu.Unlock()
	w.ring.Close()
}
