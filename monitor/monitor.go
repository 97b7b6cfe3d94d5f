// Package monitor wires the wearable connection, the reading pipeline, the
// offline queue and the sync engine into a single handle.
//
// A Monitor owns one native bridge. Commands (Start, Stop, SetPatientID,
// SetUploadEndpoint, SyncNow, ClearHistory) may be called from any goroutine.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/srg/vitalsync/internal/bridge"
	"github.com/srg/vitalsync/internal/connection"
	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/groutine"
	"github.com/srg/vitalsync/internal/ingest"
	"github.com/srg/vitalsync/internal/metrics"
	"github.com/srg/vitalsync/internal/permission"
	"github.com/srg/vitalsync/internal/registry"
	"github.com/srg/vitalsync/internal/ringchan"
	"github.com/srg/vitalsync/internal/store"
	"github.com/srg/vitalsync/internal/uplink"
	"github.com/srg/vitalsync/pkg/config"
)

// closeTimeout bounds the stop issued by Close
const closeTimeout = 5 * time.Second

// Options configures a Monitor. Native and one of StorePath/DataDir are required.
type Options struct {
	Native    bridge.Native
	DataDir   string
	StorePath string // overrides DataDir

	Logger  *logrus.Logger
	Metrics *metrics.Metrics

	NamePrefix string
	Gate       permission.Gate
	Required   []permission.Capability

	// Endpoint is used when no endpoint has been persisted
	Endpoint    string
	SyncTimeout time.Duration
	MaxBatch    int
	HTTPClient  *resty.Client

	QueueSize int
	Clock     func() time.Time
}

// OptionsFromConfig maps the file configuration onto Options
func OptionsFromConfig(cfg *config.Config, native bridge.Native, logger *logrus.Logger) (Options, error) {
	gate, required, err := cfg.Gate()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Native:      native,
		DataDir:     cfg.DataDir,
		Logger:      logger,
		NamePrefix:  cfg.Device.NamePrefix,
		Gate:        gate,
		Required:    required,
		Endpoint:    cfg.Sync.Endpoint,
		SyncTimeout: cfg.Sync.Timeout,
		MaxBatch:    cfg.Sync.MaxBatch,
		QueueSize:   cfg.Bridge.QueueSize,
	}, nil
}

// Status is a point-in-time view of everything the monitor tracks
type Status struct {
	Connection device.ConnectionStatus `json:"connection"`
	Message    string                  `json:"message,omitempty"`
	Since      time.Time               `json:"since"`
	Devices    []device.Device         `json:"devices"`
	Connected  *device.Device          `json:"connectedDevice,omitempty"`
	Live       []device.Reading        `json:"live"`
	PatientID  string                  `json:"patientId,omitempty"`
	Endpoint   string                  `json:"uploadEndpoint,omitempty"`
	Sync       uplink.State            `json:"sync"`
	Pending    int                     `json:"pending"`
	Total      int                     `json:"total"`
}

// Monitor is the facade over every component
type Monitor struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics

	store    *store.Store
	bridge   *bridge.EventBridge
	machine  *connection.Machine
	pipeline *ingest.Pipeline
	engine   *uplink.Engine
	native   bridge.Commander

	// bindMu orders binding changes against the re-push on connect
	bindMu sync.Mutex

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the store, restores persisted bindings and starts listening to the bridge
func New(opts Options) (*Monitor, error) {
	if opts.Native == nil {
		return nil, device.NewConfigurationError("native", "a native bridge is required", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	path := opts.StorePath
	if path == "" {
		if opts.DataDir == "" {
			return nil, device.NewConfigurationError("data_dir", "a data directory is required", nil)
		}
		path = store.DefaultPath(opts.DataDir)
	}

	st, err := store.Open(path, logger)
	if err != nil {
		return nil, err
	}

	m := &Monitor{logger: logger, metrics: opts.Metrics, store: st}
	if err := m.wire(opts); err != nil {
		_ = m.bridgeClose()
		_ = st.Close()
		return nil, err
	}
	return m, nil
}

func (m *Monitor) wire(opts Options) error {
	var pipelineOpts []ingest.Option
	var engineOpts []uplink.Option
	var machineOpts []connection.Option
	if m.metrics != nil {
		pipelineOpts = append(pipelineOpts, ingest.WithMetrics(m.metrics))
		engineOpts = append(engineOpts, uplink.WithMetrics(m.metrics))
		machineOpts = append(machineOpts, connection.WithMetrics(m.metrics))
	}
	if opts.Clock != nil {
		pipelineOpts = append(pipelineOpts, ingest.WithClock(opts.Clock))
		engineOpts = append(engineOpts, uplink.WithClock(opts.Clock))
		machineOpts = append(machineOpts, connection.WithClock(opts.Clock))
	}
	if opts.HTTPClient != nil {
		engineOpts = append(engineOpts, uplink.WithClient(opts.HTTPClient))
	}

	m.pipeline = ingest.New(m.store, m.logger, pipelineOpts...)
	m.store.OnClear(m.pipeline.ResetLive)

	patient, _, err := m.store.Setting(store.SettingPatientID)
	if err != nil {
		return err
	}
	endpoint, ok, err := m.store.Setting(store.SettingUploadEndpoint)
	if err != nil {
		return err
	}
	if !ok {
		endpoint = opts.Endpoint
	}
	m.pipeline.BindPatient(patient)

	m.engine = uplink.New(m.store, uplink.Config{
		Endpoint: endpoint,
		Timeout:  opts.SyncTimeout,
		MaxBatch: opts.MaxBatch,
	}, m.logger, engineOpts...)

	if _, pending, err := m.store.Counts(); err == nil {
		m.metrics.SetPending(pending)
	}

	m.bridge = bridge.New(opts.Native, opts.QueueSize, m.logger)
	m.native = m.bridge.Native()

	m.machine, err = connection.New(m.bridge, registry.New(m.logger), connection.Config{
		DefaultNamePrefix: opts.NamePrefix,
		Gate:              opts.Gate,
		Required:          opts.Required,
	}, m.logger, machineOpts...)
	if err != nil {
		return err
	}

	if _, err := m.bridge.OnReading(m.pipeline.Handle); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	watcher := m.machine.Watch(0)
	groutine.GoWait(ctx, &m.wg, "monitor-rebind", func(ctx context.Context) {
		m.rebindOnConnect(ctx, watcher)
	})

	if err := m.bridge.Open(context.Background()); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"store":      m.store.Path(),
		"patient_id": patient,
		"endpoint":   endpoint,
	}).Debug("Monitor ready")
	return nil
}

func (m *Monitor) bridgeClose() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.machine != nil {
		m.machine.Close()
	}
	var err error
	if m.bridge != nil {
		err = m.bridge.Close()
	}
	// natives holding a radio release it once nothing can command them
	if c, ok := m.native.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// rebindOnConnect pushes the current bindings each time the link comes up
func (m *Monitor) rebindOnConnect(ctx context.Context, w *connection.Watcher) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-w.C():
			if !ok {
				return
			}
			if change.Status != device.StatusConnected {
				continue
			}
			if err := m.pushBindings(ctx); err != nil {
				m.logger.WithError(err).Warn("Failed to push bindings to device")
			}
		}
	}
}

func (m *Monitor) pushBindings(ctx context.Context) error {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	var errs []error
	if patient := m.pipeline.PatientID(); patient != "" {
		if err := m.native.SetPatientID(ctx, patient); err != nil {
			errs = append(errs, &device.BridgeError{Op: "setPatientId", Err: err})
		}
	}
	if endpoint := m.engine.Endpoint(); endpoint != "" {
		if err := m.native.SetUploadEndpoint(ctx, endpoint); err != nil {
			errs = append(errs, &device.BridgeError{Op: "setUploadEndpoint", Err: err})
		}
	}
	return errors.Join(errs...)
}

// Start begins connecting to a wearable
func (m *Monitor) Start(ctx context.Context, opts device.StartOptions) error {
	return m.machine.Start(ctx, opts)
}

// Stop ends the current attempt or connection
func (m *Monitor) Stop(ctx context.Context) error {
	return m.machine.Stop(ctx)
}

// SetPatientID binds readings received from now on to id, persists the binding
// and forwards it to the bridge. An empty id unbinds. The binding is kept even
// when the bridge rejects it; the error is then a *device.BridgeError.
func (m *Monitor) SetPatientID(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)

	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	if err := m.store.PutSetting(store.SettingPatientID, id); err != nil {
		return err
	}
	m.pipeline.BindPatient(id)

	if err := m.native.SetPatientID(ctx, id); err != nil {
		m.metrics.BridgeError()
		return &device.BridgeError{Op: "setPatientId", Err: err}
	}
	return nil
}

// SetUploadEndpoint sets the sync target for subsequent sync passes.
// An empty url clears it.
func (m *Monitor) SetUploadEndpoint(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url != "" {
		if err := config.ValidateEndpoint(url); err != nil {
			return err
		}
	}

	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	if err := m.store.PutSetting(store.SettingUploadEndpoint, url); err != nil {
		return err
	}
	m.engine.SetEndpoint(url)

	if err := m.native.SetUploadEndpoint(ctx, url); err != nil {
		m.metrics.BridgeError()
		return &device.BridgeError{Op: "setUploadEndpoint", Err: err}
	}
	return nil
}

// SyncNow runs one sync pass. LastErr carries the typed failure, if any.
func (m *Monitor) SyncNow(ctx context.Context) uplink.State {
	return m.engine.SyncNow(ctx)
}

// LastSyncErr returns the *uplink.SyncError of the last failed pass, nil after a success
func (m *Monitor) LastSyncErr() error {
	return m.engine.LastErr()
}

// RunSync calls SyncNow every interval until ctx is done
func (m *Monitor) RunSync(ctx context.Context, interval time.Duration) error {
	return m.engine.Run(ctx, interval)
}

// ClearHistory deletes every queued reading, synced or not, and empties the live window
func (m *Monitor) ClearHistory() error {
	if err := m.store.ClearAll(); err != nil {
		return err
	}
	m.metrics.SetPending(0)
	m.logger.Info("Reading history cleared")
	return nil
}

// Pending lists the readings still waiting for upload, oldest first
func (m *Monitor) Pending() ([]device.QueuedReading, error) {
	return m.store.ListUnsynced()
}

// Snapshot returns the current state of every component
func (m *Monitor) Snapshot() (Status, error) {
	status, msg := m.machine.Status()
	reg := m.machine.Registry()

	s := Status{
		Connection: status,
		Message:    msg,
		Since:      m.machine.Since(),
		Devices:    reg.Snapshot(),
		Live:       m.pipeline.Live(),
		PatientID:  m.pipeline.PatientID(),
		Endpoint:   m.engine.Endpoint(),
		Sync:       m.engine.State(),
	}
	if dev, ok := reg.Connected(); ok {
		s.Connected = &dev
	}

	total, pending, err := m.store.Counts()
	if err != nil {
		return s, err
	}
	s.Total, s.Pending = total, pending
	return s, nil
}

// Watch subscribes to connection status changes
func (m *Monitor) Watch(buffer int) *connection.Watcher {
	return m.machine.Watch(buffer)
}

// WatchReadings subscribes to normalized readings; close the ring to stop
func (m *Monitor) WatchReadings(buffer int) *ringchan.Ring[device.Reading] {
	return m.pipeline.Watch(buffer)
}

// Close stops any active connection, detaches from the bridge and closes the store
func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if stopErr := m.machine.Stop(ctx); stopErr != nil {
			m.logger.WithError(stopErr).Warn("Stop on close failed")
		}

		if berr := m.bridgeClose(); berr != nil {
			err = fmt.Errorf("close bridge: %w", berr)
		}
		if serr := m.store.Close(); serr != nil && err == nil {
			err = serr
		}
	})
	return err
}
