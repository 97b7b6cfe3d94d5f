package testutils

import (
	"context"
	"sync"

	"github.com/srg/vitalsync/internal/bridge"
	"github.com/srg/vitalsync/internal/device"
)

// NativeCall records one command issued to a FakeNative
type NativeCall struct {
	Op  string
	Arg any
}

// FakeNative is a scriptable in-memory native bridge.
//
// Commands are recorded and answered with the configured errors. Tests drive
// the event side with the Emit helpers, which call the registered sink
// synchronously exactly like a platform callback would.
//
//	fake := testutils.NewFakeNative()
//	fake.OnStart = func(opts device.StartOptions) {
//	    fake.EmitStatus("scanning", "")
//	}
type FakeNative struct {
	mu    sync.Mutex
	sink  func(bridge.Event)
	calls []NativeCall

	listens int
	removes int

	StartErr    error
	StopErr     error
	PatientErr  error
	EndpointErr error

	// StartGate, when non-nil, blocks StartBle until it is closed or ctx is done
	StartGate chan struct{}

	// OnStart and OnStop run after the command is recorded, before it returns
	OnStart func(opts device.StartOptions)
	OnStop  func()
}

// NewFakeNative creates an empty FakeNative
func NewFakeNative() *FakeNative {
	return &FakeNative{}
}

func (f *FakeNative) record(op string, arg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, NativeCall{Op: op, Arg: arg})
}

// StartBle implements bridge.Commander
func (f *FakeNative) StartBle(ctx context.Context, opts device.StartOptions) error {
	f.record("startBle", opts)

	f.mu.Lock()
	gate := f.StartGate
	hook := f.OnStart
	err := f.StartErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if hook != nil {
		hook(opts)
	}
	return err
}

// StopBle implements bridge.Commander
func (f *FakeNative) StopBle(ctx context.Context) error {
	f.record("stopBle", nil)

	f.mu.Lock()
	hook := f.OnStop
	err := f.StopErr
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

// SetPatientID implements bridge.Commander
func (f *FakeNative) SetPatientID(ctx context.Context, id string) error {
	f.record("setPatientId", id)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PatientErr
}

// SetUploadEndpoint implements bridge.Commander
func (f *FakeNative) SetUploadEndpoint(ctx context.Context, url string) error {
	f.record("setUploadEndpoint", url)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.EndpointErr
}

// Listen implements bridge.Native
func (f *FakeNative) Listen(sink func(bridge.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	f.listens++

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.sink = nil
			f.removes++
		})
	}
}

// Listening reports whether a sink is currently registered
func (f *FakeNative) Listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink != nil
}

// ListenerCounts returns how many times Listen and its remove func were called
func (f *FakeNative) ListenerCounts() (listens, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listens, f.removes
}

// Emit delivers e to the registered sink. It reports false if nothing is listening.
func (f *FakeNative) Emit(e bridge.Event) bool {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()

	if sink == nil {
		return false
	}
	sink(e)
	return true
}

// EmitStatus emits a status event
func (f *FakeNative) EmitStatus(status, message string) bool {
	return f.Emit(bridge.StatusEvent{Status: status, Message: message})
}

// EmitDevice emits a device lifecycle event
func (f *FakeNative) EmitDevice(dev device.Device, kind device.DeviceEventKind) bool {
	return f.Emit(bridge.DeviceEvent{Device: dev, Kind: kind})
}

// EmitReading emits a reading event
func (f *FakeNative) EmitReading(r bridge.RawReading) bool {
	return f.Emit(bridge.ReadingEvent{Reading: r})
}

// EmitError emits an error event
func (f *FakeNative) EmitError(message string) bool {
	return f.Emit(bridge.ErrorEvent{Message: message})
}

// Calls returns a copy of every recorded command
func (f *FakeNative) Calls() []NativeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NativeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// Ops returns the recorded command names in call order
func (f *FakeNative) Ops() []string {
	calls := f.Calls()
	ops := make([]string, len(calls))
	for i, c := range calls {
		ops[i] = c.Op
	}
	return ops
}

// CountOp returns how many times op was called
func (f *FakeNative) CountOp(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// SetStartGate installs a gate that blocks StartBle until released
func (f *FakeNative) SetStartGate() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.StartGate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SetOnStart installs a StartBle hook
func (f *FakeNative) SetOnStart(fn func(opts device.StartOptions)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OnStart = fn
}

// SetOnStop installs a StopBle hook
func (f *FakeNative) SetOnStop(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OnStop = fn
}

// SetStartErr sets the error returned by StartBle
func (f *FakeNative) SetStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartErr = err
}
