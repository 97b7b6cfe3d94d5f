package connection_test

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/srg/vitalsync/internal/bridge"
	"github.com/srg/vitalsync/internal/connection"
	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/permission"
	"github.com/srg/vitalsync/internal/registry"
	"github.com/srg/vitalsync/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type MachineSuite struct {
	suite.Suite

	helper  *testutils.TestHelper
	native  *testutils.FakeNative
	bridge  *bridge.EventBridge
	machine *connection.Machine
	watcher *connection.Watcher
}

func (s *MachineSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.native = testutils.NewFakeNative()
	s.bridge = bridge.New(s.native, 0, s.helper.Logger)
	s.Require().NoError(s.bridge.Open(s.helper.Context()))
	s.machine = s.newMachine(connection.Config{})
	s.watcher = s.machine.Watch(64)
}

func (s *MachineSuite) TearDownTest() {
	s.machine.Close()
	_ = s.bridge.Close()
}

func (s *MachineSuite) newMachine(cfg connection.Config) *connection.Machine {
	m, err := connection.New(s.bridge, registry.New(s.helper.Logger), cfg, s.helper.Logger)
	s.Require().NoError(err)
	return m
}

// emit pushes events through the bridge and waits until they are handled
func (s *MachineSuite) emit(events ...bridge.Event) {
	for _, e := range events {
		s.Require().True(s.native.Emit(e), "bridge is not listening")
	}
	s.Require().NoError(s.bridge.Flush(s.helper.Context()))
}

func (s *MachineSuite) status() device.ConnectionStatus {
	st, _ := s.machine.Status()
	return st
}

// changes drains everything the watcher has buffered
func (s *MachineSuite) changes() []device.ConnectionStatus {
	var out []device.ConnectionStatus
	for {
		select {
		case c := <-s.watcher.C():
			out = append(out, c.Status)
		default:
			return out
		}
	}
}

func status(st string) bridge.StatusEvent {
	return bridge.StatusEvent{Status: st}
}

var lifeband = device.Device{ID: "AA:BB", Name: "LIFEBAND-7"}

func (s *MachineSuite) connect() {
	s.Require().NoError(s.machine.Start(s.helper.Context(), device.StartOptions{NamePrefix: "LIFEBAND"}))
	s.emit(
		status(bridge.NativeScanning),
		bridge.DeviceEvent{Device: lifeband, Kind: device.DeviceDiscovered},
		status(bridge.NativeConnecting),
		status(bridge.NativeConnected),
		bridge.DeviceEvent{Device: lifeband, Kind: device.DeviceConnected},
	)
	s.Require().Equal(device.StatusConnected, s.status())
}

func (s *MachineSuite) TestLifebandScenario() {
	s.connect()

	got, ok := s.machine.Registry().Connected()
	s.Require().True(ok)
	s.Equal("AA:BB", got.ID)
	s.Equal("LIFEBAND-7", got.Name)

	s.Equal([]device.ConnectionStatus{
		device.StatusStarting,
		device.StatusScanning,
		device.StatusConnecting,
		device.StatusConnected,
	}, s.changes())

	calls := s.native.Calls()
	s.Require().Len(calls, 1)
	s.Equal("startBle", calls[0].Op)
	s.Equal(device.StartOptions{NamePrefix: "LIFEBAND"}, calls[0].Arg)
}

func (s *MachineSuite) TestStopFromIdleIsSilentNoop() {
	s.Require().NoError(s.machine.Stop(s.helper.Context()))
	s.Require().NoError(s.machine.Stop(s.helper.Context()))

	s.Equal(device.StatusIdle, s.status())
	s.Empty(s.changes())
	s.Zero(s.native.CountOp("stopBle"))
}

func (s *MachineSuite) TestStopFromConnected() {
	s.connect()
	s.changes()

	s.Require().NoError(s.machine.Stop(s.helper.Context()))

	s.Equal(device.StatusIdle, s.status())
	s.Equal([]device.ConnectionStatus{device.StatusDisconnecting, device.StatusIdle}, s.changes())
	_, ok := s.machine.Registry().Connected()
	s.False(ok)
}

func (s *MachineSuite) TestStopWhenBridgeReportsIdleFirst() {
	s.connect()
	s.changes()
	s.native.SetOnStop(func() {
		s.native.EmitStatus(bridge.NativeDisconnected, "")
		s.native.EmitStatus(bridge.NativeIdle, "")
	})

	s.Require().NoError(s.machine.Stop(s.helper.Context()))

	// the link-lost status emitted while stopping lands before the ack
	s.Equal(device.StatusIdle, s.status())
	s.Equal([]device.ConnectionStatus{
		device.StatusDisconnecting,
		device.StatusDisconnected,
		device.StatusIdle,
	}, s.changes())
}

func (s *MachineSuite) TestDisconnectedClearsReference() {
	s.connect()

	s.emit(status(bridge.NativeDisconnected))

	s.Equal(device.StatusDisconnected, s.status())
	_, ok := s.machine.Registry().Connected()
	s.False(ok)
}

func (s *MachineSuite) TestOtherDeviceDisconnectClearsReference() {
	s.connect()

	s.emit(bridge.DeviceEvent{Device: device.Device{ID: "CC:DD"}, Kind: device.DeviceDisconnected})

	s.Equal(device.StatusDisconnected, s.status())
	_, ok := s.machine.Registry().Connected()
	s.False(ok)
}

func (s *MachineSuite) TestErrorEventThenRestart() {
	s.connect()

	s.emit(bridge.ErrorEvent{Message: "radio off"})
	st, msg := s.machine.Status()
	s.Equal(device.StatusError, st)
	s.Equal("radio off", msg)

	s.Require().NoError(s.machine.Start(s.helper.Context(), device.StartOptions{NamePrefix: "LIFEBAND"}))
	s.Equal(device.StatusStarting, s.status())
	s.Equal(2, s.native.CountOp("startBle"))
}

func (s *MachineSuite) TestRestartAfterDisconnect() {
	s.connect()
	s.emit(status(bridge.NativeDisconnected))

	s.Require().NoError(s.machine.Start(s.helper.Context(), device.StartOptions{DeviceID: "AA:BB"}))
	s.Equal(device.StatusStarting, s.status())
}

func (s *MachineSuite) TestStartWhileActiveIsRejected() {
	s.connect()

	err := s.machine.Start(s.helper.Context(), device.StartOptions{NamePrefix: "LIFEBAND"})
	s.ErrorIs(err, device.ErrInvalidTransition)
	s.Equal(device.StatusConnected, s.status())
	s.Equal(1, s.native.CountOp("startBle"))
}

func (s *MachineSuite) TestPermissionDenialLeavesMachineIdle() {
	s.machine.Close()
	gate := permission.NewStatic(permission.BluetoothScan)
	s.machine = s.newMachine(connection.Config{
		Gate:     gate,
		Required: permission.Requirements{CoarseLocation: true}.Required(),
	})
	s.watcher = s.machine.Watch(8)

	err := s.machine.Start(s.helper.Context(), device.StartOptions{NamePrefix: "LIFEBAND"})

	s.True(permission.IsDenied(err))
	s.Equal(device.StatusIdle, s.status())
	s.Empty(s.changes())
	s.Empty(s.native.Calls(), "no bridge command on denial")

	gate.Grant(permission.BluetoothConnect, permission.CoarseLocation)
	s.NoError(s.machine.Start(s.helper.Context(), device.StartOptions{NamePrefix: "LIFEBAND"}))
	s.Equal(device.StatusStarting, s.status())
}

func (s *MachineSuite) TestMissingSelector() {
	err := s.machine.Start(s.helper.Context(), device.StartOptions{})

	s.True(device.IsConfigurationError(err))
	s.ErrorIs(err, device.ErrNoSelector)
	s.Equal(device.StatusIdle, s.status())
	s.Empty(s.native.Calls())
}

func (s *MachineSuite) TestDefaultPrefixFallback() {
	s.machine.Close()
	s.machine = s.newMachine(connection.Config{DefaultNamePrefix: "LIFEBAND"})

	s.Require().NoError(s.machine.Start(s.helper.Context(), device.StartOptions{}))

	calls := s.native.Calls()
	s.Require().Len(calls, 1)
	s.Equal(device.StartOptions{NamePrefix: "LIFEBAND"}, calls[0].Arg)
}

func (s *MachineSuite) TestDirectConnectSkipsScan() {
	s.Require().NoError(s.machine.Start(s.helper.Context(), device.StartOptions{MACAddress: "aa:bb"}))
	s.emit(status(bridge.NativeConnecting), status(bridge.NativeConnected))

	s.Equal(device.StatusConnected, s.status())
}

func (s *MachineSuite) TestPrefixStartCannotSkipScan() {
	s.Require().NoError(s.machine.Start(s.helper.Context(), device.StartOptions{NamePrefix: "LIFEBAND"}))
	s.emit(status(bridge.NativeConnecting))

	s.Equal(device.StatusStarting, s.status(), "connecting before scanning is ignored for prefix scans")
}

func (s *MachineSuite) TestBridgeStartFailureBecomesErrorState() {
	s.native.SetStartErr(errors.New("adapter unavailable"))

	err := s.machine.Start(s.helper.Context(), device.StartOptions{NamePrefix: "LIFEBAND"})

	s.NoError(err, "bridge failures are recovered into state")
	st, msg := s.machine.Status()
	s.Equal(device.StatusError, st)
	s.Contains(msg, "adapter unavailable")
}

func (s *MachineSuite) TestBridgeStopFailureBecomesErrorState() {
	s.connect()
	s.native.StopErr = errors.New("stuck")

	s.NoError(s.machine.Stop(s.helper.Context()))
	s.Equal(device.StatusError, s.status())
}

func (s *MachineSuite) TestStopWaitsForPendingStart() {
	release := s.native.SetStartGate()

	started := make(chan error, 1)
	go func() {
		started <- s.machine.Start(s.helper.Context(), device.StartOptions{NamePrefix: "LIFEBAND"})
	}()
	s.Eventually(func() bool { return s.native.CountOp("startBle") == 1 }, testutils.DefaultWait, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- s.machine.Stop(s.helper.Context()) }()

	s.Never(func() bool { return s.native.CountOp("stopBle") > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	release()
	s.NoError(<-started)
	s.NoError(<-stopped)

	s.Equal([]string{"startBle", "stopBle"}, s.native.Ops())
	s.Equal(device.StatusIdle, s.status())
}

func (s *MachineSuite) TestUnlistedEventsAreIgnored() {
	s.emit(
		status(bridge.NativeConnected),
		status(bridge.NativeScanning),
		status(bridge.NativeConnecting),
		status(bridge.NativeIdle),
		status("warming-up"),
	)

	s.Equal(device.StatusIdle, s.status())
	s.Empty(s.changes())
}

func (s *MachineSuite) TestDisconnectedWhileIdle() {
	s.emit(status(bridge.NativeDisconnected))

	s.Equal(device.StatusDisconnected, s.status())
	s.Equal([]device.ConnectionStatus{device.StatusDisconnected}, s.changes())

	_, ok := s.machine.Registry().Connected()
	s.False(ok)

	// recoverable by a fresh start
	s.Require().NoError(s.machine.Start(s.helper.Context(), device.StartOptions{NamePrefix: "LIFEBAND"}))
	s.Equal(device.StatusStarting, s.status())
}

func (s *MachineSuite) TestRandomEventSequencesStayInTable() {
	rng := rand.New(rand.NewSource(42))
	natives := []string{
		bridge.NativeIdle, bridge.NativeScanning, bridge.NativeConnecting,
		bridge.NativeConnected, bridge.NativeDisconnected, bridge.NativeStopped, bridge.NativeError,
	}
	ctx := s.helper.Context()
	w := s.machine.Watch(4096)
	defer w.Close()

	for i := 0; i < 400; i++ {
		switch rng.Intn(6) {
		case 0:
			_ = s.machine.Start(ctx, device.StartOptions{NamePrefix: "LIFEBAND"})
		case 1:
			_ = s.machine.Stop(ctx)
		case 2:
			s.native.EmitError("boom")
		default:
			s.native.EmitStatus(natives[rng.Intn(len(natives))], "")
		}
	}
	s.Require().NoError(s.bridge.Flush(ctx))

	prev := device.StatusIdle
	for {
		select {
		case c := <-w.C():
			s.Equal(prev, c.Previous)
			s.True(slices.Contains(connection.Reachable(c.Previous), c.Status),
				"%s -> %s is not in the transition table", c.Previous, c.Status)
			prev = c.Status
		default:
			s.Zero(w.Dropped())
			return
		}
	}
}

func (s *MachineSuite) TestWatcherCloseStopsDelivery() {
	w := s.machine.Watch(1)
	w.Close()
	w.Close()

	s.Require().NoError(s.machine.Start(context.Background(), device.StartOptions{NamePrefix: "LIFEBAND"}))

	_, open := <-w.C()
	s.False(open)
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineSuite))
}
