package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/srg/vitalsync/internal/bridge"
	"github.com/srg/vitalsync/internal/device"
)

// DefaultWait bounds every Eventually-style wait in the test suites
const DefaultWait = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		T:      t,
		Logger: NewLogger(),
	}
}

// NewLogger returns a logger at debug level to track execution flow
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// Context returns a context cancelled at test cleanup
func (h *TestHelper) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	h.T.Cleanup(cancel)
	return ctx
}

// BaseTime is the fixed instant used by fixtures
var BaseTime = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// RawReadingAt builds a plausible raw reading offset from BaseTime
func RawReadingAt(offset time.Duration) bridge.RawReading {
	return NewReadingBuilder().WithOffset(offset).Build()
}

// QueuedReadingAt builds an unsynced queued reading offset from BaseTime
func QueuedReadingAt(id, patientID string, offset time.Duration) device.QueuedReading {
	return NewReadingBuilder().WithOffset(offset).BuildQueued(id, patientID)
}

// MetricValue returns the first sample of a counter or gauge family, 0 when absent
func MetricValue(t testing.TB, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name || len(f.GetMetric()) == 0 {
			continue
		}
		m := f.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			return m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			return m.GetGauge().GetValue()
		}
	}
	return 0
}
