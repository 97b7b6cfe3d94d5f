package testutils

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/srg/vitalsync/internal/bridge"
	"github.com/srg/vitalsync/internal/device"
)

// ReadingBuilder builds raw and queued readings for tests.
// Unset vitals take the fixture values used across the suites.
type ReadingBuilder struct {
	raw bridge.RawReading
	at  time.Time
}

// NewReadingBuilder starts from a plausible reading stamped at BaseTime
func NewReadingBuilder() *ReadingBuilder {
	return &ReadingBuilder{
		raw: bridge.RawReading{
			HeartRate:   128.4,
			SpO2:        91.2,
			HRV:         42.6,
			SystolicBP:  151.3,
			DiastolicBP: 96.8,
			Temperature: 37.45,
		},
		at: BaseTime,
	}
}

func (b *ReadingBuilder) WithHeartRate(v float64) *ReadingBuilder {
	b.raw.HeartRate = v
	return b
}

func (b *ReadingBuilder) WithSpO2(v float64) *ReadingBuilder {
	b.raw.SpO2 = v
	return b
}

func (b *ReadingBuilder) WithBloodPressure(systolic, diastolic float64) *ReadingBuilder {
	b.raw.SystolicBP = systolic
	b.raw.DiastolicBP = diastolic
	return b
}

// WithOffset moves the timestamp relative to BaseTime
func (b *ReadingBuilder) WithOffset(offset time.Duration) *ReadingBuilder {
	b.at = BaseTime.Add(offset)
	return b
}

// WithEpochMillis switches the reading to a numeric timestamp
func (b *ReadingBuilder) WithEpochMillis() *ReadingBuilder {
	b.raw.TimestampMs = b.at.UnixMilli()
	b.at = time.Time{}
	return b
}

// FromJSON fills the reading from a bridge payload with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *ReadingBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ReadingBuilder {
	var raw bridge.RawReading
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &raw); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	b.raw = raw
	b.at = time.Time{}
	return b
}

// Build returns the raw reading as the bridge would deliver it
func (b *ReadingBuilder) Build() bridge.RawReading {
	r := b.raw
	if !b.at.IsZero() {
		r.Timestamp = b.at.Format(time.RFC3339Nano)
	}
	return r
}

// BuildQueued returns an unsynced queued reading with rounded vitals
func (b *ReadingBuilder) BuildQueued(id, patientID string) device.QueuedReading {
	at := b.at
	if at.IsZero() {
		at = time.UnixMilli(b.raw.TimestampMs).UTC()
	}
	return device.QueuedReading{
		ID:        id,
		PatientID: patientID,
		Reading: device.Reading{
			HeartRate:   math.Round(b.raw.HeartRate),
			SpO2:        math.Round(b.raw.SpO2),
			HRV:         math.Round(b.raw.HRV),
			SystolicBP:  math.Round(b.raw.SystolicBP),
			DiastolicBP: math.Round(b.raw.DiastolicBP),
			Temperature: b.raw.Temperature,
			Timestamp:   device.FormatTimestamp(at),
		},
	}
}
