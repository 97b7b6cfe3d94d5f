package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/srg/vitalsync/internal/device"
)

// Channel names one of the native bridge's event streams
type Channel string

const (
	ChannelStatus  Channel = "status"
	ChannelDevice  Channel = "device"
	ChannelReading Channel = "reading"
	ChannelError   Channel = "error"
)

// Channels lists every channel the bridge exposes
var Channels = []Channel{ChannelStatus, ChannelDevice, ChannelReading, ChannelError}

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	switch c {
	case ChannelStatus, ChannelDevice, ChannelReading, ChannelError:
		return true
	default:
		return false
	}
}

// Event is anything emitted by the native bridge
type Event interface {
	Channel() Channel
}

// Bridge status strings as emitted on the status channel
const (
	NativeIdle         = "idle"
	NativeScanning     = "scanning"
	NativeConnecting   = "connecting"
	NativeConnected    = "connected"
	NativeDisconnected = "disconnected"
	NativeStopped      = "stopped"
	NativeError        = "error"
)

// StatusEvent reports a native connection status change
type StatusEvent struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (StatusEvent) Channel() Channel { return ChannelStatus }

// DeviceEvent reports a device lifecycle change
type DeviceEvent struct {
	Device device.Device          `json:"device"`
	Kind   device.DeviceEventKind `json:"event"`
}

func (DeviceEvent) Channel() Channel { return ChannelDevice }

// ReadingEvent carries one raw vitals sample
type ReadingEvent struct {
	Reading RawReading `json:"reading"`
}

func (ReadingEvent) Channel() Channel { return ChannelReading }

// ErrorEvent reports a native or radio failure
type ErrorEvent struct {
	Message string `json:"message"`
}

func (ErrorEvent) Channel() Channel { return ChannelError }

// RawReading is a vitals sample exactly as the bridge reports it: unrounded
// values and a timestamp that is either ISO-8601 text or epoch milliseconds.
type RawReading struct {
	HeartRate   float64
	SpO2        float64
	HRV         float64
	SystolicBP  float64
	DiastolicBP float64
	Temperature float64
	Timestamp   string // ISO-8601, preferred when set
	TimestampMs int64  // epoch milliseconds, used when Timestamp is empty
}

type rawReadingJSON struct {
	HeartRate   *float64        `json:"heartRate"`
	SpO2        *float64        `json:"spo2"`
	HRV         *float64        `json:"hrv"`
	SystolicBP  *float64        `json:"systolicBP"`
	Systolic    *float64        `json:"systolic"`
	DiastolicBP *float64        `json:"diastolicBP"`
	Diastolic   *float64        `json:"diastolic"`
	Temperature *float64        `json:"temperature"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

// UnmarshalJSON accepts the systolic/diastolic aliases some firmware uses and
// either timestamp encoding.
func (r *RawReading) UnmarshalJSON(data []byte) error {
	var aux rawReadingJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*r = RawReading{
		HeartRate:   deref(aux.HeartRate),
		SpO2:        deref(aux.SpO2),
		HRV:         deref(aux.HRV),
		SystolicBP:  deref(firstNonNil(aux.SystolicBP, aux.Systolic)),
		DiastolicBP: deref(firstNonNil(aux.DiastolicBP, aux.Diastolic)),
		Temperature: deref(aux.Temperature),
	}

	ts := bytes.TrimSpace(aux.Timestamp)
	switch {
	case len(ts) == 0 || bytes.Equal(ts, []byte("null")):
	case ts[0] == '"':
		if err := json.Unmarshal(ts, &r.Timestamp); err != nil {
			return fmt.Errorf("reading timestamp: %w", err)
		}
	default:
		ms, err := strconv.ParseFloat(string(ts), 64)
		if err != nil {
			return fmt.Errorf("reading timestamp: %w", err)
		}
		r.TimestampMs = int64(ms)
	}
	return nil
}

// MarshalJSON writes the canonical field names
func (r RawReading) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"heartRate":   r.HeartRate,
		"spo2":        r.SpO2,
		"hrv":         r.HRV,
		"systolicBP":  r.SystolicBP,
		"diastolicBP": r.DiastolicBP,
		"temperature": r.Temperature,
	}
	switch {
	case r.Timestamp != "":
		out["timestamp"] = r.Timestamp
	case r.TimestampMs != 0:
		out["timestamp"] = r.TimestampMs
	}
	return json.Marshal(out)
}

// Time resolves the bridge timestamp. ok is false if none was supplied.
func (r RawReading) Time() (t time.Time, ok bool, err error) {
	switch {
	case r.Timestamp != "":
		t, err = device.ParseTimestamp(r.Timestamp)
		return t, err == nil, err
	case r.TimestampMs != 0:
		return time.UnixMilli(r.TimestampMs).UTC(), true, nil
	default:
		return time.Time{}, false, nil
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func firstNonNil(vs ...*float64) *float64 {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}
