package device

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionStatus is the single source of truth for whether we are talking to a device
type ConnectionStatus string

const (
	StatusIdle          ConnectionStatus = "idle"
	StatusStarting      ConnectionStatus = "starting"
	StatusScanning      ConnectionStatus = "scanning"
	StatusConnecting    ConnectionStatus = "connecting"
	StatusConnected     ConnectionStatus = "connected"
	StatusDisconnecting ConnectionStatus = "disconnecting"
	StatusDisconnected  ConnectionStatus = "disconnected"
	StatusError         ConnectionStatus = "error"
)

// AllStatuses lists every connection status in lifecycle order
var AllStatuses = []ConnectionStatus{
	StatusIdle,
	StatusStarting,
	StatusScanning,
	StatusConnecting,
	StatusConnected,
	StatusDisconnecting,
	StatusDisconnected,
	StatusError,
}

func (s ConnectionStatus) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses
func (s ConnectionStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Device is a wearable known to the bridge. Identity is ID.
type Device struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	SignalStrength *int   `json:"signalStrength,omitempty"`
}

// Clone returns a deep copy so snapshots never share the RSSI pointer
func (d Device) Clone() Device {
	c := d
	if d.SignalStrength != nil {
		rssi := *d.SignalStrength
		c.SignalStrength = &rssi
	}
	return c
}

// DeviceEventKind is the lifecycle event carried on the device channel
type DeviceEventKind string

const (
	DeviceDiscovered   DeviceEventKind = "DISCOVERED"
	DeviceConnected    DeviceEventKind = "CONNECTED"
	DeviceDisconnected DeviceEventKind = "DISCONNECTED"
)

// Reading is one timestamped snapshot of vital signs.
// Timestamp is canonical ISO-8601 (UTC, millisecond precision) and is the ordering key.
type Reading struct {
	HeartRate   float64 `json:"heartRate"`
	SpO2        float64 `json:"spo2"`
	HRV         float64 `json:"hrv"`
	SystolicBP  float64 `json:"systolicBP"`
	DiastolicBP float64 `json:"diastolicBP"`
	Temperature float64 `json:"temperature"`
	Timestamp   string  `json:"timestamp"`
}

// QueuedReading is a Reading tagged for upload in the durable queue
type QueuedReading struct {
	ID        string `json:"id"`
	PatientID string `json:"patientId"`
	Uploaded  bool   `json:"uploaded"`
	Reading
}

// StartOptions selects the device to connect to.
// DeviceID takes precedence over MACAddress, which takes precedence over NamePrefix.
type StartOptions struct {
	DeviceID   string `json:"deviceId,omitempty"`
	MACAddress string `json:"macAddress,omitempty"`
	NamePrefix string `json:"deviceNamePrefix,omitempty"`
}

// SelectorKind names which StartOptions field drives device selection
type SelectorKind string

const (
	SelectByID     SelectorKind = "device_id"
	SelectByMAC    SelectorKind = "mac_address"
	SelectByPrefix SelectorKind = "name_prefix"
	SelectNone     SelectorKind = ""
)

// Selector returns the effective selector kind and value
func (o StartOptions) Selector() (SelectorKind, string) {
	switch {
	case strings.TrimSpace(o.DeviceID) != "":
		return SelectByID, strings.TrimSpace(o.DeviceID)
	case strings.TrimSpace(o.MACAddress) != "":
		return SelectByMAC, strings.ToUpper(strings.TrimSpace(o.MACAddress))
	case strings.TrimSpace(o.NamePrefix) != "":
		return SelectByPrefix, strings.TrimSpace(o.NamePrefix)
	default:
		return SelectNone, ""
	}
}

// Direct reports whether the selector names a specific device, so no scan phase is needed
func (o StartOptions) Direct() bool {
	kind, _ := o.Selector()
	return kind == SelectByID || kind == SelectByMAC
}

// TimestampLayout is the canonical ISO-8601 form used for every stored reading
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var acceptedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// FormatTimestamp renders t in canonical form
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts the ISO-8601 variants bridges emit. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range acceptedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// CanonicalTimestamp parses and re-formats s
func CanonicalTimestamp(s string) (string, error) {
	t, err := ParseTimestamp(s)
	if err != nil {
		return "", err
	}
	return FormatTimestamp(t), nil
}
