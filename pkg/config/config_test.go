package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/permission"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, "LIFEBAND", cfg.Device.NamePrefix)
	assert.Equal(t, 30*time.Second, cfg.Device.ScanTimeout)
	assert.Equal(t, 15*time.Second, cfg.Device.ConnectTimeout)
	assert.Equal(t, 15*time.Second, cfg.Sync.Timeout)
	assert.Equal(t, time.Duration(0), cfg.Sync.Interval)
	assert.Equal(t, 500, cfg.Sync.MaxBatch)
	assert.Equal(t, 256, cfg.Bridge.QueueSize)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.NoError(t, cfg.Validate())
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
log_level: debug
data_dir: /tmp/vs
device:
  name_prefix: BAND
  scan_timeout: 5s
sync:
  endpoint: https://api.example.test/readings
  interval: 1m
permissions:
  granted: [bluetooth_scan, bluetooth_connect]
  coarse_location: true
metrics:
  addr: 127.0.0.1:9464
`))
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.Equal(t, "/tmp/vs", cfg.DataDir)
	assert.Equal(t, "BAND", cfg.Device.NamePrefix)
	assert.Equal(t, 5*time.Second, cfg.Device.ScanTimeout)
	assert.Equal(t, 15*time.Second, cfg.Device.ConnectTimeout, "unset fields keep defaults")
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Addr)

	gate, required, err := cfg.Gate()
	require.NoError(t, err)
	assert.Equal(t, []permission.Capability{permission.BluetoothScan, permission.BluetoothConnect, permission.CoarseLocation}, required)
	assert.True(t, permission.IsDenied(gate.Request(t.Context(), required)), "coarse_location was not granted")
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"bad log level", "log_level: loud", "log_level"},
		{"negative interval", "sync:\n  interval: -1s", "sync.interval"},
		{"relative endpoint", "sync:\n  endpoint: /upload", "sync.endpoint"},
		{"ftp endpoint", "sync:\n  endpoint: ftp://host/x", "sync.endpoint"},
		{"unknown capability", "permissions:\n  granted: [telepathy]", "permissions.granted"},
		{"negative queue", "bridge:\n  queue_size: -3", "bridge.queue_size"},
		{"broken yaml", "device: [", "config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)

			var cerr *device.ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestConfig_GateDefaultsToAllowAll(t *testing.T) {
	cfg := DefaultConfig()

	gate, required, err := cfg.Gate()
	require.NoError(t, err)
	assert.Equal(t, []permission.Capability{permission.BluetoothScan, permission.BluetoothConnect}, required)
	assert.NoError(t, gate.Request(t.Context(), permission.Known))
}

func TestLoad(t *testing.T) {
	t.Run("explicit missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), FileName)
		require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, logrus.WarnLevel, cfg.Level())
	})
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{"creates logger with debug level", "debug", logrus.DebugLevel},
		{"creates logger with info level", "info", logrus.InfoLevel},
		{"creates logger with warn level", "warn", logrus.WarnLevel},
		{"creates logger with error level", "error", logrus.ErrorLevel},
		{"unparseable level falls back to info", "???", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
