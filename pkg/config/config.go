package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/permission"
)

// FileName is the config file looked up under the user config dir
const FileName = "config.yaml"

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	DataDir  string `yaml:"data_dir"`

	Device      DeviceConfig      `yaml:"device"`
	Sync        SyncConfig        `yaml:"sync"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Bridge      BridgeConfig      `yaml:"bridge"`
}

type DeviceConfig struct {
	NamePrefix     string        `yaml:"name_prefix" default:"LIFEBAND"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"30s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"15s"`
}

type SyncConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Interval time.Duration `yaml:"interval"` // 0 = manual only
	Timeout  time.Duration `yaml:"timeout" default:"15s"`
	MaxBatch int           `yaml:"max_batch" default:"500"`
}

type PermissionsConfig struct {
	// Granted nil means every capability is granted
	Granted        []string `yaml:"granted"`
	CoarseLocation bool     `yaml:"coarse_location"`
	Notifications  bool     `yaml:"notifications"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

type BridgeConfig struct {
	QueueSize int `yaml:"queue_size" default:"256"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.DataDir = DefaultDataDir()
	return cfg
}

// DefaultDataDir is ~/.local/share/vitalsync, or ./.vitalsync without a home dir
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vitalsync"
	}
	return filepath.Join(home, ".local", "share", "vitalsync")
}

// DefaultPath is the config file location used when --config is not given
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return FileName
	}
	return filepath.Join(dir, "vitalsync", FileName)
}

// Load reads path over the defaults. A missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes YAML from r over the defaults and validates the result
func Parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, device.NewConfigurationError("config", "invalid yaml", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values; the error is a *device.ConfigurationError
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return device.NewConfigurationError("log_level", "", err)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return device.NewConfigurationError("data_dir", "must not be empty", nil)
	}
	if c.Device.ScanTimeout < 0 || c.Device.ConnectTimeout < 0 {
		return device.NewConfigurationError("device", "timeouts must not be negative", nil)
	}
	if c.Sync.Interval < 0 {
		return device.NewConfigurationError("sync.interval", "must not be negative", nil)
	}
	if c.Sync.Endpoint != "" {
		if err := ValidateEndpoint(c.Sync.Endpoint); err != nil {
			return err
		}
	}
	if c.Sync.MaxBatch < 0 {
		return device.NewConfigurationError("sync.max_batch", "must not be negative", nil)
	}
	if _, err := c.GrantedCapabilities(); err != nil {
		return device.NewConfigurationError("permissions.granted", "", err)
	}
	if c.Bridge.QueueSize < 0 {
		return device.NewConfigurationError("bridge.queue_size", "must not be negative", nil)
	}
	return nil
}

// ValidateEndpoint requires an absolute http(s) URL
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return device.NewConfigurationError("sync.endpoint", "", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return device.NewConfigurationError("sync.endpoint", fmt.Sprintf("%q is not an http(s) URL", endpoint), nil)
	}
	return nil
}

// GrantedCapabilities parses permissions.granted; nil means grant everything
func (c *Config) GrantedCapabilities() ([]permission.Capability, error) {
	if c.Permissions.Granted == nil {
		return nil, nil
	}
	caps := make([]permission.Capability, 0, len(c.Permissions.Granted))
	for _, name := range c.Permissions.Granted {
		capability, err := permission.ParseCapability(name)
		if err != nil {
			return nil, err
		}
		caps = append(caps, capability)
	}
	return caps, nil
}

// Gate builds the permission gate the configuration describes
func (c *Config) Gate() (permission.Gate, []permission.Capability, error) {
	required := permission.Requirements{
		CoarseLocation: c.Permissions.CoarseLocation,
		Notifications:  c.Permissions.Notifications,
	}.Required()

	caps, err := c.GrantedCapabilities()
	if err != nil {
		return nil, nil, err
	}
	if caps == nil {
		return permission.AllowAll, required, nil
	}
	return permission.NewStatic(caps...), required, nil
}

// Level returns the parsed log level, falling back to info
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
