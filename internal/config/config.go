package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/PixPMusic/mioc-router/internal/device"
	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/PixPMusic/mioc-router/internal/sysex"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MIDIConfig names the ports to open
type MIDIConfig struct {
	InPort       string `yaml:"in_port"`
	OutPort      string `yaml:"out_port"`       // MIOC and routed notes
	DelayOutPort string `yaml:"delay_out_port"` // delayed notes; out_port when empty
}

// DeviceConfig addresses the MIOC and tunes the handshake
type DeviceConfig struct {
	ID                byte          `yaml:"id"`
	Type              byte          `yaml:"type"`
	RemoveFlag        byte          `yaml:"remove_flag"`
	HostPort          uint8         `yaml:"host_port"`
	Target            string        `yaml:"target"` // device, internal or both
	ReplyTimeout      time.Duration `yaml:"reply_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	OfflineAfter      int           `yaml:"offline_after"`
	QueueDepth        int           `yaml:"queue_depth"`
	InitializeOnStart bool          `yaml:"initialize_on_start"`
}

// IngestConfig sizes the realtime input path
type IngestConfig struct {
	RingBytes      int           `yaml:"ring_bytes"`
	MaxSysex       int           `yaml:"max_sysex"`
	ListenerQueue  int           `yaml:"listener_queue"`
	MaxPending     int           `yaml:"max_pending"`
	DrainLimit     int           `yaml:"drain_limit"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// PulseConfig selects the serial port used for sync pulses. Empty port disables it.
type PulseConfig struct {
	Port  string        `yaml:"port"`
	Baud  int           `yaml:"baud"`
	Width time.Duration `yaml:"width"`
}

// MQTTConfig enables state publication. Empty broker disables it.
type MQTTConfig struct {
	Broker        string        `yaml:"broker"`
	ClientID      string        `yaml:"client_id"`
	Topic         string        `yaml:"topic"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	QoS           byte          `yaml:"qos"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	Control       bool          `yaml:"control"` // accept commands on <topic>/control
}

// Script is a named list of control lines run on request
type Script struct {
	Name     string   `yaml:"name"`
	Commands []string `yaml:"commands"`
}

// Config holds application configuration
type Config struct {
	SessionID string `yaml:"session_id"`
	LogLevel  string `yaml:"log_level"`

	MIDI   MIDIConfig   `yaml:"midi"`
	Device DeviceConfig `yaml:"device"`
	Ingest IngestConfig `yaml:"ingest"`
	Layout mioc.Layout  `yaml:"layout"`
	Pulse  PulseConfig  `yaml:"pulse"`
	MQTT   MQTTConfig   `yaml:"mqtt"`

	// Applied once the device engine is up
	Connections        []mioc.Connection        `yaml:"connections,omitempty"`
	VelocityProcessors []mioc.VelocityProcessor `yaml:"velocity_processors,omitempty"`
	Scripts            []Script                 `yaml:"scripts,omitempty"`
}

// Default returns a config with every field set, and a fresh session ID
func Default() *Config {
	dev := device.DefaultOptions()
	return &Config{
		SessionID: uuid.New().String(),
		LogLevel:  "info",
		Device: DeviceConfig{
			ID:           sysex.DefaultDeviceID,
			Type:         sysex.DefaultDeviceType,
			RemoveFlag:   sysex.ProcessorRemoveDefault,
			HostPort:     dev.HostPort,
			Target:       dev.Target.String(),
			ReplyTimeout: dev.ReplyTimeout,
			MaxRetries:   dev.MaxRetries,
			OfflineAfter: dev.OfflineAfter,
			QueueDepth:   dev.QueueDepth,
		},
		Ingest: IngestConfig{
			RingBytes:      4096,
			MaxSysex:       1024,
			ListenerQueue:  256,
			MaxPending:     1024,
			DrainLimit:     256,
			ReportInterval: 10 * time.Second,
		},
		Layout: mioc.DefaultLayout(),
		Pulse: PulseConfig{
			Baud:  9600,
			Width: time.Millisecond,
		},
		MQTT: MQTTConfig{
			ClientID:      "mioc-router",
			Topic:         "mioc",
			StatsInterval: 5 * time.Second,
		},
	}
}

// configDir returns the platform-appropriate config directory
func configDir() (string, error) {
	configHome, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configHome, "mioc-router"), nil
}

// ConfigPath returns the full path to the default config file
func ConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config from path, or the default location when path is
// empty. A missing file yields defaults. Fields absent from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	generated := cfg.SessionID
	cfg.SessionID = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = generated
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s", path)
	}
	return cfg, nil
}

// Save writes the config to path, or the default location when path is empty
func (c *Config) Save(path string) error {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	if _, err := device.ParseTarget(c.Device.Target); err != nil {
		return err
	}
	if c.Device.HostPort < 1 || c.Device.HostPort > mioc.PortCount {
		return errors.Wrapf(mioc.ErrInvalidPort, "device.host_port %d", c.Device.HostPort)
	}
	if c.Layout.BigBrotherPort < 1 || c.Layout.BigBrotherPort > mioc.PortCount {
		return errors.Wrapf(mioc.ErrInvalidPort, "layout.big_brother_port %d", c.Layout.BigBrotherPort)
	}
	if c.Layout.BigBrotherChannel > 15 {
		return errors.Wrapf(mioc.ErrInvalidChannel, "layout.big_brother_channel %d", c.Layout.BigBrotherChannel)
	}
	if int(c.Layout.BaseNote)+mioc.MaxNodes > 127 {
		return errors.Errorf("layout.base_note %d leaves no room for %d nodes", c.Layout.BaseNote, mioc.MaxNodes)
	}
	for _, conn := range c.Connections {
		if err := conn.Validate(); err != nil {
			return errors.Wrapf(err, "connection %s", conn)
		}
	}
	for _, vp := range c.VelocityProcessors {
		if err := vp.Validate(); err != nil {
			return errors.Wrapf(err, "velocity processor %s", vp)
		}
	}
	return nil
}

// DeviceOptions converts the device section into engine options
func (c *Config) DeviceOptions() (device.Options, error) {
	target, err := device.ParseTarget(c.Device.Target)
	if err != nil {
		return device.Options{}, err
	}
	return device.Options{
		Device: mioc.Device{
			ID:         c.Device.ID,
			Type:       c.Device.Type,
			RemoveFlag: c.Device.RemoveFlag,
		},
		ReplyTimeout: c.Device.ReplyTimeout,
		MaxRetries:   c.Device.MaxRetries,
		OfflineAfter: c.Device.OfflineAfter,
		QueueDepth:   c.Device.QueueDepth,
		Target:       target,
		HostPort:     c.Device.HostPort,
	}, nil
}

// GetScript returns a script by name, or nil if not found
func (c *Config) GetScript(name string) *Script {
	for i := range c.Scripts {
		if c.Scripts[i].Name == name {
			return &c.Scripts[i]
		}
	}
	return nil
}
