// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/muvbox/internal/device"
)

const (
	AppName           = "muvbox"
	DefaultConfigName = "muvbox"
	EnvPrefix         = "MUVBOX"
)

var userHomeDir, _ = os.UserHomeDir()

// DefaultConfigPath is where `muvbox init` writes the template.
var DefaultConfigPath = filepath.Join(userHomeDir, ".config", AppName, DefaultConfigName+".yaml")

// SearchPaths are tried in order when no config file is given.
var SearchPaths = []string{
	".",
	filepath.Join(userHomeDir, ".config", AppName),
	"/etc/" + AppName,
}

// DeviceOpt configures the box the commands talk to.
type DeviceOpt struct {
	Number   int    `mapstructure:"number" yaml:"number"`
	Hostname string `mapstructure:"hostname" yaml:"hostname"`
	IP       string `mapstructure:"ip" yaml:"ip"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Location string `mapstructure:"location" yaml:"location"`

	Freq int `mapstructure:"freq" yaml:"freq"`
	// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
	AccelRange int `mapstructure:"accel_range" yaml:"accel_range"`
	// Gyroscope: 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	GyroRange int `mapstructure:"gyro_range" yaml:"gyro_range"`

	// Timing, milliseconds
	ConnectTimeoutMS int `mapstructure:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	CommandTimeoutMS int `mapstructure:"command_timeout_ms" yaml:"command_timeout_ms"`
	ReadTimeoutMS    int `mapstructure:"read_timeout_ms" yaml:"read_timeout_ms"`
	StopTimeoutMS    int `mapstructure:"stop_timeout_ms" yaml:"stop_timeout_ms"`
	DrainTimeoutMS   int `mapstructure:"drain_timeout_ms" yaml:"drain_timeout_ms"`
	ProvisionPauseMS int `mapstructure:"provision_pause_ms" yaml:"provision_pause_ms"`

	ClearOnStart bool `mapstructure:"clear_on_start" yaml:"clear_on_start"`
}

// FusionOpt configures orientation estimation.
type FusionOpt struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	Gain    float64 `mapstructure:"gain" yaml:"gain"`
}

// MQTTOpt configures the broker and topics used by stream and console.
type MQTTOpt struct {
	Broker          string `mapstructure:"broker" yaml:"broker"`
	ClientIDStream  string `mapstructure:"client_id_stream" yaml:"client_id_stream"`
	ClientIDConsole string `mapstructure:"client_id_console" yaml:"client_id_console"`
	ClientIDWeb     string `mapstructure:"client_id_web" yaml:"client_id_web"`

	TopicSamples     string `mapstructure:"topic_samples" yaml:"topic_samples"`
	TopicOrientation string `mapstructure:"topic_orientation" yaml:"topic_orientation"`
	TopicStatus      string `mapstructure:"topic_status" yaml:"topic_status"`

	PublishIntervalMS int `mapstructure:"publish_interval_ms" yaml:"publish_interval_ms"`
}

// WebOpt configures the HTTP/websocket view.
type WebOpt struct {
	Interface string `mapstructure:"interface" yaml:"interface"`
	Port      int    `mapstructure:"port" yaml:"port"`
	// Source is "device" to drive the box directly or "mqtt" to follow a stream.
	Source string `mapstructure:"source" yaml:"source"`
}

// InfluxOpt locates the export bucket. An empty URL disables export.
type InfluxOpt struct {
	URL    string `mapstructure:"url" yaml:"url"`
	Token  string `mapstructure:"token" yaml:"token"`
	Org    string `mapstructure:"org" yaml:"org"`
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
}

// MockOpt configures the simulated device.
type MockOpt struct {
	Interface        string `mapstructure:"interface" yaml:"interface"`
	Port             int    `mapstructure:"port" yaml:"port"`
	Firmware         string `mapstructure:"firmware" yaml:"firmware"`
	BatteryMV        int    `mapstructure:"battery_mv" yaml:"battery_mv"`
	WindowIntervalMS int    `mapstructure:"window_interval_ms" yaml:"window_interval_ms"`
}

// Config holds all application configuration values.
type Config struct {
	Device   DeviceOpt `mapstructure:"device" yaml:"device"`
	Fusion   FusionOpt `mapstructure:"fusion" yaml:"fusion"`
	MQTT     MQTTOpt   `mapstructure:"mqtt" yaml:"mqtt"`
	Web      WebOpt    `mapstructure:"web" yaml:"web"`
	Influx   InfluxOpt `mapstructure:"influx" yaml:"influx"`
	Mock     MockOpt   `mapstructure:"mock" yaml:"mock"`
	LogLevel string    `mapstructure:"log_level" yaml:"log_level"`
	Debug    bool      `mapstructure:"debug" yaml:"debug"`

	// file is the config file used, if any.
	file string
}

// Default returns the built-in configuration.
func Default() Config {
	d := device.DefaultConfig()
	return Config{
		Device: DeviceOpt{
			IP:               d.IP,
			Port:             d.Port,
			Freq:             d.Freq,
			AccelRange:       d.AccelRange,
			GyroRange:        d.GyroRange,
			ConnectTimeoutMS: ms(d.ConnectTimeout),
			CommandTimeoutMS: ms(d.CommandTimeout),
			ReadTimeoutMS:    ms(d.ReadTimeout),
			StopTimeoutMS:    ms(d.StopTimeout),
			DrainTimeoutMS:   ms(d.DrainTimeout),
			ProvisionPauseMS: ms(d.ProvisionPause),
			ClearOnStart:     d.ClearOnStart,
		},
		Fusion: FusionOpt{Enabled: true, Gain: 0.033},
		MQTT: MQTTOpt{
			Broker:            "tcp://localhost:1883",
			ClientIDStream:    "muvbox-stream",
			ClientIDConsole:   "muvbox-console",
			ClientIDWeb:       "muvbox-web",
			TopicSamples:      "muvbox/samples",
			TopicOrientation:  "muvbox/orientation",
			TopicStatus:       "muvbox/status",
			PublishIntervalMS: 100,
		},
		Web:      WebOpt{Interface: "0.0.0.0", Port: 8080, Source: "device"},
		Influx:   InfluxOpt{Org: "relabs", Bucket: "muvbox"},
		Mock:     MockOpt{Interface: "0.0.0.0", Port: device.DefaultPort, Firmware: "FM10V000.000", BatteryMV: 3900},
		LogLevel: "info",
	}
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }

// Load layers defaults, the config file, MUVBOX_* environment variables and
// the flags of cmd (if any), then validates the result. path may be empty
// to search SearchPaths for muvbox.yaml; a missing file is not an error then.
func Load(path string, cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		for _, p := range SearchPaths {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		bindFlags(v, cmd)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug("no config file found, using defaults")
	} else {
		log.Debugf("using config file: %s", v.ConfigFileUsed())
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.file = v.ConfigFileUsed()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flagKeys maps persistent CLI flags onto config keys.
var flagKeys = map[string]string{
	"debug":    "debug",
	"hostname": "device.hostname",
	"ip":       "device.ip",
	"port":     "device.port",
	"fusion":   "fusion.enabled",
	"broker":   "mqtt.broker",
	"web-port": "web.port",
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

// setDefaults registers every key of def, so that environment variables
// are seen for keys absent from the file.
func setDefaults(v *viper.Viper, def Config) error {
	b, err := yaml.Marshal(def)
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(b, &tree); err != nil {
		return err
	}
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]interface{}); ok {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}

// validate checks ranges and required fields.
func (c *Config) validate() error {
	d := c.Device
	if d.Hostname == "" && d.IP == "" {
		return fmt.Errorf("device.hostname or device.ip is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("device.port must be 1-65535, got %d", d.Port)
	}
	if d.Freq <= 0 {
		return fmt.Errorf("device.freq must be positive, got %d", d.Freq)
	}
	if d.AccelRange < 0 || d.AccelRange > 3 {
		return fmt.Errorf("device.accel_range must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d", d.AccelRange)
	}
	if d.GyroRange < 0 || d.GyroRange > 3 {
		return fmt.Errorf("device.gyro_range must be 0-3 (0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s), got %d", d.GyroRange)
	}
	for name, v := range map[string]int{
		"device.connect_timeout_ms": d.ConnectTimeoutMS,
		"device.command_timeout_ms": d.CommandTimeoutMS,
		"device.read_timeout_ms":    d.ReadTimeoutMS,
		"device.stop_timeout_ms":    d.StopTimeoutMS,
		"device.drain_timeout_ms":   d.DrainTimeoutMS,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if d.ProvisionPauseMS < 0 {
		return fmt.Errorf("device.provision_pause_ms must not be negative, got %d", d.ProvisionPauseMS)
	}
	if c.Fusion.Gain < 0 {
		return fmt.Errorf("fusion.gain must not be negative, got %v", c.Fusion.Gain)
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.PublishIntervalMS <= 0 {
		return fmt.Errorf("mqtt.publish_interval_ms must be positive, got %d", c.MQTT.PublishIntervalMS)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 1-65535, got %d", c.Web.Port)
	}
	if c.Web.Source != "device" && c.Web.Source != "mqtt" {
		return fmt.Errorf("web.source must be \"device\" or \"mqtt\", got %q", c.Web.Source)
	}
	if c.Mock.Port < 0 || c.Mock.Port > 65535 {
		return fmt.Errorf("mock.port must be 0-65535, got %d", c.Mock.Port)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// File returns the config file that was read, or "".
func (c *Config) File() string { return c.file }

// DeviceConfig converts the device and fusion sections for the driver.
func (c *Config) DeviceConfig() device.Config {
	d := c.Device
	return device.Config{
		Number:         d.Number,
		Hostname:       d.Hostname,
		IP:             d.IP,
		Port:           d.Port,
		Location:       d.Location,
		Freq:           d.Freq,
		AccelRange:     d.AccelRange,
		GyroRange:      d.GyroRange,
		ConnectTimeout: millis(d.ConnectTimeoutMS),
		CommandTimeout: millis(d.CommandTimeoutMS),
		ReadTimeout:    millis(d.ReadTimeoutMS),
		StopTimeout:    millis(d.StopTimeoutMS),
		DrainTimeout:   millis(d.DrainTimeoutMS),
		ProvisionPause: millis(d.ProvisionPauseMS),
		Fusion:         c.Fusion.Enabled,
		FilterGain:     c.Fusion.Gain,
		ClearOnStart:   d.ClearOnStart,
	}
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ApplyLogging sets the logrus level; Debug wins over LogLevel.
func (c *Config) ApplyLogging() {
	if c.Debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	if lvl, err := log.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
}

// Template renders the default configuration as YAML.
func Template() ([]byte, error) {
	b, err := yaml.Marshal(Default())
	if err != nil {
		return nil, err
	}
	header := "# MuvBox host configuration.\n" +
		"# Every key can be overridden with MUVBOX_<SECTION>_<KEY>, e.g. MUVBOX_DEVICE_HOSTNAME.\n"
	return append([]byte(header), b...), nil
}

// WriteTemplate writes Template to path, creating the parent directory.
// An existing file is kept unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration %s already exists, use --yes to overwrite", path)
		}
	}
	b, err := Template()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	log.Infof("configuration written to %s", path)
	return nil
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// InitGlobal loads the global configuration. Only the first call has effect.
func InitGlobal(path string, cmd *cobra.Command) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(path, cmd)
	})
	return err
}

// Get returns the global configuration, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
