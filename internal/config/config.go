// Package config handles envagent configuration loading.
//
// The configuration is static: it is read once at startup, validated,
// and passed by value into the components that need it. Nothing
// re-reads it at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/envagent/config.yaml, /etc/envagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "envagent", "config.yaml"))
	}

	paths = append(paths, "/etc/envagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all envagent configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Broker    BrokerConfig    `yaml:"broker"`
	Topics    TopicsConfig    `yaml:"topics"`
	TLS       TLSConfig       `yaml:"tls"`
	Clock     ClockConfig     `yaml:"clock"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Agent     AgentConfig     `yaml:"agent"`
	Display   DisplayConfig   `yaml:"display"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// DeviceConfig identifies this device to the broker.
type DeviceConfig struct {
	// ID is both the MQTT client ID and the deviceId field of every
	// telemetry message. For AWS IoT this is the thing name. When
	// empty, a persistent instance ID is generated under DataDir.
	ID string `yaml:"id"`
	// DataDir holds the generated instance ID file.
	DataDir string `yaml:"data_dir"`
}

// BrokerConfig defines the MQTT endpoint and session tuning.
type BrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"` // Default: 8883
	// Protocol selects the MQTT protocol version: "5" or "3.1.1".
	Protocol string `yaml:"protocol"`
	// KeepAlive is the MQTT keepalive interval (default 30s).
	KeepAlive time.Duration `yaml:"keep_alive"`
	// ConnectTimeout bounds a single bring-up attempt (default 10s).
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ALPN lists TLS application protocols, e.g. "x-amzn-mqtt-ca" for
	// AWS IoT on port 443.
	ALPN []string `yaml:"alpn"`
	// PollTimeout is the longest a single session poll waits for
	// inbound traffic (default 50ms).
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// InboundQueue is the capacity of the inbound message queue
	// drained on every poll (default 32).
	InboundQueue int `yaml:"inbound_queue"`
	// InboundRateLimit caps inbound messages per second; excess
	// messages are dropped (default 20).
	InboundRateLimit int `yaml:"inbound_rate_limit"`
}

// TopicsConfig names the MQTT topics used by the agent.
type TopicsConfig struct {
	Publish   string `yaml:"publish"`
	Subscribe string `yaml:"subscribe"`
	// Availability is optional. When set, a retained "online" is
	// published after every bring-up and "offline" is registered as
	// the last will.
	Availability string `yaml:"availability"`
}

// TLSConfig points at the credential material. Either CertFile and
// KeyFile or PKCS12File must be set; CAFile is always required.
type TLSConfig struct {
	CAFile         string `yaml:"ca_file"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	PKCS12File     string `yaml:"pkcs12_file"`
	PKCS12Password string `yaml:"pkcs12_password"`
}

// ClockConfig controls the one-time clock validation at boot.
type ClockConfig struct {
	Servers []string `yaml:"servers"`
	// TimezoneOffset is the display timezone offset in seconds.
	TimezoneOffset int `yaml:"timezone_offset"`
	// ValidityThreshold is an epoch-seconds value the clock must
	// exceed before any certificate-bearing handshake is attempted.
	ValidityThreshold int64         `yaml:"validity_threshold"`
	MaxAttempts       int           `yaml:"max_attempts"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
	// RequireSync halts the agent when the clock cannot be validated.
	// When false the agent logs a warning and connects anyway.
	RequireSync *bool `yaml:"require_sync"`
}

// SensorConfig selects and tunes the environmental sensor.
type SensorConfig struct {
	// Driver is "bme680" or "simulated".
	Driver string `yaml:"driver"`
	// I2CBus is the periph bus name; empty selects the first bus.
	I2CBus string `yaml:"i2c_bus"`
	// Addresses is the ordered list of I2C addresses probed once each.
	Addresses    []uint16           `yaml:"addresses"`
	Oversampling OversamplingConfig `yaml:"oversampling"`
	FilterSize   int                `yaml:"filter_size"`
	Heater       HeaterConfig       `yaml:"heater"`
}

// OversamplingConfig holds oversampling factors (0, 1, 2, 4, 8, 16).
type OversamplingConfig struct {
	Temperature int `yaml:"temperature"`
	Humidity    int `yaml:"humidity"`
	Pressure    int `yaml:"pressure"`
}

// HeaterConfig sets the gas heater profile.
type HeaterConfig struct {
	Temperature int `yaml:"temperature"` // °C, 200..400
	DurationMS  int `yaml:"duration_ms"`
}

// AgentConfig controls the control loop cadence.
type AgentConfig struct {
	PublishInterval time.Duration `yaml:"publish_interval"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// DisplayConfig selects the display sink.
type DisplayConfig struct {
	// Mode is "terminal", "log", or "none".
	Mode string `yaml:"mode"`
}

// DiscoveryConfig enables Home Assistant MQTT discovery.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
	// Name is the human-readable device name shown in Home Assistant.
	Name string `yaml:"name"`
}

// MetricsConfig enables the Prometheus and health endpoint.
type MetricsConfig struct {
	// Listen is the bind address, e.g. ":9108". Empty disables it.
	Listen string `yaml:"listen"`
}

// Configured reports whether the metrics endpoint is enabled.
func (c MetricsConfig) Configured() bool {
	return c.Listen != ""
}

// UsesPKCS12 reports whether the client identity comes from a PKCS#12
// bundle rather than separate PEM files.
func (c TLSConfig) UsesPKCS12() bool {
	return c.PKCS12File != ""
}

// SyncRequired reports whether a clock sync timeout halts the agent.
func (c ClockConfig) SyncRequired() bool {
	return c.RequireSync == nil || *c.RequireSync
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment, then applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every default applied. The
// broker, topics, and TLS material still have to be supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields. The values mirror the
// firmware this agent replaces: 8883/TLS, NTP pool, 50 × 200ms clock
// wait, BME680 at 0x76 then 0x77 with 2x oversampling, IIR 3 and a
// 320 °C / 150 ms heater profile, 1s publish cadence.
func (c *Config) applyDefaults() {
	if c.Device.DataDir == "" {
		c.Device.DataDir = "."
	}

	if c.Broker.Port == 0 {
		c.Broker.Port = 8883
	}
	if c.Broker.Protocol == "" {
		c.Broker.Protocol = "3.1.1"
	}
	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = 30 * time.Second
	}
	if c.Broker.ConnectTimeout == 0 {
		c.Broker.ConnectTimeout = 10 * time.Second
	}
	if c.Broker.PollTimeout == 0 {
		c.Broker.PollTimeout = 50 * time.Millisecond
	}
	if c.Broker.InboundQueue == 0 {
		c.Broker.InboundQueue = 32
	}
	if c.Broker.InboundRateLimit == 0 {
		c.Broker.InboundRateLimit = 20
	}

	if len(c.Clock.Servers) == 0 {
		c.Clock.Servers = []string{"ntp.nict.jp", "time.google.com", "pool.ntp.org"}
	}
	if c.Clock.ValidityThreshold == 0 {
		c.Clock.ValidityThreshold = 1_700_000_000
	}
	if c.Clock.MaxAttempts == 0 {
		c.Clock.MaxAttempts = 50
	}
	if c.Clock.PollInterval == 0 {
		c.Clock.PollInterval = 200 * time.Millisecond
	}
	if c.Clock.QueryTimeout == 0 {
		c.Clock.QueryTimeout = 2 * time.Second
	}

	if c.Sensor.Driver == "" {
		c.Sensor.Driver = "bme680"
	}
	if len(c.Sensor.Addresses) == 0 {
		c.Sensor.Addresses = []uint16{0x76, 0x77}
	}
	if c.Sensor.Oversampling == (OversamplingConfig{}) {
		c.Sensor.Oversampling = OversamplingConfig{Temperature: 2, Humidity: 2, Pressure: 2}
	}
	if c.Sensor.FilterSize == 0 {
		c.Sensor.FilterSize = 3
	}
	if c.Sensor.Heater == (HeaterConfig{}) {
		c.Sensor.Heater = HeaterConfig{Temperature: 320, DurationMS: 150}
	}

	if c.Agent.PublishInterval == 0 {
		c.Agent.PublishInterval = time.Second
	}
	if c.Agent.RetryDelay == 0 {
		c.Agent.RetryDelay = time.Second
	}

	if c.Display.Mode == "" {
		c.Display.Mode = "terminal"
	}
	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = "homeassistant"
	}
}

// Validate checks the configuration for errors that would otherwise
// surface only at bring-up time. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.Host == "" {
		errs = append(errs, errors.New("broker.host is required"))
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port %d out of range", c.Broker.Port))
	}
	switch c.Broker.Protocol {
	case "5", "3.1.1":
	default:
		errs = append(errs, fmt.Errorf("broker.protocol %q (valid: 5, 3.1.1)", c.Broker.Protocol))
	}
	if c.Broker.KeepAlive < time.Second || c.Broker.KeepAlive > 65535*time.Second {
		errs = append(errs, fmt.Errorf("broker.keep_alive %s out of range", c.Broker.KeepAlive))
	}

	if c.Topics.Publish == "" {
		errs = append(errs, errors.New("topics.publish is required"))
	}
	if c.Topics.Subscribe == "" {
		errs = append(errs, errors.New("topics.subscribe is required"))
	}
	if strings.ContainsAny(c.Topics.Publish, "+#") {
		errs = append(errs, fmt.Errorf("topics.publish %q must not contain wildcards", c.Topics.Publish))
	}

	if c.TLS.CAFile == "" {
		errs = append(errs, errors.New("tls.ca_file is required"))
	}
	if !c.TLS.UsesPKCS12() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file are required unless tls.pkcs12_file is set"))
	}

	if c.Clock.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("clock.max_attempts %d must be positive", c.Clock.MaxAttempts))
	}

	switch c.Sensor.Driver {
	case "bme680", "simulated":
	default:
		errs = append(errs, fmt.Errorf("sensor.driver %q (valid: bme680, simulated)", c.Sensor.Driver))
	}
	for _, factor := range []int{c.Sensor.Oversampling.Temperature, c.Sensor.Oversampling.Humidity, c.Sensor.Oversampling.Pressure} {
		switch factor {
		case 0, 1, 2, 4, 8, 16:
		default:
			errs = append(errs, fmt.Errorf("sensor.oversampling %d (valid: 0, 1, 2, 4, 8, 16)", factor))
		}
	}
	switch c.Sensor.FilterSize {
	case 0, 1, 3, 7, 15, 31, 63, 127:
	default:
		errs = append(errs, fmt.Errorf("sensor.filter_size %d (valid: 0, 1, 3, 7, 15, 31, 63, 127)", c.Sensor.FilterSize))
	}
	if c.Sensor.Heater.Temperature < 0 || c.Sensor.Heater.Temperature > 400 {
		errs = append(errs, fmt.Errorf("sensor.heater.temperature %d out of range 0..400", c.Sensor.Heater.Temperature))
	}

	if c.Agent.PublishInterval <= 0 {
		errs = append(errs, errors.New("agent.publish_interval must be positive"))
	}

	switch c.Display.Mode {
	case "terminal", "log", "none":
	default:
		errs = append(errs, fmt.Errorf("display.mode %q (valid: terminal, log, none)", c.Display.Mode))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
