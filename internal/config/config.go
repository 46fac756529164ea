// Package config handles vartabridge configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/vartabridge/config.yaml, /etc/vartabridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vartabridge", "config.yaml"))
	}

	paths = append(paths, "/etc/vartabridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// ConfigError reports a missing or invalid setting. It is fatal at
// startup and never produced once the poll loop is running.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config holds all bridge configuration.
type Config struct {
	API         APIConfig    `yaml:"api"`
	MQTT        MQTTConfig   `yaml:"mqtt"`
	Poll        PollConfig   `yaml:"poll"`
	Status      StatusConfig `yaml:"status"`
	DataDir     string       `yaml:"data_dir"`
	SensorsFile string       `yaml:"sensors_file"`
	LogLevel    string       `yaml:"log_level"`
	LogFormat   string       `yaml:"log_format"`
}

// APIConfig describes the upstream battery endpoint.
type APIConfig struct {
	DataURL  string `yaml:"data_url"`
	LoginURL string `yaml:"login_url"` // optional; empty disables login entirely
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TimeoutSec bounds each login and data request (default 10).
	TimeoutSec int `yaml:"timeout_sec"`

	// InsecureSkipVerify accepts self-signed controller certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// AuthEnabled reports whether a login exchange should be performed
// before fetching data. All three of login URL, username and password
// must be present.
func (c APIConfig) AuthEnabled() bool {
	return c.LoginURL != "" && c.Username != "" && c.Password != ""
}

// Timeout returns the per-request timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// MQTTConfig defines the broker connection and discovery naming.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // host, host:port or mqtt[s]://host:port
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`
	ClientID        string `yaml:"client_id"` // default: vartabridge-<device_name>-<random>
}

// Configured reports whether the MQTT section has enough information
// to connect.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// BrokerURL normalises Broker into a URL. A bare host gets the mqtt
// scheme and the configured port.
func (c MQTTConfig) BrokerURL() (*url.URL, error) {
	raw := c.Broker
	if !strings.Contains(raw, "://") {
		host := raw
		if !strings.Contains(host, ":") {
			host = host + ":" + strconv.Itoa(c.Port)
		}
		raw = "mqtt://" + host
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker %q: %w", c.Broker, err)
	}
	if u.Port() == "" {
		u.Host = u.Hostname() + ":" + strconv.Itoa(c.Port)
	}
	return u, nil
}

// PollConfig controls the fetch cadence.
type PollConfig struct {
	IntervalSec      int `yaml:"interval_sec"`
	LoginCooldownSec int `yaml:"login_cooldown_sec"`
	MaxBackoffSec    int `yaml:"max_backoff_sec"`
}

// Interval returns the base time between successful cycles.
func (c PollConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// LoginCooldown returns the minimum spacing between login attempts.
func (c PollConfig) LoginCooldown() time.Duration {
	return time.Duration(c.LoginCooldownSec) * time.Second
}

// MaxBackoff returns the ceiling on the error retry delay.
func (c PollConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSec) * time.Second
}

// StatusConfig configures the optional HTTP status server.
type StatusConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9105"; empty disables the server
}

// Default returns a configuration with every optional field populated.
// Required fields (api.data_url, mqtt.broker) are left empty.
func Default() *Config {
	return &Config{
		API: APIConfig{TimeoutSec: 10},
		MQTT: MQTTConfig{
			Port:            1883,
			DiscoveryPrefix: "homeassistant",
			DeviceName:      "varta_battery",
		},
		Poll: PollConfig{
			IntervalSec:      1,
			LoginCooldownSec: 60,
			MaxBackoffSec:    60,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from a YAML file. Environment variables
// referenced as ${NAME} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.expandPaths()

	return cfg, nil
}

// FromEnv builds a configuration from the environment variables used
// by earlier releases of the bridge (API_URL, MQTT_BROKER, ...). It is
// the fallback when no config file is found.
func FromEnv(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	cfg.API.DataURL = getenv("API_URL")
	cfg.API.LoginURL = getenv("LOGIN_URL")
	cfg.API.Username = getenv("API_USERNAME")
	cfg.API.Password = getenv("API_PASSWORD")

	cfg.MQTT.Broker = getenv("MQTT_BROKER")
	cfg.MQTT.Username = getenv("MQTT_USERNAME")
	cfg.MQTT.Password = getenv("MQTT_PASSWORD")
	if v := getenv("DEVICE_NAME"); v != "" {
		cfg.MQTT.DeviceName = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"MQTT_PORT", &cfg.MQTT.Port},
		{"INTERVAL_SECONDS", &cfg.Poll.IntervalSec},
	}
	for _, i := range ints {
		v := getenv(i.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &ConfigError{Field: i.name, Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		*i.dst = n
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.DataDir = getenv("DATA_DIR")
	cfg.Status.Listen = getenv("STATUS_LISTEN")
	cfg.SensorsFile = getenv("SENSORS_FILE")
	cfg.expandPaths()

	return cfg, nil
}

// maxPollSeconds bounds the poll interval and backoff ceiling (one day).
const maxPollSeconds = 24 * 60 * 60

// Validate checks required settings. The returned error is always a
// *ConfigError.
func (c *Config) Validate() error {
	if c.API.DataURL == "" {
		return &ConfigError{Field: "api.data_url", Reason: "required"}
	}
	if _, err := url.ParseRequestURI(c.API.DataURL); err != nil {
		return &ConfigError{Field: "api.data_url", Reason: err.Error()}
	}
	if c.API.LoginURL != "" {
		if _, err := url.ParseRequestURI(c.API.LoginURL); err != nil {
			return &ConfigError{Field: "api.login_url", Reason: err.Error()}
		}
	}
	if c.MQTT.Broker == "" {
		return &ConfigError{Field: "mqtt.broker", Reason: "required"}
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return &ConfigError{Field: "mqtt.port", Reason: "must be between 1 and 65535"}
	}
	if _, err := c.MQTT.BrokerURL(); err != nil {
		return &ConfigError{Field: "mqtt.broker", Reason: err.Error()}
	}
	if c.MQTT.DeviceName == "" {
		return &ConfigError{Field: "mqtt.device_name", Reason: "required"}
	}
	if c.Poll.IntervalSec < 1 || c.Poll.IntervalSec > maxPollSeconds {
		return &ConfigError{Field: "poll.interval_sec", Reason: fmt.Sprintf("must be between 1 and %d", maxPollSeconds)}
	}
	if c.Poll.LoginCooldownSec < 0 {
		return &ConfigError{Field: "poll.login_cooldown_sec", Reason: "must not be negative"}
	}
	if c.Poll.MaxBackoffSec < 1 || c.Poll.MaxBackoffSec > maxPollSeconds {
		return &ConfigError{Field: "poll.max_backoff_sec", Reason: fmt.Sprintf("must be between 1 and %d", maxPollSeconds)}
	}
	if c.API.TimeoutSec < 1 {
		return &ConfigError{Field: "api.timeout_sec", Reason: "must be at least 1"}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return &ConfigError{Field: "log_level", Reason: err.Error()}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return &ConfigError{Field: "log_format", Reason: fmt.Sprintf("unknown format %q (valid: text, json)", c.LogFormat)}
	}
	return nil
}
