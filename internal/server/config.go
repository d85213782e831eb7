package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/trackcap/internal/gps"
	"github.com/shaunagostinho/trackcap/internal/track"
)

// Config holds all recorder configuration.
type Config struct {
	mu sync.RWMutex

	// Capture sessions and the track logs they write
	Capture CaptureConfig    `yaml:"capture" json:"capture"`
	Device  track.DeviceInfo `yaml:"device" json:"device"`

	// Location sources
	Polling PollingConfig `yaml:"polling" json:"polling"`
	Push    PushConfig    `yaml:"push" json:"push"`

	Catalog CatalogConfig `yaml:"catalog" json:"catalog"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`

	path string // file path for save/load
}

type CaptureConfig struct {
	Dir           string `yaml:"dir" json:"dir"`
	QueueSize     int    `yaml:"queue_size" json:"queueSize"`
	DefaultSource string `yaml:"default_source" json:"defaultSource"` // "polling" or "push"
	Autostart     bool   `yaml:"autostart" json:"autostart"`
	Creator       string `yaml:"creator" json:"creator"`
}

type PollingConfig struct {
	Type       string `yaml:"type" json:"type"`          // "nmea" or "demo"
	PortPath   string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate   int    `yaml:"baud_rate" json:"baudRate"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

type PushConfig struct {
	Type     string `yaml:"type" json:"type"`     // "mqtt" or "demo"
	Broker   string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	Topic    string `yaml:"topic" json:"topic"`
	ClientID string `yaml:"client_id" json:"clientId"`
	QoS      int    `yaml:"qos" json:"qos"`
}

type CatalogConfig struct {
	Path string `yaml:"path" json:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // logrus level name
	Format string `yaml:"format" json:"format"` // "text" or "json"
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultPath is where Save writes a config that was not loaded from a file.
const DefaultPath = "/etc/trackcap/config.yaml"

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		path: DefaultPath,
		Capture: CaptureConfig{
			Dir:           "/var/lib/trackcap/tracks",
			QueueSize:     10,
			DefaultSource: string(gps.KindPolling),
			Creator:       "trackcap",
		},
		Device: track.DeviceInfo{
			Device: hostname(),
		},
		Polling: PollingConfig{
			Type:       "demo",
			PortPath:   "/dev/ttyGPS",
			BaudRate:   9600,
			IntervalMs: int(gps.UpdateInterval.Milliseconds()),
		},
		Push: PushConfig{
			Type:     "demo",
			Topic:    "trackcap/fix",
			ClientID: "trackcap",
		},
		Catalog: CatalogConfig{
			Path: "/var/lib/trackcap/catalog.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	log := logrus.WithField("component", "config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.WithField("path", path).Info("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.WithError(err).WithField("path", path).Warn("config parse failed, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.WithField("path", path).Info("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	logrus.WithFields(logrus.Fields{"component": "config", "path": path}).Info("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: CAPTURE_DIR, CAPTURE_SOURCE, GPS_PORT, GPS_BAUD, MQTT_BROKER,
// MQTT_TOPIC, LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT, CATALOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CAPTURE_DIR"); v != "" {
		c.Capture.Dir = v
	}
	if v := os.Getenv("CAPTURE_SOURCE"); v != "" {
		c.Capture.DefaultSource = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.Polling.PortPath = v
		c.Polling.Type = "nmea"
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Polling.BaudRate = n
		}
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.Push.Broker = v
		c.Push.Type = "mqtt"
	}
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		c.Push.Topic = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("CATALOG_PATH"); v != "" {
		c.Catalog.Path = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// DefaultSource returns the configured default source kind.
func (c *Config) DefaultSource() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Capture.DefaultSource
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. Source and capture settings apply to the next
// process start.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var next Config
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}

	c.Capture = next.Capture
	c.Device = next.Device
	c.Polling = next.Polling
	c.Push = next.Push
	c.Catalog = next.Catalog
	c.Logging = next.Logging
	c.Server = next.Server
	return nil
}

func (c *Config) validate() error {
	if _, err := gps.ParseKind(c.Capture.DefaultSource); err != nil {
		return fmt.Errorf("capture.defaultSource: %w", err)
	}
	if c.Capture.QueueSize < 0 {
		return fmt.Errorf("capture.queueSize: must not be negative")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
