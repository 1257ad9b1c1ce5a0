package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cesam-app/cesamd/internal/protocol"
)

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	// Radio and peripheral profile
	BLE BLEConfig `yaml:"ble" json:"ble"`

	// HM-10 bridge serial port
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type BLEConfig struct {
	Adapter       string `yaml:"adapter" json:"adapter"` // "tinygo", "hm10" or "sim"
	ScanTimeoutMs int    `yaml:"scan_timeout_ms" json:"scanTimeoutMs"`
	AutoConnect   bool   `yaml:"auto_connect" json:"autoConnect"`
	Profile       string `yaml:"profile" json:"profile"` // "cesam", "cesam-nus" or "hm10"
	DeviceName    string `yaml:"device_name" json:"deviceName"`

	// Optional overrides of the profile's UUIDs, e.g. for custom firmware.
	Service string `yaml:"service_uuid,omitempty" json:"serviceUuid,omitempty"`
	Write   string `yaml:"write_uuid,omitempty" json:"writeUuid,omitempty"`
	Speed   string `yaml:"speed_uuid,omitempty" json:"speedUuid,omitempty"`
	Notify  string `yaml:"notify_uuid,omitempty" json:"notifyUuid,omitempty"`
}

type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	ListenAddr   string  `yaml:"listen_addr" json:"listenAddr"`
	IntentRate   float64 `yaml:"intent_rate" json:"intentRate"` // intents per second per client
	IntentBurst  int     `yaml:"intent_burst" json:"intentBurst"`
	// AllowOrigins lets pages from other origins open /ws.
	AllowOrigins bool    `yaml:"allow_any_origin" json:"allowAnyOrigin"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BLE: BLEConfig{
			Adapter:       "tinygo",
			ScanTimeoutMs: 5000,
			AutoConnect:   false,
			Profile:       protocol.PresetCESAM,
			DeviceName:    protocol.DefaultDeviceName,
		},
		Serial: SerialConfig{
			PortPath: "/dev/ttyUSB0",
			BaudRate: 9600,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Path:    "/var/log/cesamd",
		},
		Server: ServerConfig{
			ListenAddr:   ":8080",
			IntentRate:   10,
			IntentBurst:  20,
			AllowOrigins: false,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config, then CWD
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
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: CESAM_ADAPTER, CESAM_PROFILE, CESAM_DEVICE_NAME,
// CESAM_SERIAL_PORT, CESAM_SERIAL_BAUD, CESAM_AUTO_CONNECT, LISTEN_ADDR,
// LOG_ENABLED, LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CESAM_ADAPTER"); v != "" {
		c.BLE.Adapter = v
	}
	if v := os.Getenv("CESAM_PROFILE"); v != "" {
		c.BLE.Profile = v
	}
	if v, ok := os.LookupEnv("CESAM_DEVICE_NAME"); ok {
		c.BLE.DeviceName = v
	}
	if v := os.Getenv("CESAM_SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("CESAM_SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("CESAM_AUTO_CONNECT"); v != "" {
		c.BLE.AutoConnect = truthy(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = truthy(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// ScanTimeout returns the configured scan window.
func (c *Config) ScanTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.BLE.ScanTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.BLE.ScanTimeoutMs) * time.Millisecond
}

func (c *Config) loggingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging.Enabled
}

// ServiceSpec resolves the configured profile and applies UUID overrides.
func (c *Config) ServiceSpec() (protocol.ServiceSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, err := protocol.Preset(c.BLE.Profile)
	if err != nil {
		return protocol.ServiceSpec{}, err
	}
	spec.DeviceName = c.BLE.DeviceName

	overrides := []struct {
		name string
		raw  string
		dst  *uuid.UUID
	}{
		{"service_uuid", c.BLE.Service, &spec.Service},
		{"write_uuid", c.BLE.Write, &spec.Write},
		{"speed_uuid", c.BLE.Speed, &spec.Speed},
		{"notify_uuid", c.BLE.Notify, &spec.Notify},
	}
	for _, o := range overrides {
		if o.raw == "" {
			continue
		}
		u, err := uuid.Parse(o.raw)
		if err != nil {
			return protocol.ServiceSpec{}, fmt.Errorf("%w: %s: %v", protocol.ErrConfiguration, o.name, err)
		}
		*o.dst = u
	}
	if err := spec.Validate(); err != nil {
		return protocol.ServiceSpec{}, err
	}
	return spec, nil
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/cesamd/config.yaml"
	}

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

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps are merged, all
// other values overwrite.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
