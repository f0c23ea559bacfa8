package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/a8m/envsubst"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/botcomm/botcomm/internal/comm"
	"github.com/botcomm/botcomm/internal/framelog"
	"github.com/botcomm/botcomm/internal/speed"
)

// Config holds all botcomm configuration.
type Config struct {
	mu sync.RWMutex

	// Device link
	Device DeviceConfig `yaml:"device" json:"device"`

	// Calibration table construction
	Speed speed.Config `yaml:"speed" json:"speed"`

	// Frame recording
	FrameLog framelog.Config `yaml:"framelog" json:"framelog"`

	// Process logging
	Log LogConfig `yaml:"log" json:"log"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Type             string `yaml:"type" json:"type"`           // "live" or "demo"
	Host             string `yaml:"host" json:"host"`           // device name, "goofy" resolves as goofy.local
	Transport        string `yaml:"transport" json:"transport"` // "udp", "tcp" or "serial"
	Port             int    `yaml:"port" json:"port"`
	SerialPath       string `yaml:"serial_path" json:"serialPath"` // e.g. /dev/ttyUSB0
	SerialBaud       int    `yaml:"serial_baud" json:"serialBaud"`
	KeepAliveMs      int    `yaml:"keepalive_ms" json:"keepaliveMs"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms" json:"connectTimeoutMs"`
	SignOffLingerMs  int    `yaml:"signoff_linger_ms" json:"signoffLingerMs"`
	MaxReadErrors    int    `yaml:"max_read_errors" json:"maxReadErrors"`
	MDNS             bool   `yaml:"mdns" json:"mdns"` // fall back to multicast DNS for .local names
	AutoConnect      bool   `yaml:"auto_connect" json:"autoConnect"`
	ConnectRetries   int    `yaml:"connect_retries" json:"connectRetries"` // auto-connect attempts at startup
}

type LogConfig struct {
	Level       string `yaml:"level" json:"level"` // debug, info, warn, error
	Development bool   `yaml:"development" json:"development"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// TransportKind maps the transport name to a comm.TransportKind.
func (d DeviceConfig) TransportKind() (comm.TransportKind, error) {
	switch strings.ToLower(d.Transport) {
	case "", "udp":
		return comm.Datagram, nil
	case "tcp":
		return comm.Stream, nil
	case "serial":
		return comm.Serial, nil
	default:
		return comm.Datagram, fmt.Errorf("unknown transport %q", d.Transport)
	}
}

// CommConfig returns the session timing settings.
func (d DeviceConfig) CommConfig() comm.Config {
	return comm.Config{
		KeepAlive:      time.Duration(d.KeepAliveMs) * time.Millisecond,
		ConnectTimeout: time.Duration(d.ConnectTimeoutMs) * time.Millisecond,
		SignOffLinger:  time.Duration(d.SignOffLingerMs) * time.Millisecond,
		MaxReadErrors:  d.MaxReadErrors,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:             "demo",
			Host:             "goofy",
			Transport:        "udp",
			Port:             comm.DefaultPort,
			SerialPath:       "/dev/ttyUSB0",
			SerialBaud:       115200,
			KeepAliveMs:      500,
			ConnectTimeoutMs: 8000,
			SignOffLingerMs:  100,
			MaxReadErrors:    comm.DefaultMaxReadErrors,
			MDNS:             true,
			ConnectRetries:   3,
		},
		Speed: speed.Config{
			Increment: speed.DefaultIncrement,
			MaxValue:  speed.DefaultMaxValue,
		},
		FrameLog: framelog.Config{
			Enabled: false,
			Path:    "/var/log/botcomm",
			MaxRows: 50_000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, expanding ${VAR} references, then
// applies .env and environment variable overrides. Falls back to defaults if
// the YAML is missing or invalid.
func LoadConfig(path string, log *zap.SugaredLogger) *Config {
	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg := DefaultConfig()
	cfg.path = path

	data, err := envsubst.ReadFile(path)
	if err != nil {
		log.Infow("no config file, using defaults", "path", path, "error", err)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warnw("config parse failed, using defaults", "path", path, "error", err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infow("config loaded", "path", path)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *zap.SugaredLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Infow("loading .env", "path", path)
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
// Supported: DEVICE_TYPE, DEVICE_HOST, DEVICE_TRANSPORT, DEVICE_PORT,
// SERIAL_PORT, SERIAL_BAUD, LISTEN_ADDR, LOG_LEVEL, FRAMELOG_ENABLED,
// FRAMELOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("DEVICE_HOST"); v != "" {
		c.Device.Host = v
	}
	if v := os.Getenv("DEVICE_TRANSPORT"); v != "" {
		c.Device.Transport = v
	}
	if v := os.Getenv("DEVICE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.Port = n
		}
	}
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Device.SerialPath = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.SerialBaud = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FRAMELOG_ENABLED"); v != "" {
		c.FrameLog.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("FRAMELOG_PATH"); v != "" {
		c.FrameLog.Path = v
	}
}

// DeviceSettings returns a copy of the device section.
func (c *Config) DeviceSettings() DeviceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Device
}

// FrameLogSettings returns a copy of the frame log section.
func (c *Config) FrameLogSettings() framelog.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.FrameLog
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.ListenAddr
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = "/etc/botcomm/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
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
	return json.Unmarshal(merged, c)
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
