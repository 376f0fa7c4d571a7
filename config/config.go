// Package config loads the JSON configuration for the wtcpq client and
// server binaries into per-role structs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// LogConfig carries the log level and rotated-file path.
type LogConfig struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

func (c *LogConfig) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Path == "" {
		c.Path = "wtcpq.log"
	}
}

// SinkConfig selects and configures the telemetry/emergency persistence
// backend.
type SinkConfig struct {
	// Driver is "csv" or "sqlite"; defaults to "csv".
	Driver         string `json:"driver"`
	TelemetryPath  string `json:"telemetry_path"`
	EmergencyPath  string `json:"emergency_path"`
	GeohashLogging bool   `json:"geohash_logging"`
}

func (c *SinkConfig) setDefaults() {
	if c.Driver == "" {
		c.Driver = "csv"
	}
	if c.TelemetryPath == "" {
		c.TelemetryPath = "telemetry." + extensionFor(c.Driver)
	}
	if c.EmergencyPath == "" {
		c.EmergencyPath = "emergency." + extensionFor(c.Driver)
	}
}

func extensionFor(driver string) string {
	if driver == "sqlite" {
		return "db"
	}
	return "csv"
}

func (c *SinkConfig) verify() error {
	if c.Driver != "csv" && c.Driver != "sqlite" {
		return fmt.Errorf("sink: unknown driver %q", c.Driver)
	}
	return nil
}

// TLSConfig names the certificate material paths; loading the files
// themselves is left to the binaries.
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file"`
	Insecure bool   `json:"insecure_skip_verify"`
}

// ClientFileConfig is the on-disk shape of a client's config file.
type ClientFileConfig struct {
	Log  LogConfig `json:"log"`
	TLS  TLSConfig `json:"tls"`
	Sink SinkConfig `json:"sink"`

	DeviceUUID string `json:"device_uuid"`
	// ServerAddrs is tried in order until one dials successfully.
	ServerAddrs       []string `json:"server_addrs"`
	InitialRateSecs   uint32   `json:"initial_rate_seconds"`
	GeofenceRadius    float32  `json:"geofence_radius"`
	IdleTimeoutSecs   uint32   `json:"idle_timeout_seconds"`
}

func (c *ClientFileConfig) setDefaults() {
	c.Log.setDefaults()
	c.Sink.setDefaults()
	if c.InitialRateSecs == 0 {
		c.InitialRateSecs = 30
	}
	if c.IdleTimeoutSecs == 0 {
		c.IdleTimeoutSecs = 120
	}
}

func (c *ClientFileConfig) verify() error {
	if c.DeviceUUID == "" {
		return fmt.Errorf("client config: empty device_uuid")
	}
	if len(c.ServerAddrs) == 0 {
		return fmt.Errorf("client config: empty server_addrs")
	}
	return c.Sink.verify()
}

func (c *ClientFileConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

func (c *ClientFileConfig) InitialRate() time.Duration {
	return time.Duration(c.InitialRateSecs) * time.Second
}

// ServerFileConfig is the on-disk shape of a server's config file.
type ServerFileConfig struct {
	Log  LogConfig  `json:"log"`
	TLS  TLSConfig  `json:"tls"`
	Sink SinkConfig `json:"sink"`

	Listen                string `json:"listen"`
	TelemetryControlEvery uint64 `json:"telemetry_control_every"`
	WakeIntervalSecs      uint32 `json:"wake_interval_seconds"`
}

func (c *ServerFileConfig) setDefaults() {
	c.Log.setDefaults()
	c.Sink.setDefaults()
	if c.TelemetryControlEvery == 0 {
		c.TelemetryControlEvery = 10
	}
	if c.WakeIntervalSecs == 0 {
		c.WakeIntervalSecs = 60
	}
}

func (c *ServerFileConfig) verify() error {
	if c.Listen == "" {
		return fmt.Errorf("server config: empty listen address")
	}
	return c.Sink.verify()
}

func (c *ServerFileConfig) WakeInterval() time.Duration {
	return time.Duration(c.WakeIntervalSecs) * time.Second
}

// configPath resolves the file to load: the explicit path if non-empty,
// else the envVar override, else fallback.
func configPath(explicit, envVar, fallback string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

// LoadClient reads and verifies a client config file. path may be empty, in
// which case the WTCPQ_CLIENT_CONFIG env var (or "config/client.json") is
// used.
func LoadClient(path string) (*ClientFileConfig, error) {
	resolved := configPath(path, "WTCPQ_CLIENT_CONFIG", "config/client.json")
	buf, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", resolved, err)
	}
	var cfg ClientFileConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", resolved, err)
	}
	cfg.setDefaults()
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", resolved, err)
	}
	return &cfg, nil
}

// LoadServer reads and verifies a server config file, following the same
// WTCPQ_SERVER_CONFIG env var convention as LoadClient.
func LoadServer(path string) (*ServerFileConfig, error) {
	resolved := configPath(path, "WTCPQ_SERVER_CONFIG", "config/server.json")
	buf, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", resolved, err)
	}
	var cfg ServerFileConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", resolved, err)
	}
	cfg.setDefaults()
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", resolved, err)
	}
	return &cfg, nil
}
