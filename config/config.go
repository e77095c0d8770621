// Package config loads the bridge configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Adapter AdapterConfig `yaml:"adapter"`
	Backend BackendConfig `yaml:"backend"`
	Monitor MonitorConfig `yaml:"monitor"`
	MCP     MCPConfig     `yaml:"mcp"`
}

type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type AdapterConfig struct {
	Kind            string        `yaml:"kind"`    // ble or serial
	Name            string        `yaml:"name"`    // advertised name substring
	Address         string        `yaml:"address"` // exact device id, wins over name
	SerialPort      string        `yaml:"serial_port"`
	BaudRate        int           `yaml:"baud_rate"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	CommandDelay    time.Duration `yaml:"command_delay"`
	PayloadEncoding string        `yaml:"payload_encoding"` // raw or base64
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	Poll            PollConfig    `yaml:"poll"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	Commands []string      `yaml:"commands"`
}

type BackendConfig struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`      //nolint:gosec // configuration field, usually ${OBD_TOKEN}
	TokenFile       string        `yaml:"token_file"` // re-read every token_refresh
	TokenRefresh    time.Duration `yaml:"token_refresh"`
	Discover        bool          `yaml:"discover"` // find the backend over mDNS when url is empty
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	Path            string        `yaml:"path"`
}

type MonitorConfig struct {
	Addr      string `yaml:"addr"` // empty disables the monitor
	Advertise bool   `yaml:"advertise"`
	Name      string `yaml:"name"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used for any field a file leaves out.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Adapter: AdapterConfig{
			Kind:            "ble",
			Name:            "OBD",
			BaudRate:        38400,
			ScanTimeout:     10 * time.Second,
			CommandDelay:    500 * time.Millisecond,
			PayloadEncoding: "raw",
			ReconnectDelay:  5 * time.Second,
			Poll: PollConfig{
				Interval: time.Second,
				Commands: []string{"010C", "010D", "0105"},
			},
		},
		Backend: BackendConfig{
			DiscoverTimeout: 5 * time.Second,
			ReconnectDelay:  5 * time.Second,
			Path:            "/ws/telemetry",
		},
		Monitor: MonitorConfig{
			Addr: "127.0.0.1:8090",
			Name: "obdrelay",
		},
	}
}

// Load reads a YAML file over Default. Environment variables referenced as
// ${VAR} or $VAR are expanded before parsing. An empty path yields the
// defaults. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads environment variables from path. Missing files are ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if err := c.ValidateAdapter(); err != nil {
		return err
	}
	return c.validateBackend()
}

// ValidateAdapter checks the log and adapter sections, which is all a scan
// needs.
func (c Config) ValidateAdapter() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log: unknown format %q", c.Log.Format)
	}

	switch c.Adapter.Kind {
	case "ble":
	case "serial":
		if c.Adapter.SerialPort == "" && c.Adapter.Address == "" && c.Adapter.Name == "" {
			return fmt.Errorf("config: adapter: serial adapter needs serial_port, address or name")
		}
	default:
		return fmt.Errorf("config: adapter: unknown kind %q", c.Adapter.Kind)
	}
	switch strings.ToLower(c.Adapter.PayloadEncoding) {
	case "", "raw", "base64":
	default:
		return fmt.Errorf("config: adapter: unknown payload_encoding %q", c.Adapter.PayloadEncoding)
	}
	if c.Adapter.ScanTimeout <= 0 {
		return fmt.Errorf("config: adapter: scan_timeout must be positive")
	}
	if c.Adapter.CommandDelay < 0 || c.Adapter.ReconnectDelay < 0 || c.Adapter.Poll.Interval < 0 {
		return fmt.Errorf("config: adapter: durations must not be negative")
	}
	return nil
}

func (c Config) validateBackend() error {
	if c.Backend.URL == "" && !c.Backend.Discover {
		return fmt.Errorf("config: backend: url is required unless discover is set")
	}
	if c.Backend.Token == "" && c.Backend.TokenFile == "" {
		return fmt.Errorf("config: backend: token or token_file is required")
	}
	if c.Backend.TokenRefresh < 0 || c.Backend.ReconnectDelay < 0 {
		return fmt.Errorf("config: backend: durations must not be negative")
	}
	if c.Backend.TokenRefresh > 0 && c.Backend.TokenFile == "" {
		return fmt.Errorf("config: backend: token_refresh requires token_file")
	}

	if c.Monitor.Advertise && c.Monitor.Addr == "" {
		return fmt.Errorf("config: monitor: advertise requires addr")
	}
	return nil
}

// ResolveToken returns the bearer token, reading token_file when set.
func (b BackendConfig) ResolveToken() (string, error) {
	if b.TokenFile == "" {
		return b.Token, nil
	}
	data, err := os.ReadFile(b.TokenFile)
	if err != nil {
		return "", fmt.Errorf("config: read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("config: token file %s is empty", b.TokenFile)
	}
	return token, nil
}
