package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the hub's runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Storage   StorageConfig   `yaml:"storage"`
	Files     FilesConfig     `yaml:"files"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the device TCP listener.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address for the device server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// APIConfig configures the HTTP control API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns the listen address for the control API.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DiscoveryConfig configures mDNS advertisement of the device port.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Service  string `yaml:"service"`
	Instance string `yaml:"instance"`
}

// StorageConfig configures session and file history persistence.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	DataDir string `yaml:"data_dir"`
}

// FilesConfig configures the spool directory for collected recordings.
type FilesConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              9000,
			ReadTimeout:       30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Discovery: DiscoveryConfig{
			Enabled:  true,
			Service:  "_msrhub._tcp",
			Instance: "msr-hub",
		},
		Storage: StorageConfig{
			Enabled: true,
			DataDir: "data",
		},
		Files: FilesConfig{
			Dir: "recordings",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No file is fine; run on defaults.
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("MSRHUB_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("MSRHUB_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.Port = n
		}
	}
	if port := os.Getenv("MSRHUB_API_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.API.Port = n
		}
	}
	if dataDir := os.Getenv("MSRHUB_DATA_DIR"); dataDir != "" {
		c.Storage.DataDir = dataDir
	}
	if filesDir := os.Getenv("MSRHUB_FILES_DIR"); filesDir != "" {
		c.Files.Dir = filesDir
	}
	if level := os.Getenv("MSRHUB_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	if c.Server.HeartbeatTimeout < c.Server.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %s shorter than sweep interval %s",
			c.Server.HeartbeatTimeout, c.Server.HeartbeatInterval)
	}
	return nil
}
