package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/pismo/internal/registry"
)

const (
	// DefaultListenAddr is the address of the remote server.
	DefaultListenAddr = ":48880"
	// DefaultWorkers is the number of files hashed in parallel.
	DefaultWorkers = 4
)

// Config represents the complete pismo configuration
type Config struct {
	Paths   PathsConfig             `yaml:"paths"`
	Scan    ScanConfig              `yaml:"scan"`
	Serve   ServeConfig             `yaml:"serve"`
	Log     LogConfig               `yaml:"log"`
	Remotes map[string]RemoteConfig `yaml:"remotes"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// ScanConfig configures the tree scanner
type ScanConfig struct {
	Workers int `yaml:"workers"`
}

// ServeConfig configures the remote server
type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures an optional rotating log file
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RemoteConfig declares a remote pismo server
type RemoteConfig struct {
	URL string `yaml:"url"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return finish(&cfg)
}

// Default returns the configuration used when no config file exists.
func Default() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	cfg.expandEnv()

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Log.File = os.ExpandEnv(c.Log.File)
	for name, remote := range c.Remotes {
		remote.URL = os.ExpandEnv(remote.URL)
		c.Remotes[name] = remote
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() error {
	if c.Paths.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return err
		}
		c.Paths.StateDir = dir
	}
	if c.Scan.Workers == 0 {
		c.Scan.Workers = DefaultWorkers
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	return nil
}

// defaultStateDir follows the XDG base directory layout.
func defaultStateDir() (string, error) {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "pismo"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "pismo"), nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Scan.Workers < 1 {
		return fmt.Errorf("scan.workers must be at least 1, got %d", c.Scan.Workers)
	}

	if c.Log.File != "" && !filepath.IsAbs(c.Log.File) {
		return fmt.Errorf("log.file must be an absolute path: %s", c.Log.File)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation settings must not be negative")
	}

	for _, name := range c.RemoteNames() {
		if err := registry.ValidateName(name); err != nil {
			return fmt.Errorf("remotes: %w", err)
		}
		if c.Remotes[name].URL == "" {
			return fmt.Errorf("remotes.%s.url is required", name)
		}
	}

	return nil
}

// RemoteNames returns the configured remote names in sorted order.
func (c *Config) RemoteNames() []string {
	names := make([]string, 0, len(c.Remotes))
	for name := range c.Remotes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoteURLs maps remote names to URLs.
func (c *Config) RemoteURLs() map[string]string {
	urls := make(map[string]string, len(c.Remotes))
	for name, remote := range c.Remotes {
		urls[name] = remote.URL
	}
	return urls
}
