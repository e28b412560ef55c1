package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the rcmd-server configuration.
type Config struct {
	// Listen is a port ("9000") or a host:port address.
	Listen        string        `yaml:"listen"`
	CaptureDir    string        `yaml:"capture_dir"`
	Shell         string        `yaml:"shell"`
	CaptureStderr bool          `yaml:"capture_stderr"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	MaxIterations uint          `yaml:"max_iterations"`
	Audit         struct {
		Path string `yaml:"path"`
	} `yaml:"audit"`
	Telemetry struct {
		Enabled        bool   `yaml:"enabled"`
		MonitoringAddr string `yaml:"monitoring_addr"`
	} `yaml:"telemetry"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Listen:      "9000",
		CaptureDir:  os.TempDir(),
		Shell:       "/bin/sh",
		IdleTimeout: 2 * time.Minute,
	}
}

// ListenAddr normalizes Listen into a host:port address.
func (c Config) ListenAddr() string {
	if c.Listen == "" || strings.Contains(c.Listen, ":") {
		return c.Listen
	}
	return ":" + c.Listen
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/rcmd/server.yaml or
// ~/.config/rcmd/server.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "rcmd", "server.yaml")
}

// LoadConfig reads YAML configuration on top of DefaultConfig. If path is
// empty the default path is used and a missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	if v := os.Getenv("RCMD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("RCMD_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	return cfg, cfg.Validate()
}

// Validate reports configuration that would stop the server from starting.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address required")
	}
	if c.Shell == "" {
		return errors.New("config: shell required")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("config: negative idle_timeout %s", c.IdleTimeout)
	}
	if st, err := os.Stat(c.CaptureDir); err != nil {
		return fmt.Errorf("config: capture_dir: %w", err)
	} else if !st.IsDir() {
		return fmt.Errorf("config: capture_dir %s is not a directory", c.CaptureDir)
	}
	return nil
}
