package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds supervisor settings loaded from ~/.cluster/config.yaml.
type Config struct {
	ClusterFile string `yaml:"cluster_file"`
	AuditLog    string `yaml:"audit_log"`
	SudoPath    string `yaml:"sudo_path"`
	LogLevel    string `yaml:"log_level"`
}

// DefaultPath returns the default config file path: ~/.cluster/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cluster", "config.yaml")
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns an empty Config and no error. An empty or all-comment file
// also returns an empty Config with no error.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ClusterPath picks the cluster file: an explicit path first, then
// cluster_file, then fallback.
func (c *Config) ClusterPath(explicit, fallback string) string {
	switch {
	case explicit != "":
		return explicit
	case c.ClusterFile != "":
		return ExpandHome(c.ClusterFile)
	default:
		return fallback
	}
}

// AuditPath returns the audit log location, or "" when auditing is off.
func (c *Config) AuditPath() string {
	return ExpandHome(c.AuditLog)
}

// Level parses a log level, preferring override over log_level. An empty
// level is info.
func (c *Config) Level(override string) (slog.Level, error) {
	s := override
	if s == "" {
		s = c.LogLevel
	}
	var lvl slog.Level
	if s == "" {
		return lvl, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
