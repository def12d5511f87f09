package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var serviceNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Cluster is the top-level structure of a cluster file: an ordered list of
// services plus the settings they share.
type Cluster struct {
	Name         string       `yaml:"name,omitempty"`
	RunDir       string       `yaml:"run_dir,omitempty"`
	BinDir       string       `yaml:"bin_dir,omitempty"`
	User         string       `yaml:"user,omitempty"`
	PollInterval Duration     `yaml:"poll_interval,omitempty"`
	PollAttempts int          `yaml:"poll_attempts,omitempty"`
	Services     []Descriptor `yaml:"services"`
}

// Descriptor is the configuration of one service. Start order is the order
// of descriptors in the cluster file.
type Descriptor struct {
	Name         string            `yaml:"name"`
	StartCommand string            `yaml:"start_command,omitempty"`
	StopCommand  string            `yaml:"stop_command,omitempty"`
	Pidfile      string            `yaml:"pidfile,omitempty"`
	User         string            `yaml:"user,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
}

// PidfileIn returns the descriptor's pidfile, defaulting to <runDir>/<name>.pid.
func (d Descriptor) PidfileIn(runDir string) string {
	if d.Pidfile != "" {
		return d.Pidfile
	}
	return filepath.Join(runDir, d.Name+".pid")
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "100ms", "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads, resolves and validates a cluster file. Relative run_dir and
// bin_dir values are taken relative to the file's directory.
func Load(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cluster file %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing cluster file %s: %w", path, err)
	}

	c.Resolve(filepath.Dir(path))

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validating cluster file %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a cluster file without resolving or validating it.
func Parse(data []byte) (*Cluster, error) {
	var c Cluster
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Resolve fills in defaults: absolute directories, per-service user,
// commands derived from bin_dir, and pidfiles derived from run_dir.
func (c *Cluster) Resolve(baseDir string) {
	if c.RunDir != "" && !filepath.IsAbs(c.RunDir) {
		c.RunDir = filepath.Join(baseDir, c.RunDir)
	}
	if c.BinDir != "" && !filepath.IsAbs(c.BinDir) {
		c.BinDir = filepath.Join(baseDir, c.BinDir)
	}

	for i := range c.Services {
		d := &c.Services[i]
		if d.User == "" {
			d.User = c.User
		}
		if c.BinDir != "" {
			bin := filepath.Join(c.BinDir, d.Name)
			if d.StartCommand == "" {
				d.StartCommand = bin + " start"
			}
			if d.StopCommand == "" {
				d.StopCommand = bin + " stop"
			}
		}
		if d.Pidfile == "" && c.RunDir != "" {
			d.Pidfile = d.PidfileIn(c.RunDir)
		}
	}
}

// Validate checks that a resolved cluster is well-formed.
func (c *Cluster) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("services: at least one service is required")
	}
	if c.PollAttempts < 0 {
		return fmt.Errorf("poll_attempts must not be negative")
	}
	if c.PollInterval.Duration < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}

	seen := make(map[string]bool, len(c.Services))
	for i, d := range c.Services {
		if d.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if !serviceNameRe.MatchString(d.Name) {
			return fmt.Errorf("services[%d].name %q is invalid: must match ^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$", i, d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("services[%d].name %q is declared more than once", i, d.Name)
		}
		seen[d.Name] = true

		if d.StartCommand == "" {
			return fmt.Errorf("service %q: start_command is required (or set bin_dir)", d.Name)
		}
		if d.StopCommand == "" {
			return fmt.Errorf("service %q: stop_command is required (or set bin_dir)", d.Name)
		}
		if d.Pidfile == "" {
			return fmt.Errorf("service %q: pidfile is required (or set run_dir)", d.Name)
		}
	}
	return nil
}

// Names returns the service names in declaration order.
func (c *Cluster) Names() []string {
	names := make([]string, len(c.Services))
	for i, d := range c.Services {
		names[i] = d.Name
	}
	return names
}
