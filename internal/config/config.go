// Package config loads named scan definitions from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/michaelscutari/avdug/internal/engine"
	"github.com/michaelscutari/avdug/internal/exclusion"
	"github.com/michaelscutari/avdug/internal/mounts"
	"github.com/michaelscutari/avdug/internal/scan"
)

// Config is one named scan.
type Config struct {
	// Name identifies the scan in logs and reports
	Name string `yaml:"name"`

	// Paths are the scan roots
	Paths []string `yaml:"paths"`

	// Exclusions are user-defined exclusion rules
	Exclusions []string `yaml:"exclusions"`

	ExcludeRemote    bool `yaml:"exclude_remote"`
	ExcludePseudo    bool `yaml:"exclude_pseudo"`
	ExcludeOptical   bool `yaml:"exclude_optical"`
	ExcludeRemovable bool `yaml:"exclude_removable"`

	ScanArchives       bool `yaml:"scan_archives"`
	ScanImages         bool `yaml:"scan_images"`
	FollowSymlinks     bool `yaml:"follow_symlinks"`
	StayOnDevice       bool `yaml:"stay_on_device"`
	RequireStartExists bool `yaml:"require_start_exists"`

	// Socket is the scanning engine's unix socket
	Socket string `yaml:"socket"`

	// ReportDir receives the report databases
	ReportDir string `yaml:"report_dir"`

	// Retention is the number of reports kept (0 = unlimited)
	Retention int `yaml:"retention"`

	// User is sent to the engine with every request
	User string `yaml:"user"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Name:          "on-demand",
		ExcludePseudo: true,
		ScanArchives:  true,
		Socket:        engine.DefaultSocket,
		ReportDir:     "./reports",
		Retention:     5,
	}
}

// Load reads a named scan from path on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for values a scan cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if len(c.Paths) == 0 {
		errs = append(errs, errors.New("at least one scan path is required"))
	}
	for _, p := range c.Paths {
		if p == "" {
			errs = append(errs, errors.New("scan paths must not be empty"))
		}
	}
	for _, raw := range c.Exclusions {
		if _, err := exclusion.New(raw); err != nil {
			errs = append(errs, fmt.Errorf("exclusion %q: %w", raw, err))
		}
	}
	if c.Socket == "" {
		errs = append(errs, errors.New("socket must not be empty"))
	}
	if c.Retention < 0 {
		errs = append(errs, fmt.Errorf("retention must be >= 0, got %d", c.Retention))
	}
	return errors.Join(errs...)
}

// MountOptions selects the mount kinds to exclude.
func (c *Config) MountOptions() mounts.Options {
	return mounts.Options{
		Remote:    c.ExcludeRemote,
		Pseudo:    c.ExcludePseudo,
		Optical:   c.ExcludeOptical,
		Removable: c.ExcludeRemovable,
	}
}

// AbsPaths returns the scan roots as absolute paths.
func (c *Config) AbsPaths() ([]string, error) {
	out := make([]string, 0, len(c.Paths))
	for _, p := range c.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		out = append(out, abs)
	}
	return out, nil
}

// ScanOptions builds scanner options. mountPoints are added as mount
// exclusions.
func (c *Config) ScanOptions(mountPoints []string) (*scan.ScanOptions, error) {
	opts := scan.DefaultOptions().
		WithName(c.Name).
		WithFollowSymlinks(c.FollowSymlinks).
		WithStayOnDevice(c.StayOnDevice).
		WithRequireStartExists(c.RequireStartExists).
		WithArchives(c.ScanArchives).
		WithImages(c.ScanImages).
		WithUser(c.User)
	for _, raw := range c.Exclusions {
		if err := opts.AddExclusion(raw); err != nil {
			return nil, fmt.Errorf("invalid exclusion %q: %w", raw, err)
		}
	}
	for _, m := range mountPoints {
		opts.AddMountExclusion(m)
	}
	return opts, nil
}
