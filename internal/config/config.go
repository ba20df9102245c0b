package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration loaded from config.yaml.
type Config struct {
	ScansDir        string    `yaml:"scans_dir"`
	HTTPAddr        string    `yaml:"http_addr"`
	LogLevel        string    `yaml:"log_level"`
	TenantID        string    `yaml:"tenant_id"`
	Schedule        string    `yaml:"schedule"`
	ScheduleFilters Filters   `yaml:"schedule_filters"`
	Extractor       Extractor `yaml:"extractor"`
}

// Filters narrows a scheduled extraction to a subset of the tenant.
type Filters struct {
	Workspace   string `yaml:"workspace"`
	WorkspaceID string `yaml:"workspace_id"`
	Dataset     string `yaml:"dataset"`
	DatasetID   string `yaml:"dataset_id"`
}

// Extractor describes how to launch the external extraction program.
type Extractor struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"workdir"`
	Timeout string   `yaml:"timeout"`
}

// TimeoutDuration parses Timeout. Call Validate first; an unparsable value
// yields zero (no bound).
func (e Extractor) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(e.Timeout)
	return d
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.ScansDir == "" {
		c.ScansDir = "scans"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Extractor.Command == "" {
		c.Extractor.Command = "python"
		if len(c.Extractor.Args) == 0 {
			c.Extractor.Args = []string{"pbi_tenant_analyzer.py"}
		}
	}
	if c.Extractor.Timeout == "" {
		c.Extractor.Timeout = "2h"
	}
}

// Validate reports malformed values that applyDefaults cannot repair.
func (c *Config) Validate() error {
	d, err := time.ParseDuration(c.Extractor.Timeout)
	if err != nil {
		return fmt.Errorf("extractor.timeout %q: %w", c.Extractor.Timeout, err)
	}
	if d < 0 {
		return fmt.Errorf("extractor.timeout %q: must not be negative", c.Extractor.Timeout)
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("schedule %q: %w", c.Schedule, err)
		}
	}
	return nil
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so the service
// can start without a config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		var cfg Config
		cfg.applyDefaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return &cfg, nil
}
