// Package config loads the ambient daemon configuration from YAML with
// environment variable expansion, following the server config conventions:
// a .env file is honored when present and ${VAR} references inside the YAML
// are expanded before parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Scheduler  Scheduler  `yaml:"scheduler"`
	Extraction Extraction `yaml:"extraction"`
	Janitor    Janitor    `yaml:"janitor"`
	Supervisor Supervisor `yaml:"supervisor"`
}

// Scheduler holds the arbiter tunables. These are deliberately configurable:
// the idle threshold and hold-off govern when background extraction may
// contend for the shared inference device.
type Scheduler struct {
	IdleThreshold   time.Duration `yaml:"idle_threshold"`
	HoldOff         time.Duration `yaml:"hold_off"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
	DrainInterval   time.Duration `yaml:"drain_interval"`
}

// Extraction configures the LLM extraction backend. BaseURL points at any
// OpenAI-compatible endpoint (a local Ollama server by default).
type Extraction struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Janitor configures periodic pruning of old terminal queue items and crash
// records. Schedule is a standard 5-field cron expression.
type Janitor struct {
	Schedule   string `yaml:"schedule"`
	RetainDays int    `yaml:"retain_days"`
}

// Supervisor holds restart-policy defaults for the supervise command.
// CLI flags override these.
type Supervisor struct {
	MaxRestarts    int           `yaml:"max_restarts"`
	RestartWindow  time.Duration `yaml:"restart_window"`
	RestartDelay   time.Duration `yaml:"restart_delay"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	CrashFreeReset time.Duration `yaml:"crash_free_reset"`
}

// Default returns the built-in configuration. Paths are rooted under
// ~/.ambient unless overridden.
func Default() Config {
	var c Config
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	c.DataDir = filepath.Join(home, ".ambient")
	c.Log.Level = "info"
	c.Database.Path = "" // derived from DataDir when empty
	c.Server.Addr = "127.0.0.1:27519"
	c.Scheduler = Scheduler{
		IdleThreshold:   2 * time.Minute,
		HoldOff:         30 * time.Second,
		RecheckInterval: 10 * time.Second,
		DrainInterval:   time.Second,
	}
	c.Extraction = Extraction{
		BaseURL:   "http://127.0.0.1:11434/v1",
		APIKey:    "ambient",
		Model:     "llama3.2",
		MaxTokens: 1024,
		Timeout:   2 * time.Minute,
	}
	c.Janitor = Janitor{
		Schedule:   "30 3 * * *",
		RetainDays: 7,
	}
	c.Supervisor = Supervisor{
		MaxRestarts:    5,
		RestartWindow:  10 * time.Minute,
		RestartDelay:   3 * time.Second,
		GracePeriod:    15 * time.Second,
		CrashFreeReset: 5 * time.Minute,
	}
	return c
}

// Load reads the config file at path, applying defaults for anything unset.
// A missing file is not an error: defaults are returned. A .env file next to
// the config (or in the working directory) is loaded first so ${VAR}
// references in the YAML resolve.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	if path != "" {
		_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	}

	c := Default()
	if path == "" {
		return c.normalize(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c.normalize(), nil
		}
		return c, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}

	return c.normalize(), nil
}

// normalize fills derived fields and re-applies defaults for values that an
// explicit config zeroed out.
func (c Config) normalize() Config {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "ambient.db")
	}
	def := Default()
	if c.Scheduler.IdleThreshold <= 0 {
		c.Scheduler.IdleThreshold = def.Scheduler.IdleThreshold
	}
	if c.Scheduler.HoldOff <= 0 {
		c.Scheduler.HoldOff = def.Scheduler.HoldOff
	}
	if c.Scheduler.RecheckInterval <= 0 {
		c.Scheduler.RecheckInterval = def.Scheduler.RecheckInterval
	}
	if c.Scheduler.DrainInterval <= 0 {
		c.Scheduler.DrainInterval = def.Scheduler.DrainInterval
	}
	if c.Extraction.Timeout <= 0 {
		c.Extraction.Timeout = def.Extraction.Timeout
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = def.Janitor.Schedule
	}
	if c.Janitor.RetainDays <= 0 {
		c.Janitor.RetainDays = def.Janitor.RetainDays
	}
	if c.Supervisor.MaxRestarts <= 0 {
		c.Supervisor.MaxRestarts = def.Supervisor.MaxRestarts
	}
	if c.Supervisor.RestartWindow <= 0 {
		c.Supervisor.RestartWindow = def.Supervisor.RestartWindow
	}
	if c.Supervisor.RestartDelay <= 0 {
		c.Supervisor.RestartDelay = def.Supervisor.RestartDelay
	}
	if c.Supervisor.GracePeriod <= 0 {
		c.Supervisor.GracePeriod = def.Supervisor.GracePeriod
	}
	if c.Supervisor.CrashFreeReset <= 0 {
		c.Supervisor.CrashFreeReset = def.Supervisor.CrashFreeReset
	}
	return c
}
