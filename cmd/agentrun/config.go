package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/agentrun/internal/runtime"
)

// Config is the operator-facing configuration file. The runtime core takes
// everything explicitly; this file only exists at the CLI edge.
type Config struct {
	Provider      string `yaml:"provider"` // anthropic | openai
	Model         string `yaml:"model"`
	WorkspaceRoot string `yaml:"workspace_root"`

	WAL struct {
		Backend string `yaml:"backend"` // fs | memory | sql
		DSN     string `yaml:"dsn"`
		Driver  string `yaml:"driver"` // sqlite | postgres (sql backend only)
	} `yaml:"wal"`

	Safety runtime.SafetyConfig `yaml:"safety"`
	Limits runtime.RunLimits    `yaml:"limits"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	TraceEndpoint string `yaml:"trace_endpoint"`
}

// DefaultConfig returns the baseline CLI configuration.
func DefaultConfig() Config {
	var cfg Config
	cfg.Provider = "anthropic"
	cfg.Model = "claude-sonnet-4-5"
	cfg.WorkspaceRoot = "."
	cfg.WAL.Backend = "fs"
	cfg.Safety = runtime.DefaultSafetyConfig()
	cfg.Limits = runtime.DefaultRunLimits()
	cfg.Log.Level = "info"
	return cfg
}

// LoadConfig reads a YAML config file over the defaults. A missing path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// openWAL constructs the configured WAL backend for a run.
func openWAL(cfg Config, runID string) (runtime.WAL, error) {
	switch cfg.WAL.Backend {
	case "", "fs":
		return runtime.NewFileWAL(runtime.EventsPath(cfg.WorkspaceRoot, runID))
	case "memory":
		return runtime.NewMemoryWAL(""), nil
	case "sql":
		driver := cfg.WAL.Driver
		if driver == "" {
			driver = "sqlite"
		}
		db, err := sql.Open(driver, cfg.WAL.DSN)
		if err != nil {
			return nil, fmt.Errorf("open wal database: %w", err)
		}
		locator := "wal://sql/" + driver + "#run_id=" + runID
		if driver == "postgres" {
			return runtime.NewPostgresWAL(db, locator)
		}
		return runtime.NewSQLWAL(db, locator)
	default:
		return nil, fmt.Errorf("unknown wal backend %q", cfg.WAL.Backend)
	}
}
