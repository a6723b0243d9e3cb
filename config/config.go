// Package config loads the backend's tunables (spec §10): runtime/memory/
// SQL budgets, the database connection string, and per-schema/per-function
// CallLimits overrides, decoded from TOML the same way the teacher's
// config/defaults.go did — a DefaultConfig()/Load()/LoadFrom()/EnsureDirs()
// shape, kept verbatim and re-pointed at PLTS's own tunable set.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"plts/engine/calllimits"
)

// Config holds every backend tunable (spec §6's "Tunables", §10).
type Config struct {
	// Connection.
	DatabaseURL string `toml:"database_url"`

	// Default CallLimits, applied when no per-schema/per-function override
	// matches (spec §3 CallLimits).
	MaxRuntimeMS int `toml:"max_runtime_ms"`
	MaxHeapMB    int `toml:"max_heap_mb"`
	MaxSQLBytes  int `toml:"max_sql_bytes"`
	MaxParams    int `toml:"max_params"`
	MaxQueryRows int `toml:"max_query_rows"`

	// Engine selects the execution engine implementation; "v8" is the only
	// one this repo builds, the field exists so host configuration has a
	// documented place to name it (spec §6 tunables list).
	Engine string `toml:"engine"`

	LogLevel string `toml:"log_level"`

	// PLTSDir anchors every relative path below it, same root-dir-then-
	// derive-subdirs pattern as the teacher's CosmosDir/SessionsDir split.
	PLTSDir          string `toml:"plts_dir"`
	ArtifactCacheDir string `toml:"artifact_cache_dir"`
	AuditFile        string `toml:"audit_file"`

	// Overrides is a second decoded table section: per-schema/per-function
	// glob-shaped CallLimits overrides (spec §3), resolved by
	// engine/calllimits.Resolver.
	Overrides []calllimits.Override `toml:"overrides"`
}

// DefaultLimits returns the subset of Config that forms the baseline
// calllimits.Limits every call starts from before override resolution.
func (c Config) DefaultLimits() calllimits.Limits {
	return calllimits.Limits{
		MaxRuntimeMS: c.MaxRuntimeMS,
		MaxHeapMB:    c.MaxHeapMB,
		MaxSQLBytes:  c.MaxSQLBytes,
		MaxParams:    c.MaxParams,
		MaxQueryRows: c.MaxQueryRows,
	}
}

// DefaultConfig returns a Config with every tunable populated.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	pltsDir := filepath.Join(home, ".plts")

	return Config{
		DatabaseURL:      "postgres:///plts",
		MaxRuntimeMS:     5000,
		MaxHeapMB:        64,
		MaxSQLBytes:      65536,
		MaxParams:        100,
		MaxQueryRows:     10000,
		Engine:           "v8",
		LogLevel:         "info",
		PLTSDir:          pltsDir,
		ArtifactCacheDir: filepath.Join(pltsDir, "cache", "artifacts"),
		AuditFile:        filepath.Join(pltsDir, "audit.jsonl"),
	}
}

// ConfigFilePath returns the path to the config file inside PLTSDir.
func (c Config) ConfigFilePath() string {
	return filepath.Join(c.PLTSDir, "config.toml")
}

// Load loads configuration from the default location (~/.plts/config.toml),
// falling back to defaults if the file does not exist.
func Load() (Config, []string, error) {
	defaults := DefaultConfig()
	return LoadFrom(defaults.ConfigFilePath(), defaults)
}

// LoadFrom loads configuration from path, overlaying TOML values onto
// defaults. If the file does not exist, defaults are returned without
// error (first-run case). Warnings are returned for unrecognized TOML
// keys (likely typos).
func LoadFrom(path string, defaults Config) (Config, []string, error) {
	cfg := defaults

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil, nil
		}
		return Config{}, nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	if meta.IsDefined("plts_dir") {
		if !meta.IsDefined("artifact_cache_dir") {
			cfg.ArtifactCacheDir = filepath.Join(cfg.PLTSDir, "cache", "artifacts")
		}
		if !meta.IsDefined("audit_file") {
			cfg.AuditFile = filepath.Join(cfg.PLTSDir, "audit.jsonl")
		}
	}

	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", key))
	}

	return cfg, warnings, nil
}

// EnsureDirs creates PLTSDir and ArtifactCacheDir if they do not exist.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.PLTSDir, c.ArtifactCacheDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
