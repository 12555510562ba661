// Package config loads the chronopoint YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the working directory
const FileName = ".chronopoint.yaml"

// ErrNoGem5 is returned when simulating without a gem5 tree configured
var ErrNoGem5 = errors.New("simulate.gem5_path is required")

// Config is the full configuration
type Config struct {
	Capture  Capture  `yaml:"capture"`
	Convert  Convert  `yaml:"convert"`
	Simulate Simulate `yaml:"simulate"`
	Log      Log      `yaml:"log"`
}

// Capture configures snapshot capture
type Capture struct {
	OutputDir  string `yaml:"output_dir"`
	EntryPoint string `yaml:"entry_point"`
	// Max bounds the number of snapshots; negative means unlimited
	Max               int      `yaml:"max"`
	Compress          bool     `yaml:"compress"`
	Convert           bool     `yaml:"convert"`
	DisallowedRegions []string `yaml:"disallowed_regions"`
	// SkipPolicy is "drop" or "step"
	SkipPolicy  string `yaml:"skip_policy"`
	RetryLimit  int    `yaml:"retry_limit"`
	HistoryFile string `yaml:"history_file"`
	// JournalCompression is "none" or "zstd"
	JournalCompression string `yaml:"journal_compression"`
}

// Convert configures memory image conversion
type Convert struct {
	MemoryMultiplier uint64 `yaml:"memory_multiplier"`
	MmapEnd          uint64 `yaml:"mmap_end"`
	Workers          int    `yaml:"workers"`
	Compress         bool   `yaml:"compress"`
}

// Simulate configures the simulation scheduler
type Simulate struct {
	Gem5Path     string        `yaml:"gem5_path"`
	Script       string        `yaml:"script"`
	Program      string        `yaml:"program"`
	Args         []string      `yaml:"args"`
	ResultsDir   string        `yaml:"results_dir"`
	LogFile      string        `yaml:"log_file"`
	Warmup       int64         `yaml:"warmup_insts"`
	Reportable   int64         `yaml:"reportable_insts"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
	FlagConfig   string        `yaml:"flag_config"`
	InOrder      bool          `yaml:"in_order"`
}

// Log configures logging
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Capture: Capture{
			OutputDir:          "checkpoints",
			EntryPoint:         "main",
			Max:                -1,
			Compress:           true,
			DisallowedRegions:  []string{"[vdso]", "[vvar]", "[vsyscall]"},
			SkipPolicy:         "drop",
			RetryLimit:         1000,
			JournalCompression: "none",
		},
		Convert: Convert{
			MemoryMultiplier: 2,
			MmapEnd:          0xFFFFFFFFFF000000,
			Workers:          runtime.NumCPU(),
		},
		Simulate: Simulate{
			ResultsDir:   "simulation_results",
			Warmup:       5000000,
			Reportable:   100000,
			Timeout:      time.Hour,
			PollInterval: 100 * time.Millisecond,
			Workers:      runtime.NumCPU(),
			FlagConfig:   "empty",
		},
		Log: Log{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected. Relative
// paths in the file are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.resolve(filepath.Dir(abs))
	return cfg, nil
}

// LoadOptional loads path when it exists and returns the defaults otherwise
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) resolve(base string) {
	for _, p := range []*string{
		&c.Capture.OutputDir,
		&c.Capture.HistoryFile,
		&c.Simulate.Gem5Path,
		&c.Simulate.Script,
		&c.Simulate.Program,
		&c.Simulate.ResultsDir,
		&c.Simulate.LogFile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ValidateSimulate checks the fields a simulation run cannot do without
func (c *Config) ValidateSimulate() error {
	if c.Simulate.Gem5Path == "" {
		return ErrNoGem5
	}
	if c.Simulate.Program == "" {
		return errors.New("simulate.program is required")
	}
	return nil
}

// ScriptPath returns the simulation script, defaulting to gem5's se.py
func (s Simulate) ScriptPath() string {
	if s.Script != "" {
		return s.Script
	}
	return filepath.Join(s.Gem5Path, "configs", "example", "se.py")
}
