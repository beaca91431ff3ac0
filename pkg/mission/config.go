// Package mission holds the per-mission configuration: which instrument
// the directory belongs to, the attached logger subsystems, and the
// conversion tuning knobs.
package mission

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gliderbase/gliderbase/pkg/glider"
)

const (
	defaultVersion        = 1
	defaultLockTimeoutSec = 60
)

var ErrConfigMissing = errors.New("mission config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config describes one mission directory.
type Config struct {
	Version        int            `yaml:"version"`
	InstrumentID   int            `yaml:"instrument_id"`
	FragmentKB     int            `yaml:"fragment_kb"`
	LockTimeoutSec int            `yaml:"lock_timeout_sec"`
	Loggers        []LoggerConfig `yaml:"loggers"`
}

// LoggerConfig declares one attached logger subsystem by its two-letter
// transmission prefix.
type LoggerConfig struct {
	Prefix string `yaml:"prefix"`
	// StripFiles marks payloads whose final fragment carries pad bytes
	// that must be trimmed after reassembly.
	StripFiles bool `yaml:"strip_files"`
}

// LoadConfig reads config from the provided path. When the file does not
// exist it writes a template and returns ErrConfigMissing to prompt the
// user to edit the newly created file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse mission config: %w", err)
	}

	cfg.applyDefaults()
	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.LockTimeoutSec == 0 {
		c.LockTimeoutSec = defaultLockTimeoutSec
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	if c.InstrumentID < 0 || c.InstrumentID > 9999 {
		issues = append(issues, "instrument_id must be in [0,9999]")
	}
	if c.FragmentKB < 0 {
		issues = append(issues, "fragment_kb must be >= 0")
	}
	if c.LockTimeoutSec <= 0 {
		issues = append(issues, "lock_timeout_sec must be > 0")
	}
	for _, lg := range c.Loggers {
		if len(lg.Prefix) != 2 {
			issues = append(issues, fmt.Sprintf("logger prefix %q must be two letters", lg.Prefix))
		}
	}

	return ValidationError{Issues: issues}
}

// LockTimeout returns the lock wait budget as a duration.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSec) * time.Second
}

// FragmentSize returns the configured fragment size in bytes, or 0 when
// the size should be discovered from the communication log.
func (c Config) FragmentSize() int64 {
	return int64(c.FragmentKB) * 1024
}

// LoggerSubsystems converts the config entries to classifier inputs.
func (c Config) LoggerSubsystems() []glider.LoggerSubsystem {
	out := make([]glider.LoggerSubsystem, 0, len(c.Loggers))
	for _, lg := range c.Loggers {
		out = append(out, glider.LoggerSubsystem{Prefix: lg.Prefix, StripFiles: lg.StripFiles})
	}
	return out
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# Gliderbase mission configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("# four digit instrument serial, matches the sgNNNN file prefix\n")
	tpl.WriteString("instrument_id: 0\n")
	tpl.WriteString("# uplink fragment size in KB, 0 discovers it from comm.log\n")
	tpl.WriteString("fragment_kb: 0\n")
	tpl.WriteString("lock_timeout_sec: 60\n")
	tpl.WriteString("# attached logger subsystems\n")
	tpl.WriteString("# loggers:\n")
	tpl.WriteString("#   - prefix: sc\n")
	tpl.WriteString("#     strip_files: true\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
