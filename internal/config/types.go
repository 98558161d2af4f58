// Package config loads the optional leash defaults file. Values from the
// file seed a run's configuration; command-line flags override them.
package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// File mirrors the leash.yaml document structure.
type File struct {
	// Timeout arms the watchdog for every run started with this file.
	Timeout Duration `yaml:"timeout"`
	// Grace overrides the default wait between the cooperative stop and
	// the forceful kill.
	Grace Duration `yaml:"grace"`
	// Workdir is the child's working directory, resolved relative to the
	// file's own directory when not absolute.
	Workdir string `yaml:"workdir"`
	// Env holds inline environment overrides.
	Env map[string]string `yaml:"env"`
	// EnvFromFile names a KEY=VALUE file merged beneath the inline
	// overrides (inline wins).
	EnvFromFile string `yaml:"envFromFile"`
}

func (f *File) validate() error {
	if f.Timeout.Duration < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", f.Timeout.Duration)
	}
	if f.Grace.Duration < 0 {
		return fmt.Errorf("grace must not be negative, got %s", f.Grace.Duration)
	}
	return nil
}
