// Package manifest handles quill.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a quill.toml project configuration.
type Manifest struct {
	Project   Project         `toml:"project"`
	Engine    Engine          `toml:"engine"`
	Container ContainerConfig `toml:"container"`

	// Dir is the directory containing the quill.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Engine configures execution-tuning behavior.
type Engine struct {
	Adaptive     bool   `toml:"adaptive"`
	StatsDB      string `toml:"stats-db"`
	LogVerbosity int    `toml:"log-verbosity"`
}

// ContainerConfig configures container output.
type ContainerConfig struct {
	Output    string `toml:"output"`
	DebugInfo bool   `toml:"debug-info"`
}

// Default returns a manifest with default engine settings.
func Default() *Manifest {
	return &Manifest{
		Engine: Engine{Adaptive: true},
	}
}

// Load parses a quill.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "quill.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	m.Dir = dir

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return m, nil
}

// Validate checks manifest consistency.
func (m *Manifest) Validate() error {
	if m.Engine.LogVerbosity < 0 || m.Engine.LogVerbosity > 4 {
		return fmt.Errorf("log-verbosity %d out of range [0,4]", m.Engine.LogVerbosity)
	}
	return nil
}

// StatsDBPath returns the stats database path resolved against the
// manifest directory, or empty when stats persistence is disabled.
func (m *Manifest) StatsDBPath() string {
	if m.Engine.StatsDB == "" {
		return ""
	}
	if filepath.IsAbs(m.Engine.StatsDB) || m.Dir == "" {
		return m.Engine.StatsDB
	}
	return filepath.Join(m.Dir, m.Engine.StatsDB)
}
