// Package manifest handles lumen.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a lumen.toml runtime configuration.
type Manifest struct {
	Project   Project         `toml:"project"`
	Runtime   Runtime         `toml:"runtime"`
	Trace     TraceConfig     `toml:"trace"`
	Tools     map[string]Tool `toml:"tools"`
	Processes ProcessConfig   `toml:"processes"`

	// Dir is the directory containing the lumen.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   string `toml:"entry"`
}

// Runtime configures the scheduler.
type Runtime struct {
	Workers       int  `toml:"workers"`
	Fuel          int  `toml:"fuel"`
	Deterministic bool `toml:"deterministic"`
}

// TraceConfig configures trace recording.
type TraceConfig struct {
	Enabled bool   `toml:"enabled"`
	Store   string `toml:"store"`
}

// Tool declares one tool the program may be granted.
type Tool struct {
	Endpoint string `toml:"endpoint"`
	Timeout  string `toml:"timeout"`
}

// ProcessConfig configures process defaults.
type ProcessConfig struct {
	Grants []string `toml:"grants"`
}

// Load parses a lumen.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "lumen.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Project.Entry == "" {
		m.Project.Entry = "main"
	}
	if m.Trace.Enabled && m.Trace.Store == "" {
		m.Trace.Store = ".lumen/traces.db"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a lumen.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "lumen.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// GrantSet returns the default grant set as the VM expects it.
func (m *Manifest) GrantSet() map[string]bool {
	if len(m.Processes.Grants) == 0 {
		return nil
	}
	out := make(map[string]bool, len(m.Processes.Grants))
	for _, g := range m.Processes.Grants {
		out[g] = true
	}
	return out
}

// TraceStorePath returns the absolute path of the trace store.
func (m *Manifest) TraceStorePath() string {
	if m.Trace.Store == "" {
		return ""
	}
	if filepath.IsAbs(m.Trace.Store) {
		return m.Trace.Store
	}
	return filepath.Join(m.Dir, m.Trace.Store)
}
