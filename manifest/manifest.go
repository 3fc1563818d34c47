// Package manifest handles capsule.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/capsule/vm"
)

// Manifest represents a capsule.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Limits  Limits  `toml:"limits"`
	Host    Host    `toml:"host"`
	Store   Store   `toml:"store"`

	// Dir is the directory containing the capsule.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Limits caps what one execution may consume. Zero means the default;
// max-steps and max-heap-bytes default to unlimited.
type Limits struct {
	MaxSteps      uint64 `toml:"max-steps"`
	MaxHeapBytes  uint64 `toml:"max-heap-bytes"`
	MaxFrameDepth int    `toml:"max-frame-depth"`
}

// Host declares the host functions a program is allowed to call.
type Host struct {
	Functions []string `toml:"functions"`
}

// Store configures snapshot persistence.
type Store struct {
	Path string `toml:"path"`
}

// Load parses a capsule.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "capsule.toml")
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
	if m.Limits.MaxFrameDepth == 0 {
		m.Limits.MaxFrameDepth = vm.DefaultMaxFrameDepth
	}
	if m.Store.Path == "" {
		m.Store.Path = filepath.Join(m.Dir, ".capsule", "snapshots.db")
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a capsule.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "capsule.toml")
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

// Options translates the configured limits into execution options. Each call
// builds a fresh tracker, so executions never share a budget.
func (m *Manifest) Options() []vm.Option {
	opts := []vm.Option{vm.WithMaxFrameDepth(m.Limits.MaxFrameDepth)}
	if m.Limits.MaxSteps > 0 || m.Limits.MaxHeapBytes > 0 {
		opts = append(opts, vm.WithTracker(vm.NewBudgetTracker(m.Limits.MaxSteps, m.Limits.MaxHeapBytes)))
	}
	return opts
}

// StorePath returns the absolute path of the snapshot database.
func (m *Manifest) StorePath() string {
	if filepath.IsAbs(m.Store.Path) {
		return m.Store.Path
	}
	return filepath.Join(m.Dir, m.Store.Path)
}

// Allows reports whether the manifest permits calling the named host
// function. An empty list permits everything.
func (m *Manifest) Allows(name string) bool {
	if len(m.Host.Functions) == 0 {
		return true
	}
	for _, fn := range m.Host.Functions {
		if fn == name {
			return true
		}
	}
	return false
}
