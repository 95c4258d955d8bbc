// Package project loads vibegraph.yaml, the per-repository configuration:
// which scripts give feedback, what the watcher follows, and how stability
// targets deviate from the stock objective.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vibegraph/internal/planner"
)

// ProjectFileName is the config file looked up at the project root.
const ProjectFileName = "vibegraph.yaml"

// DefaultDebounceMs is the watcher debounce when the config does not set
// one.
const DefaultDebounceMs = 400

// Project is the parsed vibegraph.yaml.
type Project struct {
	// Scripts maps a feedback script name to its shell command line.
	Scripts map[string]string `yaml:"scripts,omitempty"`
	// Watch configures the filesystem watcher.
	Watch WatchConfig `yaml:"watch"`
	// Stability overrides per-role targets, e.g. "hub: 0.9".
	Stability map[string]float64 `yaml:"stability,omitempty"`
	// Ignore lists path prefixes excluded from planning and watching.
	Ignore []string `yaml:"ignore,omitempty"`
	// Automaton bounds the background evolution loop.
	Automaton AutomatonConfig `yaml:"automaton"`
	// Logging mirrors the block the logging package reads on its own.
	Logging LoggingConfig `yaml:"logging"`

	root string
}

// WatchConfig is the watch block.
type WatchConfig struct {
	Extensions []string `yaml:"extensions,omitempty"`
	DebounceMs int      `yaml:"debounce_ms"`
	Ignore     []string `yaml:"ignore,omitempty"`
}

// AutomatonConfig is the automaton block.
type AutomatonConfig struct {
	MaxTicks     int `yaml:"max_ticks"`
	IntervalSecs int `yaml:"interval_secs"`
}

// LoggingConfig is the logging block. The logging package parses this
// block itself at startup; it is declared here so a full config can be
// written back out.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty"`
	Level      string          `yaml:"level,omitempty"`
}

// DefaultProject returns the stock configuration.
func DefaultProject() *Project {
	return &Project{
		Scripts: map[string]string{},
		Watch: WatchConfig{
			Extensions: []string{".go", ".rs", ".py", ".js", ".ts"},
			DebounceMs: DefaultDebounceMs,
			Ignore:     []string{".git", ".self", "node_modules", "vendor", "target"},
		},
		Ignore: []string{".git", ".self"},
		Automaton: AutomatonConfig{
			MaxTicks:     100,
			IntervalSecs: 30,
		},
	}
}

// LoadProject reads <root>/vibegraph.yaml over the defaults. An absent
// file yields the defaults; a malformed one is an error.
func LoadProject(root string) (*Project, error) {
	p := DefaultProject()
	p.root = root

	data, err := os.ReadFile(filepath.Join(root, ProjectFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("project: read %s: %w", ProjectFileName, err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("project: parse %s: %w", ProjectFileName, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("project: %s: %w", ProjectFileName, err)
	}
	return p, nil
}

func (p *Project) validate() error {
	if p.Watch.DebounceMs < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative")
	}
	if p.Automaton.MaxTicks < 0 {
		return fmt.Errorf("automaton.max_ticks must not be negative")
	}
	if p.Automaton.IntervalSecs < 0 {
		return fmt.Errorf("automaton.interval_secs must not be negative")
	}
	for role, target := range p.Stability {
		if target < 0 || target > 1 {
			return fmt.Errorf("stability.%s must be within [0, 1]", role)
		}
	}
	return nil
}

// Save writes the configuration to <root>/vibegraph.yaml.
func (p *Project) Save(root string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("project: encode: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("project: %w", err)
	}
	path := filepath.Join(root, ProjectFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("project: write %s: %w", ProjectFileName, err)
	}
	return nil
}

// Root returns the directory the project was loaded from.
func (p *Project) Root() string { return p.root }

// StabilityObjective merges the config's role overrides over the stock
// targets.
func (p *Project) StabilityObjective() planner.StabilityObjective {
	return planner.DefaultObjective().Merge(p.Stability)
}

// Debounce returns the watcher debounce as a duration.
func (p *Project) Debounce() time.Duration {
	ms := p.Watch.DebounceMs
	if ms <= 0 {
		ms = DefaultDebounceMs
	}
	return time.Duration(ms) * time.Millisecond
}

// TickInterval returns how often the watch loop ticks the automaton.
func (p *Project) TickInterval() time.Duration {
	secs := p.Automaton.IntervalSecs
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// IsIgnored reports whether a project-relative path falls under one of
// the ignored prefixes.
func (p *Project) IsIgnored(path string) bool {
	path = filepath.ToSlash(path)
	for _, prefix := range p.Ignore {
		prefix = strings.TrimSuffix(filepath.ToSlash(prefix), "/")
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// WatchesExtension reports whether the watcher follows files with the
// given extension. An empty extension list watches everything.
func (p *Project) WatchesExtension(ext string) bool {
	if len(p.Watch.Extensions) == 0 {
		return true
	}
	for _, e := range p.Watch.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
