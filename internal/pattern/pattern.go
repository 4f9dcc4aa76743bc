// Package pattern runs named synthetic traffic patterns and experiment
// sequences built from them.
package pattern

import (
	"fmt"
	"os"
	"sort"

	simerrors "github.com/prologueii14/pqctls/pkg/errors"
	"gopkg.in/yaml.v3"
)

type IntRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// SecondsRange is an interval range in seconds.
type SecondsRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Pattern describes one burst of synthetic connections.
type Pattern struct {
	Description string       `yaml:"description"`
	Connections int          `yaml:"connections"`
	Size        IntRange     `yaml:"size"`
	Interval    SecondsRange `yaml:"interval"`
	// Burst makes most intervals zero.
	Burst bool `yaml:"burst"`
}

// DefaultPattern is what an entry in a pattern file is merged onto.
func DefaultPattern() Pattern {
	return Pattern{
		Connections: 10,
		Size:        IntRange{Min: 100, Max: 1000},
		Interval:    SecondsRange{Min: 0.1, Max: 1.0},
	}
}

func (p Pattern) Validate() error {
	switch {
	case p.Connections <= 0:
		return fmt.Errorf("connections must be positive, got %d", p.Connections)
	case p.Size.Min < 0 || p.Size.Max < p.Size.Min:
		return fmt.Errorf("invalid size range [%d, %d]", p.Size.Min, p.Size.Max)
	case p.Interval.Min < 0 || p.Interval.Max < p.Interval.Min:
		return fmt.Errorf("invalid interval range [%g, %g]", p.Interval.Min, p.Interval.Max)
	}
	return nil
}

// File is a pattern table.
type File struct {
	Patterns map[string]Pattern `yaml:"patterns"`
}

// Names lists the patterns in the file in name order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Patterns))
	for n := range f.Patterns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadFile reads a pattern table. Every entry starts from DefaultPattern.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}
	return ParseFile(data)
}

func ParseFile(data []byte) (*File, error) {
	var raw struct {
		Patterns map[string]yaml.Node `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, simerrors.ErrInvalidConfig("failed to parse pattern file", err)
	}
	if len(raw.Patterns) == 0 {
		return nil, simerrors.ErrInvalidConfig("pattern file defines no patterns", nil)
	}

	f := &File{Patterns: make(map[string]Pattern, len(raw.Patterns))}
	for name, node := range raw.Patterns {
		p := DefaultPattern()
		if err := node.Decode(&p); err != nil {
			return nil, simerrors.ErrInvalidConfig(fmt.Sprintf("pattern '%s'", name), err)
		}
		if err := p.Validate(); err != nil {
			return nil, simerrors.ErrInvalidConfig(fmt.Sprintf("pattern '%s'", name), err)
		}
		f.Patterns[name] = p
	}
	return f, nil
}

// Step is one entry of an experiment sequence. Override is decoded on top
// of the named pattern; Wait is the pause in seconds after the step.
type Step struct {
	Pattern  string    `yaml:"pattern"`
	Override yaml.Node `yaml:"override"`
	Wait     float64   `yaml:"wait"`
}

// Resolve returns the step's pattern from f with the override applied.
func (s Step) Resolve(f *File) (Pattern, error) {
	p, ok := f.Patterns[s.Pattern]
	if !ok {
		return Pattern{}, simerrors.ErrInvalidConfig(fmt.Sprintf("unknown pattern '%s'", s.Pattern), nil)
	}
	if !s.Override.IsZero() {
		if err := s.Override.Decode(&p); err != nil {
			return Pattern{}, simerrors.ErrInvalidConfig(fmt.Sprintf("override for '%s'", s.Pattern), err)
		}
		if err := p.Validate(); err != nil {
			return Pattern{}, simerrors.ErrInvalidConfig(fmt.Sprintf("override for '%s'", s.Pattern), err)
		}
	}
	return p, nil
}

// Experiment is a named sequence of patterns.
type Experiment struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Sequences   []Step `yaml:"sequences"`
}

func LoadExperiment(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment file: %w", err)
	}
	var exp Experiment
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, simerrors.ErrInvalidConfig("failed to parse experiment file", err)
	}
	if len(exp.Sequences) == 0 {
		return nil, simerrors.ErrInvalidConfig("experiment has no sequences", nil)
	}
	return &exp, nil
}
