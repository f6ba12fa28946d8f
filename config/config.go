// Package config loads the settings of a contraction run from YAML.
package config

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/fumin/qcmpo/expr"
)

// Ownership rules.
const (
	RuleSingle = "single"
	RuleSite   = "site"
)

// Allocators.
const (
	AllocStack = "stack"
	AllocHeap  = "heap"
)

// Config holds the settings of a run.
type Config struct {
	// FCIDUMP is the path of the integral file.
	FCIDUMP string `yaml:"fcidump"`
	// Archive is the path of a sqlite file for the rotated operators, empty to skip archiving.
	Archive string `yaml:"archive"`

	// Processes is the number of ranks of the in process world.
	Processes int `yaml:"processes"`
	// Threads is the number of workers of each rank.
	Threads int `yaml:"threads"`
	// Replicated means every rank computes full results, so diagonals need no reduction.
	Replicated bool `yaml:"replicated"`

	Rule RuleConfig `yaml:"rule"`
	// Allocator is either stack or heap.
	Allocator string `yaml:"allocator"`
	// StackSize is the number of floats of each stack allocator.
	StackSize int `yaml:"stack_size"`

	// Split is the number of orbitals in the left block, 0 for half of them.
	Split   int    `yaml:"split"`
	BondDim int    `yaml:"bond_dim"`
	Seed    uint64 `yaml:"seed"`
}

// RuleConfig configures operator ownership.
type RuleConfig struct {
	// Kind is either single or site.
	Kind string `yaml:"kind"`
	// Repeat lists the operator names every rank holds. Only the site rule uses it.
	Repeat []string `yaml:"repeat"`
	// RepeatAll makes the single rule hold every operator on every rank.
	RepeatAll   bool `yaml:"repeat_all"`
	NonBlocking bool `yaml:"non_blocking"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Processes: 1,
		Threads:   1,
		Rule: RuleConfig{
			Kind:   RuleSite,
			Repeat: []string{"I", "C", "D"},
		},
		Allocator: AllocStack,
		StackSize: 1 << 18,
		BondDim:   8,
		Seed:      1,
	}
}

// Load reads the configuration at path over the defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "")
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Processes < 1 {
		return errors.Errorf("processes %d", c.Processes)
	}
	if c.Threads < 1 {
		return errors.Errorf("threads %d", c.Threads)
	}
	if !slices.Contains([]string{RuleSingle, RuleSite}, c.Rule.Kind) {
		return errors.Errorf("rule %q", c.Rule.Kind)
	}
	if _, err := c.Rule.RepeatNames(); err != nil {
		return errors.Wrap(err, "")
	}
	switch c.Allocator {
	case AllocHeap:
	case AllocStack:
		if c.StackSize < 1 {
			return errors.Errorf("stack size %d", c.StackSize)
		}
	default:
		return errors.Errorf("allocator %q", c.Allocator)
	}
	if c.Split < 0 {
		return errors.Errorf("split %d", c.Split)
	}
	if c.BondDim < 1 {
		return errors.Errorf("bond dimension %d", c.BondDim)
	}
	return nil
}

// RepeatNames parses Repeat.
func (r RuleConfig) RepeatNames() (expr.NameSet, error) {
	var s expr.NameSet
	for _, str := range r.Repeat {
		n, err := parseName(str)
		if err != nil {
			return 0, errors.Wrap(err, "")
		}
		s |= expr.Names(n)
	}
	return s, nil
}

func parseName(s string) (expr.Name, error) {
	for n := expr.I; n <= expr.TEMP; n++ {
		if n.String() == s {
			return n, nil
		}
	}
	return 0, errors.Errorf("unknown operator name %q", s)
}
