package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/loomworks/loom/internal/coord"
	"github.com/loomworks/loom/internal/governance"
	"github.com/loomworks/loom/internal/realm"
	"github.com/loomworks/loom/internal/tick"
)

// LoomFile is the TOML deployment declaration: which realms exist, which
// reaction rules they run, and which governance policies gate commands.
type LoomFile struct {
	Realms   []RealmDecl  `toml:"realm"`
	Policies []PolicyDecl `toml:"policy"`
}

// RealmDecl declares one realm instance.
type RealmDecl struct {
	ID           string          `toml:"id"`
	TickInterval duration        `toml:"tick_interval"`
	MaxDepth     int             `toml:"max_depth"`
	TickBudget   int             `toml:"tick_budget"`
	QueueSize    int             `toml:"queue_size"`
	Rules        []string        `toml:"rules"`
	Patterns     []coord.Pattern `toml:"pattern"`
}

// PolicyDecl declares one governance policy as a named builtin kind plus
// its parameters.
type PolicyDecl struct {
	Name     string `toml:"name"`
	Kind     string `toml:"kind"`
	Scope    string `toml:"scope"`
	Priority int    `toml:"priority"`
	Disabled bool   `toml:"disabled"`
	Reason   string `toml:"reason,omitempty"`

	// role-gate parameters
	Roles []string `toml:"roles,omitempty"`
	// payload-cap parameters
	MaxBytes int `toml:"max_bytes,omitempty"`
	// redact-fields parameters
	Fields []string `toml:"fields,omitempty"`
}

// duration wraps time.Duration for TOML decoding of strings like "250ms".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// loadLoomFile reads and validates the loom file at path.
func loadLoomFile(path string) (LoomFile, error) {
	var f LoomFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return LoomFile{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return LoomFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (f LoomFile) validate() error {
	seen := make(map[string]bool, len(f.Realms))
	for _, r := range f.Realms {
		if r.ID == "" {
			return fmt.Errorf("realm with empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate realm id %q", r.ID)
		}
		seen[r.ID] = true
		for _, name := range r.Rules {
			if !knownRule(name) {
				return fmt.Errorf("realm %q references unknown rule %q", r.ID, name)
			}
		}
		for _, p := range r.Patterns {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("realm %q pattern: %w", r.ID, err)
			}
		}
	}
	for _, p := range f.Policies {
		if _, err := buildPolicy(p); err != nil {
			return err
		}
	}
	return nil
}

// BuildPolicies constructs the governance policy chain from declarations.
func (f LoomFile) BuildPolicies() ([]governance.Policy, error) {
	policies := make([]governance.Policy, 0, len(f.Policies))
	for _, decl := range f.Policies {
		p, err := buildPolicy(decl)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// realmConfig converts a declaration to a realm registration config.
func (r RealmDecl) realmConfig() (realm.Config, error) {
	rules := make([]tick.Rule, 0, len(r.Rules))
	for _, name := range r.Rules {
		rule, err := buildRule(name)
		if err != nil {
			return realm.Config{}, fmt.Errorf("realm %q: %w", r.ID, err)
		}
		rules = append(rules, rule)
	}
	return realm.Config{
		TickInterval: time.Duration(r.TickInterval),
		Patterns:     r.Patterns,
		Rules:        rules,
		Engine: tick.Config{
			MaxDepth:   r.MaxDepth,
			TickBudget: r.TickBudget,
			QueueSize:  r.QueueSize,
		},
	}, nil
}
