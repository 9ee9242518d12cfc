// Package profiles loads named shell profiles for the frontend's
// profile menu. A profile is a command plus arguments and environment
// overrides; the backend resolves a profile name to spawn options at
// session-open time. Rendering of the menu itself is frontend
// territory.
package profiles

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Profile is one named shell configuration.
type Profile struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Profiles is the full profile file: a default name plus the list.
type Profiles struct {
	Default string    `yaml:"default" json:"default"`
	List    []Profile `yaml:"profiles" json:"profiles"`
}

// Load reads and validates a YAML profile file.
func Load(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML profile content.
func Parse(data []byte) (*Profiles, error) {
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural invariants: unique names, non-empty
// commands, and a default that resolves.
func (p *Profiles) Validate() error {
	seen := make(map[string]bool, len(p.List))
	for _, prof := range p.List {
		if prof.Name == "" {
			return fmt.Errorf("profile with empty name")
		}
		if prof.Command == "" {
			return fmt.Errorf("profile %q has no command", prof.Name)
		}
		if seen[prof.Name] {
			return fmt.Errorf("duplicate profile name %q", prof.Name)
		}
		seen[prof.Name] = true
	}
	if p.Default != "" && !seen[p.Default] {
		return fmt.Errorf("default profile %q not defined", p.Default)
	}
	return nil
}

// Find returns the profile with the given name.
func (p *Profiles) Find(name string) (Profile, bool) {
	for _, prof := range p.List {
		if prof.Name == name {
			return prof, true
		}
	}
	return Profile{}, false
}

// DefaultProfile returns the configured default profile, if any.
func (p *Profiles) DefaultProfile() (Profile, bool) {
	if p.Default == "" {
		return Profile{}, false
	}
	return p.Find(p.Default)
}
