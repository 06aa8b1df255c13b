package modules

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Settings carries the per-module configuration from the module
// profile: API credentials, endpoint overrides and module knobs.
// The zero value is a valid default for every module.
type Settings struct {
	Name     string            `yaml:"name"`
	Disabled bool              `yaml:"disabled,omitempty"`
	Endpoint string            `yaml:"endpoint,omitempty"`
	APIKey   string            `yaml:"api_key,omitempty"`
	Ports    []int             `yaml:"ports,omitempty"`
	Limit    int               `yaml:"limit,omitempty"`
	Options  map[string]string `yaml:"options,omitempty"`
}

// Validate checks one profile document.
func (s Settings) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	for _, p := range s.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid port %d", p)
		}
	}
	if s.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}

// limit returns the configured limit or def when unset.
func (s Settings) limit(def int) int {
	if s.Limit > 0 {
		return s.Limit
	}
	return def
}

// Profile maps module names to their settings. Modules without an
// entry run on their built-in defaults.
type Profile map[string]Settings

// Get returns the settings for a module, zero-valued when absent.
func (p Profile) Get(name string) Settings {
	return p[name]
}

// Disabled lists the modules the profile switched off, sorted.
func (p Profile) Disabled() []string {
	var names []string
	for name, s := range p {
		if s.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// LoadProfile reads a module profile from a multi-document YAML file.
// A missing file is not an error; every module then runs on defaults.
func LoadProfile(path string) (Profile, error) {
	if path == "" {
		return Profile{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Profile{}, nil
		}
		return nil, fmt.Errorf("open profile: %w", err)
	}
	defer f.Close()

	prof, err := ParseProfile(f)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return prof, nil
}

// ParseProfile parses YAML content containing one settings document
// per module.
func ParseProfile(r io.Reader) (Profile, error) {
	decoder := yaml.NewDecoder(r)
	prof := Profile{}

	for {
		var s Settings
		err := decoder.Decode(&s)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}

		// Skip empty documents.
		if s.Name == "" && s.Endpoint == "" && s.APIKey == "" && len(s.Ports) == 0 {
			continue
		}

		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("module %q: %w", s.Name, err)
		}
		if _, dup := prof[s.Name]; dup {
			return nil, fmt.Errorf("module %q configured twice", s.Name)
		}
		prof[s.Name] = s
	}

	return prof, nil
}
