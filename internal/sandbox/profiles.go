package sandbox

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var defaultProfiles []byte

// ErrNoProfile means no run-environment matches the requested environment or language.
var ErrNoProfile = errors.New("no sandbox profile")

// Profile describes one run-environment.
type Profile struct {
	Name       string   `yaml:"name"`
	Image      string   `yaml:"image"`
	Workdir    string   `yaml:"workdir"`
	SourceFile string   `yaml:"source_file"`
	Languages  []string `yaml:"languages"`
	Commands   []string `yaml:"commands"`
	MemoryMB   int64    `yaml:"memory_mb"`
	CPUQuota   int64    `yaml:"cpu_quota"`
	PidsLimit  int64    `yaml:"pids_limit"`
	// Network is a Docker network mode; empty means "none".
	Network string `yaml:"network"`
}

// Catalog is the set of known profiles, keyed by name.
type Catalog struct {
	profiles []Profile
	byName   map[string]int
}

type catalogFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadCatalog reads profiles from path, or the embedded defaults when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultProfiles
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read sandbox profiles: %w", err)
		}
		data = raw
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML profile catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sandbox profiles: %w", err)
	}
	c := &Catalog{byName: make(map[string]int, len(f.Profiles))}
	for _, p := range f.Profiles {
		if p.Name == "" || p.Image == "" {
			return nil, fmt.Errorf("sandbox profile %q: name and image are required", p.Name)
		}
		if _, dup := c.byName[p.Name]; dup {
			return nil, fmt.Errorf("sandbox profile %q defined twice", p.Name)
		}
		if p.Workdir == "" {
			p.Workdir = "/workspace"
		}
		if len(p.Commands) == 0 {
			return nil, fmt.Errorf("sandbox profile %q: at least one command is required", p.Name)
		}
		c.byName[p.Name] = len(c.profiles)
		c.profiles = append(c.profiles, p)
	}
	if len(c.profiles) == 0 {
		return nil, errors.New("sandbox profile catalog is empty")
	}
	return c, nil
}

// Resolve picks the profile named environment, else the first one serving language.
func (c *Catalog) Resolve(environment, language string) (Profile, error) {
	if environment != "" {
		if i, ok := c.byName[environment]; ok {
			return c.profiles[i], nil
		}
		return Profile{}, fmt.Errorf("%w named %q", ErrNoProfile, environment)
	}
	lang := strings.ToLower(strings.TrimSpace(language))
	for _, p := range c.profiles {
		for _, l := range p.Languages {
			if strings.EqualFold(l, lang) {
				return p, nil
			}
		}
	}
	return Profile{}, fmt.Errorf("%w for language %q", ErrNoProfile, language)
}

// Names lists the profile names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p.Name)
	}
	return out
}
