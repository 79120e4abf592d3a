// Package config loads and persists Mission Control's top-level JSON
// configuration document (spec.md §6.4).
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/missioncontrol/internal/persist"
)

// RepoConfig names one configured repository.
type RepoConfig struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Config is the persisted server configuration.
type Config struct {
	Port       int          `json:"port"`
	Repos      []RepoConfig `json:"repos"`
	DebounceMs int          `json:"debounceMs"`

	// DevAssetDir, when set, enables the optional hot-reload developer
	// convenience described in spec.md §9. Empty by default: the
	// feature is inert unless an operator opts in.
	DevAssetDir string `json:"devAssetDir,omitempty"`

	// BrowseRoot restricts GET /api/browse to paths under this prefix
	// (spec.md §9: "a production port should make this configurable").
	BrowseRoot string `json:"browseRoot,omitempty"`

	path string `json:"-"`
}

const (
	DefaultPort       = 3847
	DefaultDebounceMs = 300
)

// Load reads and validates the configuration at path. A missing file is
// not an error: a fresh default configuration is returned so a new
// deployment can start from scratch. A malformed or structurally
// invalid file is a fatal configuration error (spec.md §7 taxonomy #1).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := defaultConfig()
		cfg.path = path
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.path = path
	return &cfg, nil
}

func defaultConfig() *Config {
	return &Config{Port: DefaultPort, DebounceMs: DefaultDebounceMs}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	seen := map[string]bool{}
	for _, r := range c.Repos {
		if r.Name == "" {
			return fmt.Errorf("repo entry missing name")
		}
		if r.Path == "" {
			return fmt.Errorf("repo %q missing path", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate repo name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Save persists the configuration atomically to its loaded path.
func (c *Config) Save() error {
	if c.DebounceMs == 0 {
		c.DebounceMs = DefaultDebounceMs
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return persist.WriteAtomic(c.path, data, 0o644)
}

// AddRepo appends a repo and persists the configuration. The caller is
// responsible for uniqueness/path validation before calling this.
func (c *Config) AddRepo(r RepoConfig) error {
	c.Repos = append(c.Repos, r)
	return c.Save()
}

// RemoveRepo removes a repo by name and persists the configuration.
func (c *Config) RemoveRepo(name string) error {
	out := c.Repos[:0]
	for _, r := range c.Repos {
		if r.Name != name {
			out = append(out, r)
		}
	}
	c.Repos = out
	return c.Save()
}

// HasRepo reports whether name is already configured.
func (c *Config) HasRepo(name string) bool {
	for _, r := range c.Repos {
		if r.Name == name {
			return true
		}
	}
	return false
}
