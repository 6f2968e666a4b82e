// Package config loads and saves the performer's persistent settings:
// the default MIDI ports, the debounce window (spec §9, default 30ms),
// and the last project opened. Same on-disk shape as the rest of the
// ambient stack — a single JSON file under the user's config directory.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// DefaultDebounceMs is the step-sequencer debounce window from spec §9.
// Implementers may override it but must default to this value.
const DefaultDebounceMs = 30

// Config is the performer's saved settings.
type Config struct {
	OutputPortName  string   `json:"outputPortName,omitempty"`
	InputPortName   string   `json:"inputPortName,omitempty"`
	AutoConnect     bool     `json:"autoConnect"`
	DebounceMs      int      `json:"debounceMs,omitempty"`
	LastProjectPath string   `json:"lastProjectPath,omitempty"`
	RecentProjects  []string `json:"recentProjects,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AutoConnect: true,
		DebounceMs:  DefaultDebounceMs,
	}
}

// Debounce returns the configured debounce window, falling back to
// DefaultDebounceMs when unset or non-positive.
func (c *Config) Debounce() int {
	if c == nil || c.DebounceMs <= 0 {
		return DefaultDebounceMs
	}
	return c.DebounceMs
}

// Dir returns the config directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "stagehand"), nil
}

// Path returns the full path to config.json.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from disk, or returns defaults if not found.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the config to disk, creating the config directory if
// needed.
func (c *Config) Save() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	path, err := Path()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// RememberProject moves projectPath to the front of RecentProjects,
// deduplicating and capping the list at 10 entries.
func (c *Config) RememberProject(projectPath string) {
	c.LastProjectPath = projectPath

	filtered := make([]string, 0, len(c.RecentProjects)+1)
	filtered = append(filtered, projectPath)
	for _, p := range c.RecentProjects {
		if p != projectPath {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) > 10 {
		filtered = filtered[:10]
	}
	c.RecentProjects = filtered
}
