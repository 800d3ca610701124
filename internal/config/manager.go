package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// ProfilesConfig holds named environment-profile overrides (e.g. "staging",
// "production") layered on top of the base config at a given deployment.
type ProfilesConfig struct {
	Profiles map[string]Config `yaml:"profiles"`
}

// Manager resolves the effective process-wide config for a named
// deployment profile, merging profile overrides on top of a base config
// loaded once at startup. Most processes never need this: Get() is enough
// when there is exactly one config file per process. Manager exists for
// operators running one binary across environments from a shared base
// file plus a profiles overlay.
type Manager struct {
	base     *Config
	profiles map[string]Config
	mu       sync.RWMutex
}

// NewManager loads the base config and, if present, a profiles overlay
// file. A missing profiles file is not an error: the manager falls back to
// serving the base config unmodified for every profile name.
func NewManager(basePath, profilesPath string) (*Manager, error) {
	base, err := LoadConfig(basePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(profilesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{base: base, profiles: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var pc ProfilesConfig
	if err := yaml.NewDecoder(f).Decode(&pc); err != nil {
		return nil, err
	}

	return &Manager{base: base, profiles: pc.Profiles}, nil
}

// Get returns the effective config for a named profile: a copy of the
// base config in which each section (Server, Runtime, Multiprocess, Wasm,
// Registry, Metrics, Progress) is replaced whole by the profile's section
// when that section sets one of the fields Get checks for it; fields are
// not merged one by one. An unknown profile name returns the base config
// as-is.
func (m *Manager) Get(profile string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.base

	override, ok := m.profiles[profile]
	if !ok {
		return &effective
	}

	if override.Server.Port != "" || override.Server.Env != "" {
		effective.Server = override.Server
	}
	if override.Runtime.MaxConcurrentSessions != 0 || override.Runtime.MaxProcessesPerSession != 0 {
		effective.Runtime = override.Runtime
	}
	if override.Multiprocess.Backend != "" {
		effective.Multiprocess = override.Multiprocess
	}
	if override.Wasm.Enabled {
		effective.Wasm = override.Wasm
	}
	if len(override.Registry.Patterns) != 0 || override.Registry.DefaultKind != "" {
		effective.Registry = override.Registry
	}
	if override.Metrics.Enabled {
		effective.Metrics = override.Metrics
	}
	if override.Progress.WebSocketEnabled {
		effective.Progress = override.Progress
	}

	return &effective
}
