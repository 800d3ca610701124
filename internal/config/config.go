package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Pipeline Runtime - Process-Wide Configuration with Environment Overrides
// =============================================================================

// Config is the process-wide configuration loaded once at runtime startup.
// It governs resource ceilings, default timeouts, and backend wiring that
// apply to every session the process hosts; session-level values (channel
// capacity, init timeout, executor overrides) come from a manifest layered
// on top of this, per manifest.ManifestConfiguration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Multiprocess MultiprocessConfig `yaml:"multiprocess"`
	Wasm         WasmConfig         `yaml:"wasm"`
	Registry     RegistryConfig     `yaml:"registry"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Progress     ProgressConfig     `yaml:"progress"`
}

type ServerConfig struct {
	Env             string `yaml:"env"`
	Interface       string `yaml:"interface"`
	Port            string `yaml:"port"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// RuntimeConfig holds the compiled-in defaults a session's manifest
// configuration falls back to when its own metadata is silent, plus the
// process-wide ceilings no single session may exceed.
type RuntimeConfig struct {
	DefaultChannelCapacity    int  `yaml:"default_channel_capacity"`
	DefaultInitTimeoutSecs    int  `yaml:"default_init_timeout_secs"`
	DefaultEnableBackpressure bool `yaml:"default_enable_backpressure"`
	GracePeriodSecs           int  `yaml:"grace_period_secs"`
	MaxConcurrentSessions     int  `yaml:"max_concurrent_sessions"`
	MaxProcessesPerSession    int  `yaml:"max_processes_per_session"`
}

// MultiprocessConfig configures the child-process executor backend shared
// by every session that schedules a Multiprocess node.
type MultiprocessConfig struct {
	Backend          string `yaml:"backend"` // "local" or "docker"
	PythonExecutable string `yaml:"python_executable"`
	DockerImage      string `yaml:"docker_image"`
	ShmDir           string `yaml:"shm_dir"`
}

// WasmConfig configures the sandboxed WASM executor backend.
type WasmConfig struct {
	Enabled             bool   `yaml:"enabled"`
	MemoryCeilingPages  int    `yaml:"memory_ceiling_pages"`
	ExecutionTimeoutMs  int    `yaml:"execution_timeout_ms"`
	RequireSignature    bool   `yaml:"require_signature"`
	TrustedPublicKeyHex string `yaml:"trusted_public_key_hex"`
	ModuleCacheDir      string `yaml:"module_cache_dir"`
}

// RegistryConfig seeds the process-wide executor registry's pattern table
// and the optional cross-replica override cache.
type RegistryConfig struct {
	DefaultKind       string        `yaml:"default_kind"`
	Patterns          []PatternSpec `yaml:"patterns"`
	OverrideCacheAddr string        `yaml:"override_cache_addr"`
	OverrideCacheTTL  int           `yaml:"override_cache_ttl_sec"`
}

// PatternSpec is the YAML-facing form of registry.PatternRule.
type PatternSpec struct {
	Prefix   string `yaml:"prefix"`
	Kind     string `yaml:"kind"`
	Priority int    `yaml:"priority"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// ProgressConfig configures the optional websocket progress-stream sink.
type ProgressConfig struct {
	WebSocketEnabled bool `yaml:"websocket_enabled"`
	BufferSize       int  `yaml:"buffer_size"`
}

// GracePeriod returns the configured teardown grace period as a
// time.Duration, since manifests and sessions want a Duration, not seconds.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Runtime.GracePeriodSecs) * time.Second
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton process-wide config, loading it from
// CONFIG_PATH (default "config.yaml") on first call.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides, then fills any
// remaining zero values with compiled-in defaults.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("RUNTIME_ENV", c.Server.Env)
	c.Server.Interface = getEnv("RUNTIME_INTERFACE", c.Server.Interface)
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	if v := getEnvInt("RUNTIME_CHANNEL_CAPACITY", 0); v > 0 {
		c.Runtime.DefaultChannelCapacity = v
	}
	if v := getEnvInt("RUNTIME_INIT_TIMEOUT_SECS", 0); v > 0 {
		c.Runtime.DefaultInitTimeoutSecs = v
	}
	if v := getEnvInt("RUNTIME_GRACE_PERIOD_SECS", 0); v > 0 {
		c.Runtime.GracePeriodSecs = v
	}
	if v := getEnvInt("RUNTIME_MAX_CONCURRENT_SESSIONS", 0); v > 0 {
		c.Runtime.MaxConcurrentSessions = v
	}
	if v := getEnvInt("RUNTIME_MAX_PROCESSES_PER_SESSION", 0); v > 0 {
		c.Runtime.MaxProcessesPerSession = v
	}
	c.Runtime.DefaultEnableBackpressure = getEnvBool("RUNTIME_ENABLE_BACKPRESSURE", c.Runtime.DefaultEnableBackpressure)

	c.Multiprocess.Backend = getEnv("MULTIPROCESS_BACKEND", c.Multiprocess.Backend)
	c.Multiprocess.PythonExecutable = getEnv("PYTHON_EXECUTABLE", c.Multiprocess.PythonExecutable)
	c.Multiprocess.DockerImage = getEnv("MULTIPROCESS_DOCKER_IMAGE", c.Multiprocess.DockerImage)
	c.Multiprocess.ShmDir = getEnv("MULTIPROCESS_SHM_DIR", c.Multiprocess.ShmDir)

	c.Wasm.Enabled = getEnvBool("WASM_ENABLED", c.Wasm.Enabled)
	if v := getEnvInt("WASM_MEMORY_CEILING_PAGES", 0); v > 0 {
		c.Wasm.MemoryCeilingPages = v
	}
	if v := getEnvInt("WASM_EXECUTION_TIMEOUT_MS", 0); v > 0 {
		c.Wasm.ExecutionTimeoutMs = v
	}
	c.Wasm.RequireSignature = getEnvBool("WASM_REQUIRE_SIGNATURE", c.Wasm.RequireSignature)
	c.Wasm.TrustedPublicKeyHex = getEnv("WASM_TRUSTED_PUBLIC_KEY_HEX", c.Wasm.TrustedPublicKeyHex)
	c.Wasm.ModuleCacheDir = getEnv("WASM_MODULE_CACHE_DIR", c.Wasm.ModuleCacheDir)

	c.Registry.DefaultKind = getEnv("REGISTRY_DEFAULT_KIND", c.Registry.DefaultKind)
	c.Registry.OverrideCacheAddr = getEnv("REGISTRY_OVERRIDE_CACHE_ADDR", c.Registry.OverrideCacheAddr)
	if v := getEnvInt("REGISTRY_OVERRIDE_CACHE_TTL_SEC", 0); v > 0 {
		c.Registry.OverrideCacheTTL = v
	}

	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.ListenAddr = getEnv("METRICS_LISTEN_ADDR", c.Metrics.ListenAddr)
	c.Metrics.Path = getEnv("METRICS_PATH", c.Metrics.Path)

	c.Progress.WebSocketEnabled = getEnvBool("PROGRESS_WEBSOCKET_ENABLED", c.Progress.WebSocketEnabled)
	if v := getEnvInt("PROGRESS_BUFFER_SIZE", 0); v > 0 {
		c.Progress.BufferSize = v
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}

	if c.Runtime.DefaultChannelCapacity == 0 {
		c.Runtime.DefaultChannelCapacity = 64
	}
	if c.Runtime.DefaultInitTimeoutSecs == 0 {
		c.Runtime.DefaultInitTimeoutSecs = 30
	}
	if c.Runtime.GracePeriodSecs == 0 {
		c.Runtime.GracePeriodSecs = 10
	}
	if c.Runtime.MaxConcurrentSessions == 0 {
		c.Runtime.MaxConcurrentSessions = 16
	}
	if c.Runtime.MaxProcessesPerSession == 0 {
		c.Runtime.MaxProcessesPerSession = 8
	}

	if c.Multiprocess.Backend == "" {
		c.Multiprocess.Backend = "local"
	}
	if c.Multiprocess.PythonExecutable == "" {
		c.Multiprocess.PythonExecutable = "python3"
	}

	if c.Wasm.MemoryCeilingPages == 0 {
		c.Wasm.MemoryCeilingPages = 256 // 16MiB at 64KiB/page
	}
	if c.Wasm.ExecutionTimeoutMs == 0 {
		c.Wasm.ExecutionTimeoutMs = 5000
	}
	if c.Wasm.ModuleCacheDir == "" {
		c.Wasm.ModuleCacheDir = os.TempDir() + "/pipelinert-wasm-cache"
	}

	if c.Registry.DefaultKind == "" {
		c.Registry.DefaultKind = "Native"
	}
	if len(c.Registry.Patterns) == 0 {
		c.Registry.Patterns = defaultPatterns
	}
	if c.Registry.OverrideCacheTTL == 0 {
		c.Registry.OverrideCacheTTL = 3600
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Progress.BufferSize == 0 {
		c.Progress.BufferSize = 32
	}
}

// defaultPatterns is the compiled-in registry pattern table: node types
// whose prefix matches "gpu." or "tensor." run Native (in-process, lowest
// overhead for the hot data path), "py." and "legacy." run Multiprocess
// (isolated interpreter; a crash fails the session), everything unrecognized falls
// through to the registry's DefaultKind.
var defaultPatterns = []PatternSpec{
	{Prefix: "gpu.", Kind: "Native", Priority: 100},
	{Prefix: "tensor.", Kind: "Native", Priority: 99},
	{Prefix: "py.", Kind: "Multiprocess", Priority: 90},
	{Prefix: "legacy.", Kind: "Multiprocess", Priority: 89},
	{Prefix: "sandboxed.", Kind: "Wasm", Priority: 80},
	{Prefix: "plugin.", Kind: "Wasm", Priority: 79},
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
