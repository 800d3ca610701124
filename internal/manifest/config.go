package manifest

import (
	"fmt"
)

// ManifestConfiguration is the effective, range-checked configuration for
// one session: manifest metadata layered over process-wide runtime
// defaults layered over compiled-in defaults.
type ManifestConfiguration struct {
	MaxProcessesPerSession int
	ChannelCapacity        int
	InitTimeoutSecs        int
	EnableBackpressure     bool
	PythonExecutable       string
	ExecutorOverrides      map[string]string // node id -> executor kind name
}

// compiledDefaults are the runtime's built-in fallback values, used when
// neither the manifest nor the process-wide runtime configuration sets a
// field.
var compiledDefaults = ManifestConfiguration{
	MaxProcessesPerSession: 8,
	ChannelCapacity:        64,
	InitTimeoutSecs:        30,
	EnableBackpressure:     true,
	PythonExecutable:       "python3",
	ExecutorOverrides:      map[string]string{},
}

// buildConfiguration materializes a ManifestConfiguration from manifest
// metadata, applying range checks per the recognized key table and falling
// back through runtimeDefaults to compiledDefaults where metadata is
// absent. Unknown metadata keys are silently ignored.
func buildConfiguration(metadata map[string]interface{}, runtimeDefaults ManifestConfiguration) (ManifestConfiguration, error) {
	cfg := mergeDefaults(runtimeDefaults)

	if v, ok := metadata["multiprocess.max_processes_per_session"]; ok {
		n, err := asInt(v, "multiprocess.max_processes_per_session")
		if err != nil {
			return cfg, err
		}
		if n < 1 {
			return cfg, fmt.Errorf("manifest: multiprocess.max_processes_per_session must be positive, got %d", n)
		}
		cfg.MaxProcessesPerSession = n
	}

	if v, ok := metadata["multiprocess.channel_capacity"]; ok {
		n, err := asInt(v, "multiprocess.channel_capacity")
		if err != nil {
			return cfg, err
		}
		if n < 1 || n > 10000 {
			return cfg, fmt.Errorf("manifest: multiprocess.channel_capacity must be in 1..10000, got %d", n)
		}
		cfg.ChannelCapacity = n
	}

	if v, ok := metadata["multiprocess.init_timeout_secs"]; ok {
		n, err := asInt(v, "multiprocess.init_timeout_secs")
		if err != nil {
			return cfg, err
		}
		if n < 1 || n > 300 {
			return cfg, fmt.Errorf("manifest: multiprocess.init_timeout_secs must be in 1..300, got %d", n)
		}
		cfg.InitTimeoutSecs = n
	}

	if v, ok := metadata["multiprocess.enable_backpressure"]; ok {
		b, ok := v.(bool)
		if !ok {
			return cfg, fmt.Errorf("manifest: multiprocess.enable_backpressure must be a bool")
		}
		cfg.EnableBackpressure = b
	}

	if v, ok := metadata["multiprocess.python_executable"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return cfg, fmt.Errorf("manifest: multiprocess.python_executable must be a non-empty string")
		}
		cfg.PythonExecutable = s
	}

	if v, ok := metadata["executor_overrides"]; ok {
		overrides, err := asStringMap(v)
		if err != nil {
			return cfg, fmt.Errorf("manifest: executor_overrides: %w", err)
		}
		cfg.ExecutorOverrides = overrides
	}

	return cfg, nil
}

// mergeDefaults layers runtimeDefaults over compiledDefaults field by
// field; a zero-valued runtimeDefaults field falls through to the
// compiled-in default rather than overriding it with a zero.
func mergeDefaults(runtimeDefaults ManifestConfiguration) ManifestConfiguration {
	cfg := compiledDefaults
	if runtimeDefaults.MaxProcessesPerSession > 0 {
		cfg.MaxProcessesPerSession = runtimeDefaults.MaxProcessesPerSession
	}
	if runtimeDefaults.ChannelCapacity > 0 {
		cfg.ChannelCapacity = runtimeDefaults.ChannelCapacity
	}
	if runtimeDefaults.InitTimeoutSecs > 0 {
		cfg.InitTimeoutSecs = runtimeDefaults.InitTimeoutSecs
	}
	// Unlike the other fields above, a bool has no zero-valued "unset"
	// state to fall through on, so the runtime default always takes
	// precedence over the compiled-in default rather than being OR'd with
	// it — otherwise a compiled default of true could never be disabled
	// process-wide.
	cfg.EnableBackpressure = runtimeDefaults.EnableBackpressure
	if runtimeDefaults.PythonExecutable != "" {
		cfg.PythonExecutable = runtimeDefaults.PythonExecutable
	}
	if len(runtimeDefaults.ExecutorOverrides) > 0 {
		cfg.ExecutorOverrides = runtimeDefaults.ExecutorOverrides
	}
	return cfg
}

func asInt(v interface{}, key string) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("manifest: %s must be an integer", key)
	}
}

func asStringMap(v interface{}) (map[string]string, error) {
	out := map[string]string{}
	switch m := v.(type) {
	case map[string]string:
		for k, val := range m {
			out[k] = val
		}
	case map[interface{}]interface{}:
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			vs, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("non-string value for key %q", ks)
			}
			out[ks] = vs
		}
	case map[string]interface{}:
		for k, val := range m {
			vs, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("non-string value for key %q", k)
			}
			out[k] = vs
		}
	default:
		return nil, fmt.Errorf("must be a map of node id to executor kind name")
	}
	return out, nil
}
