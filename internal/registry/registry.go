// Package registry implements the executor registry: a process-wide,
// read-only-after-init structure that answers resolve(node_type) ->
// ExecutorKind. All lookups are lock-free, reading an atomically swapped
// snapshot rather than taking a mutex, because the runtime resolves a
// node type on every plan build and must never block on registry state.
package registry

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// Kind identifies which backend a node executes on.
type Kind string

const (
	KindNative       Kind = "Native"
	KindMultiprocess Kind = "Multiprocess"
	KindWasm         Kind = "Wasm"
)

// PatternRule matches a node type by prefix and resolves to a kind if no
// explicit entry applies first. Priorities must be unique within a
// registry; rules are evaluated in descending priority order.
type PatternRule struct {
	Prefix   string
	Kind     Kind
	Priority int
}

// Capability names a thing a registry-known executor kind can provide
// (e.g. "network:api.example.com", "fs_read:/data"). The registry is the
// authority on which kinds are both built and capable.
type Capability = string

type snapshot struct {
	explicit     map[string]Kind
	patterns     []PatternRule
	defaultKind  Kind
	available    map[Kind]bool
	capabilities map[Kind]map[Capability]bool
}

// Registry is a process-wide executor registry. It is safe for concurrent
// use; Load always observes either the initial snapshot or the most
// recently Replace'd one, never a partial update.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// Config is the static registry configuration assembled at process start
// from compiled-in defaults and process-wide runtime configuration.
type Config struct {
	Explicit     map[string]Kind
	Patterns     []PatternRule
	DefaultKind  Kind
	Available    map[Kind]bool
	Capabilities map[Kind]map[Capability]bool
}

// New builds a registry from cfg. It validates that pattern priorities are
// unique, per §4.2.
func New(cfg Config) (*Registry, error) {
	seen := make(map[int]bool, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		if seen[p.Priority] {
			return nil, fmt.Errorf("registry: duplicate pattern priority %d", p.Priority)
		}
		seen[p.Priority] = true
	}

	sorted := make([]PatternRule, len(cfg.Patterns))
	copy(sorted, cfg.Patterns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	r := &Registry{}
	r.snap.Store(&snapshot{
		explicit:     cloneKindMap(cfg.Explicit),
		patterns:     sorted,
		defaultKind:  cfg.DefaultKind,
		available:    cloneAvailMap(cfg.Available),
		capabilities: cfg.Capabilities,
	})
	return r, nil
}

// Resolve answers resolve(node_type) -> ExecutorKind per the lookup order
// in §4.2: explicit entries, then priority-ordered pattern rules, then the
// default. sessionOverride, if non-empty, is applied first (per-session
// executor_overrides from manifest metadata) and is never persisted into
// the registry's own state.
func (r *Registry) Resolve(nodeType string, sessionOverride Kind) (Kind, error) {
	s := r.snap.Load()

	kind := sessionOverride
	if kind == "" {
		if k, ok := s.explicit[nodeType]; ok {
			kind = k
		} else {
			for _, p := range s.patterns {
				if matchesPrefix(nodeType, p.Prefix) {
					kind = p.Kind
					break
				}
			}
		}
	}
	if kind == "" {
		kind = s.defaultKind
	}
	if kind == "" {
		return "", fmt.Errorf("registry: no entry, pattern, or default resolves node type %q", nodeType)
	}
	if !s.available[kind] {
		return "", fmt.Errorf("registry: executor kind %q is not available in this build", kind)
	}
	return kind, nil
}

// Satisfiable implements manifest.CapabilitySatisfier: it reports whether
// at least one available executor kind in the registry provides every
// listed capability.
func (r *Registry) Satisfiable(capabilityRequirements []string) bool {
	s := r.snap.Load()
	for kind, ok := range s.available {
		if !ok {
			continue
		}
		if kindSatisfies(s.capabilities[kind], capabilityRequirements) {
			return true
		}
	}
	return false
}

func kindSatisfies(caps map[Capability]bool, required []string) bool {
	for _, req := range required {
		if !caps[req] {
			return false
		}
	}
	return true
}

// Replace atomically swaps in a new snapshot. Used only at process start
// or when an operator-triggered config reload occurs — never mid-session;
// the session orchestrator always resolves against one consistent
// snapshot for the lifetime of its plan.
func (r *Registry) Replace(cfg Config) error {
	replacement, err := New(cfg)
	if err != nil {
		return err
	}
	r.snap.Store(replacement.snap.Load())
	return nil
}

func matchesPrefix(nodeType, prefix string) bool {
	return len(nodeType) >= len(prefix) && nodeType[:len(prefix)] == prefix
}

func cloneKindMap(m map[string]Kind) map[string]Kind {
	out := make(map[string]Kind, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAvailMap(m map[Kind]bool) map[Kind]bool {
	out := make(map[Kind]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
