package wasm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"
	"github.com/zeebo/blake3"
)

// moduleCache keeps compiled wasmer.Module instances keyed by the blake3
// hash of their source bytes, so a module redeclared across sessions (or
// reused by more than one node within a session) is only ever compiled
// once. Compilation is by far the most expensive step in loading a
// module; the content hash also sidesteps any path/filename aliasing.
type moduleCache struct {
	store  *wasmer.Store
	dir    string
	mu     sync.Mutex
	byHash map[string]*wasmer.Module
}

func newModuleCache(store *wasmer.Store, dir string) *moduleCache {
	return &moduleCache{store: store, dir: dir, byHash: make(map[string]*wasmer.Module)}
}

func contentHash(moduleBytes []byte) string {
	sum := blake3.Sum256(moduleBytes)
	return fmt.Sprintf("%x", sum)
}

// compile returns a compiled module for moduleBytes, reusing an in-memory
// or on-disk cached artifact keyed by content hash where available.
func (c *moduleCache) compile(moduleBytes []byte) (*wasmer.Module, error) {
	key := contentHash(moduleBytes)

	c.mu.Lock()
	defer c.mu.Unlock()

	if mod, ok := c.byHash[key]; ok {
		return mod, nil
	}

	if c.dir != "" {
		if mod, err := c.loadFromDisk(key); err == nil {
			c.byHash[key] = mod
			return mod, nil
		}
	}

	mod, err := wasmer.NewModule(c.store, moduleBytes)
	if err != nil {
		return nil, fmt.Errorf("wasm: compiling module: %w", err)
	}
	c.byHash[key] = mod

	if c.dir != "" {
		c.saveToDisk(key, mod)
	}

	return mod, nil
}

func (c *moduleCache) diskPath(key string) string {
	return filepath.Join(c.dir, key+".wasmmod")
}

func (c *moduleCache) loadFromDisk(key string) (*wasmer.Module, error) {
	serialized, err := os.ReadFile(c.diskPath(key))
	if err != nil {
		return nil, err
	}
	return wasmer.DeserializeModule(c.store, serialized)
}

func (c *moduleCache) saveToDisk(key string, mod *wasmer.Module) {
	serialized, err := mod.Serialize()
	if err != nil {
		return
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(c.diskPath(key), serialized, 0o644)
}
