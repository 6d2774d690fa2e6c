package proofdb

import "sync"

import lru "github.com/hashicorp/golang-lru"

// RegistryKey identifies one cached per-database instance
type RegistryKey struct {
	Database string
	Kind     string
}

// Registry owns per-database instances (trees, queue views) for the process.
// It is bounded, evicted entries are simply rebuilt by the loader on the next lookup.
type Registry struct {
	cache *lru.Cache
	mu    sync.Mutex // serializes loads so each key is built once
}

const defaultRegistrySize = 1024

func NewRegistry(size int) (*Registry, error) {
	if size <= 0 {
		size = defaultRegistrySize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Registry{cache: cache}, nil
}

// Get returns the cached instance for key or builds it with load
func (r *Registry) Get(key RegistryKey, load func() (interface{}, error)) (interface{}, error) {
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, v)
	return v, nil
}

func (r *Registry) Forget(key RegistryKey) {
	r.cache.Remove(key)
}

func (r *Registry) Len() int {
	return r.cache.Len()
}

func (r *Registry) Purge() {
	r.cache.Purge()
}
