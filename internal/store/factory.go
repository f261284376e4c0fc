package store

import (
	"fmt"
	"sync"
)

// Factory creates stores based on detected backend type, caching one
// store per project id so every component of the pipeline shares the
// same handle (and, for badgerstore, the same database).
type Factory struct {
	// dataDir is passed through to backends that store objects
	// outside the project
	dataDir string

	// forcedType, when non-empty, bypasses detection. Used by tests
	// and by configuration overrides.
	forcedType Type

	mu    sync.Mutex
	cache map[string]Store
}

// FactoryOption configures the factory.
type FactoryOption func(*Factory)

// WithForcedType bypasses backend detection.
func WithForcedType(t Type) FactoryOption {
	return func(f *Factory) {
		f.forcedType = t
	}
}

// NewFactory creates a store factory rooted at the given data directory.
func NewFactory(dataDir string, opts ...FactoryOption) *Factory {
	f := &Factory{
		dataDir: dataDir,
		cache:   make(map[string]Store),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create returns the store for a project, opening it on first use.
func (f *Factory) Create(projectID, projectPath string) (Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[projectID]; ok {
		return cached, nil
	}

	implType := f.forcedType
	if implType == "" {
		result, err := Detect(projectPath)
		if err != nil {
			return nil, err
		}
		implType = result.Type
	}

	constructor := getConstructor(implType)
	if constructor == nil {
		return nil, fmt.Errorf("no registered constructor for store type %s (available: %v)", implType, RegisteredTypes())
	}

	s, err := constructor(Options{
		ProjectID:   projectID,
		ProjectPath: projectPath,
		DataDir:     f.dataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", implType, err)
	}

	f.cache[projectID] = s
	return s, nil
}

// Evict closes and forgets the store for a project. Used when a project
// is removed from the registry.
func (f *Factory) Evict(projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.cache[projectID]
	if !ok {
		return nil
	}
	delete(f.cache, projectID)
	return s.Close()
}

// Close closes every cached store.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for id, s := range f.cache {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing store for %s: %w", id, err)
		}
		delete(f.cache, id)
	}
	return firstErr
}
