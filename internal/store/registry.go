package store

import (
	"fmt"
	"sync"
)

// Options carries everything a backend needs to open a store for one
// project.
type Options struct {
	// ProjectID is the registry id of the project
	ProjectID string

	// ProjectPath is the project's working directory
	ProjectPath string

	// DataDir is the keepsake data directory, used by backends that
	// keep objects outside the project (badgerstore)
	DataDir string
}

// Constructor opens a store for a project. Implementations register
// themselves with Register().
type Constructor func(opts Options) (Store, error)

var (
	registry   = make(map[Type]Constructor)
	registryMu sync.RWMutex
)

// Register registers a backend constructor. Called from init() in the
// backend packages (gitstore, badgerstore).
//
// Example:
//
//	func init() {
//	    store.Register(store.TypeGit, New)
//	}
func Register(t Type, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("store: Register constructor is nil for type %s", t))
	}
	if _, exists := registry[t]; exists {
		panic(fmt.Sprintf("store: Register called twice for type %s", t))
	}

	registry[t] = constructor
}

// getConstructor retrieves the constructor for a backend type.
// Returns nil if the type is not registered.
func getConstructor(t Type) Constructor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[t]
}

// IsRegistered returns true if a constructor is registered for the type.
func IsRegistered(t Type) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, exists := registry[t]
	return exists
}

// RegisteredTypes returns all registered backend types.
// Useful for testing and debugging.
func RegisteredTypes() []Type {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}
