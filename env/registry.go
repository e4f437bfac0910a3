package env

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory constructs an environment from its JSON configuration.
type Factory func(config json.RawMessage) (Environment, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an environment factory available under the given name.
// Worker processes construct their environments from the registry, so a
// host binary must register the same factories on both sides of a
// process boundary.
//
// Register panics if the factory is nil or the name is already taken.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("env: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("env: Register called twice for " + name)
	}
	registry[name] = factory
}

// New constructs the environment a spec names.
func New(spec Spec) (Environment, error) {
	registryMu.RLock()
	factory, ok := registry[spec.Name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown environment %q (registered: %v)", spec.Name, Registered())
	}

	e, err := factory(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("construct environment %q: %w", spec.Name, err)
	}
	return e, nil
}

// Registered returns the sorted names of all registered environments.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
