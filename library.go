package runbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Library is an in-memory search path location holding compiled Go
// module definitions by name.
type Library struct {
	name string

	mu   sync.RWMutex
	defs map[string]compiledDefinition
}

// NewLibrary returns an empty library. name is used in logs and errors.
func NewLibrary(name string) *Library {
	return &Library{
		name: name,
		defs: make(map[string]compiledDefinition),
	}
}

// Register registers one module definition with generics.
func Register[Out any](lib *Library, name string, def Definition[Out]) error {
	if lib == nil {
		return fmt.Errorf("register module definition: library is nil")
	}
	if err := validateName(name); err != nil {
		return fmt.Errorf("register module definition: %w", err)
	}
	if def.Build == nil {
		return fmt.Errorf("register module definition: build func is nil for %s", name)
	}
	for _, dep := range def.Requires {
		if err := validateName(dep); err != nil {
			return fmt.Errorf("register module definition %s: invalid requirement: %w", name, err)
		}
	}

	compiled := compiledDefinition{
		requires: append([]string(nil), def.Requires...),
		build: func(ctx context.Context, l Loader) (any, error) {
			return def.Build(ctx, l)
		},
	}
	if def.Register != nil {
		compiled.register = func(ctx context.Context, r Registrar, out any) error {
			typed, ok := out.(Out)
			if !ok {
				return fmt.Errorf("register output type mismatch: want=%T got=%T", *new(Out), out)
			}
			return def.Register(ctx, r, typed)
		}
	}
	if def.Close != nil {
		compiled.closeFn = func(ctx context.Context, out any) error {
			typed, ok := out.(Out)
			if !ok {
				return fmt.Errorf("close output type mismatch: want=%T got=%T", *new(Out), out)
			}
			return def.Close(ctx, typed)
		}
	}

	lib.mu.Lock()
	defer lib.mu.Unlock()
	if _, exists := lib.defs[name]; exists {
		return fmt.Errorf("register module definition: duplicate definition for %s in %s", name, lib.name)
	}
	lib.defs[name] = compiled
	return nil
}

// MustRegister panics on registration error; intended for bootstrap code paths.
func MustRegister[Out any](lib *Library, name string, def Definition[Out]) {
	if err := Register(lib, name, def); err != nil {
		panic(err)
	}
}

// Names lists the registered module names in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	names := make([]string, 0, len(l.defs))
	for name := range l.defs {
		names = append(names, name)
	}
	l.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (l *Library) String() string {
	return "library:" + l.name
}

// Check always succeeds for an in-memory library.
func (l *Library) Check() error {
	return nil
}

func (l *Library) find(name string) (compiledDefinition, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[name]
	return def, ok, nil
}
