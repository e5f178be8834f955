package runbox

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// InitSuffix marks precompiled units whose one-time initialization registers
// the namespace named by the rest of the module name.
const InitSuffix = "__init"

// Isolation is the outcome of classifying a module name.
type Isolation uint8

const (
	// Shared modules are loaded once by the ambient environment.
	Shared Isolation = iota
	// Isolated modules are loaded separately by every instance.
	Isolated
)

func (i Isolation) String() string {
	switch i {
	case Shared:
		return "shared"
	case Isolated:
		return "isolated"
	default:
		return fmt.Sprintf("isolation(%d)", uint8(i))
	}
}

// Loader resolves module names to loaded units.
type Loader interface {
	Load(ctx context.Context, name string) (*Unit, error)
}

// Registrar receives the namespaces a unit defines during initialization.
type Registrar interface {
	// ID identifies the loader context registrations land in.
	ID() string
	// Intern returns the namespace with the given name, creating it if needed.
	Intern(namespace string) *Namespace
}

// Definition describes how one module is built.
//
// Requires lists modules loaded through the same loader before Build.
// Build constructs the module value and must be provided.
// Register is an optional one-time initialization hook, run at first use
// under the active loader context.
// Close is an optional teardown hook, run when the defining instance is destroyed.
type Definition[Out any] struct {
	Requires []string
	Build    func(ctx context.Context, l Loader) (Out, error)
	Register func(ctx context.Context, r Registrar, out Out) error
	Close    func(ctx context.Context, out Out) error
}

type compiledDefinition struct {
	requires []string
	build    func(ctx context.Context, l Loader) (any, error)
	register func(ctx context.Context, r Registrar, out any) error
	closeFn  func(ctx context.Context, out any) error
}

// Unit is one loaded module. Its pointer is the module's identity.
type Unit struct {
	name      string
	value     any
	origin    string
	isolation Isolation
	requires  []string
	home      *LoaderContext
	def       compiledDefinition

	initOnce sync.Once
	initMu   sync.RWMutex
	initCtx  string
	initErr  error
	initDone bool
}

// Name returns the module name.
func (u *Unit) Name() string { return u.name }

// Value returns the built module value.
func (u *Unit) Value() any { return u.value }

// Origin returns the ID of the loader that defined the unit.
func (u *Unit) Origin() string { return u.origin }

// Isolation returns how the defining loader classified the unit.
func (u *Unit) Isolation() Isolation { return u.isolation }

// Requires returns the modules loaded before the unit was built.
func (u *Unit) Requires() []string {
	return append([]string(nil), u.requires...)
}

// Initialize runs the unit's registration hook once, under the loader
// context carried by ctx (or the defining loader's context when ctx has none).
// Later calls return the first outcome.
func (u *Unit) Initialize(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	u.initOnce.Do(func() {
		target, ok := LoaderContextFrom(ctx)
		if !ok {
			target = u.home
		}
		var err error
		if u.def.register != nil {
			err = u.def.register(ctx, target, u.value)
		}
		u.initMu.Lock()
		u.initCtx = target.ID()
		u.initErr = err
		u.initDone = true
		u.initMu.Unlock()
	})
	u.initMu.RLock()
	defer u.initMu.RUnlock()
	if u.initErr != nil {
		return fmt.Errorf("initialize module %s: %w", u.name, u.initErr)
	}
	return nil
}

// Initialized reports whether the unit ran its initialization, and in which
// loader context.
func (u *Unit) Initialized() (string, bool) {
	u.initMu.RLock()
	defer u.initMu.RUnlock()
	return u.initCtx, u.initDone
}

// LoadAs loads a module, initializes it and casts its value to T.
func LoadAs[T any](ctx context.Context, l Loader, name string) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	u, err := l.Load(ctx, name)
	if err != nil {
		return zero, err
	}
	if err := u.Initialize(ctx); err != nil {
		return zero, err
	}
	typed, ok := u.value.(T)
	if !ok {
		return zero, TypeMismatchError{
			Name:     name,
			Expected: reflect.TypeOf((*T)(nil)).Elem().String(),
			Actual:   fmt.Sprintf("%T", u.value),
		}
	}
	return typed, nil
}

// Location is one entry of a search path.
type Location interface {
	// String names the location in logs and errors.
	String() string
	// Check reports whether the location can be read.
	Check() error
	// find returns the definition of name, or ok=false if the location lacks it.
	find(name string) (def compiledDefinition, ok bool, err error)
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("module name is empty")
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") || strings.Contains(name, "..") {
		return fmt.Errorf("module name %q has an empty segment", name)
	}
	return nil
}

// buildUnit loads the requires of def through l, then builds the unit.
func buildUnit(ctx context.Context, l Loader, origin string, home *LoaderContext, iso Isolation, name string, def compiledDefinition) (*Unit, error) {
	for _, dep := range def.requires {
		if _, err := l.Load(ctx, dep); err != nil {
			return nil, fmt.Errorf("load requirement %s of %s: %w", dep, name, err)
		}
	}
	value, err := def.build(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("build module %s: %w", name, err)
	}
	return &Unit{
		name:      name,
		value:     value,
		origin:    origin,
		isolation: iso,
		requires:  append([]string(nil), def.requires...),
		home:      home,
		def:       def,
	}, nil
}

type loadStackContextKey struct{}

// pushLoadStack records loader/name on the ctx call chain, failing on a cycle.
func pushLoadStack(ctx context.Context, loader string, name string) (context.Context, error) {
	current := loader + ":" + name
	stack, _ := ctx.Value(loadStackContextKey{}).([]string)
	for i := range stack {
		if stack[i] == current {
			cycle := append([]string(nil), stack[i:]...)
			cycle = append(cycle, current)
			return nil, LoadCycleError{Path: cycle}
		}
	}
	next := make([]string, 0, len(stack)+1)
	next = append(next, stack...)
	next = append(next, current)
	return context.WithValue(ctx, loadStackContextKey{}, next), nil
}
