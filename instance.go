package runbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// moduleCache is what an instance owns: every unit it loaded, and the load
// order of the units it defined itself.
type moduleCache struct {
	units map[string]*Unit
	order []string
}

// Instance is one isolated copy of the runtime's mutable state.
// It is created and destroyed by a Manager.
type Instance struct {
	id         string
	classifier *Classifier
	searchPath []Location
	ambient    *Ambient
	delegation Delegation
	repair     bool
	context    *LoaderContext
	logger     *zap.Logger
	quarantine *Quarantine

	mu    sync.RWMutex
	cache *moduleCache

	sf        singleflight.Group
	destroyed atomic.Bool

	threadsMu sync.Mutex
	threads   map[uint64]*Thread
}

// ID returns the instance identifier, also the ID of its loader context.
func (i *Instance) ID() string { return i.id }

// Context returns the instance's loader context.
func (i *Instance) Context() *LoaderContext { return i.context }

// Ambient returns the environment Shared modules come from.
func (i *Instance) Ambient() *Ambient { return i.ambient }

// Delegation returns the policy used for Shared names.
func (i *Instance) Delegation() Delegation { return i.delegation }

// Classify returns the isolation of name under this instance's rules.
func (i *Instance) Classify(name string) Isolation {
	return i.classifier.Classify(name)
}

// Destroyed reports whether the instance was destroyed.
func (i *Instance) Destroyed() bool { return i.destroyed.Load() }

// Load returns the unit for name, loading it at most once per instance.
//
// Process:
//  1. Return the unit if this instance already loaded it.
//  2. Isolated names are loaded from the search path only, or fail.
//  3. Shared names go through the delegation policy.
func (i *Instance) Load(ctx context.Context, name string) (*Unit, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if i.destroyed.Load() {
		return nil, ErrInstanceDestroyed
	}
	if _, ok := LoaderContextFrom(ctx); !ok {
		ctx = WithLoaderContext(ctx, i.context)
	}

	withStack, err := pushLoadStack(ctx, i.id, name)
	if err != nil {
		return nil, err
	}

	if u, ok := i.Loaded(name); ok {
		return u, nil
	}

	v, err, _ := i.sf.Do(name, func() (any, error) {
		if u, ok := i.Loaded(name); ok {
			return u, nil
		}

		u, err := i.resolve(withStack, name)
		if err != nil {
			return nil, err
		}

		i.mu.Lock()
		if i.cache == nil {
			i.mu.Unlock()
			// Destroyed while building: nobody else will close what we built.
			if u.origin == i.id {
				if err := closeUnit(withStack, u); err != nil {
					return nil, errors.Join(ErrInstanceDestroyed, err)
				}
			}
			return nil, ErrInstanceDestroyed
		}
		i.cache.units[name] = u
		if u.origin == i.id {
			i.cache.order = append(i.cache.order, name)
		}
		i.mu.Unlock()
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Unit), nil
}

// Loaded returns a cached unit without triggering a load.
func (i *Instance) Loaded(name string) (*Unit, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.cache == nil {
		return nil, false
	}
	u, ok := i.cache.units[name]
	return u, ok
}

// Modules lists the cached module names in sorted order.
func (i *Instance) Modules() []string {
	i.mu.RLock()
	var names []string
	if i.cache != nil {
		names = make([]string, 0, len(i.cache.units))
		for name := range i.cache.units {
			names = append(names, name)
		}
	}
	i.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Lookup resolves namespace/symbol in the instance's loader context.
func (i *Instance) Lookup(namespace, symbol string) (any, error) {
	return i.context.Lookup(namespace, symbol)
}

func (i *Instance) resolve(ctx context.Context, name string) (*Unit, error) {
	if i.classifier.Classify(name) == Isolated {
		u, ok, err := i.selfLoad(ctx, name, Isolated)
		if err != nil {
			i.trace("could not load module in isolation", name, zap.Error(err))
			return nil, err
		}
		if !ok {
			i.trace("could not load module in isolation", name)
			return nil, ModuleNotFoundError{Name: name, Isolation: Isolated, Loader: i.id}
		}
		i.trace("loaded module in isolation", name)
		return u, nil
	}

	u, err := i.delegation.delegate(ctx, i, name)
	if err != nil {
		i.trace("could not load module by delegation", name, zap.Error(err))
		return nil, err
	}
	i.trace("loaded module by delegation", name, zap.String("origin", u.origin))

	if u.origin != i.id && strings.HasSuffix(name, InitSuffix) {
		if !i.repair {
			i.trace("registration repair disabled", name)
			return u, nil
		}
		if err := i.repairRegistrations(ctx, u); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// selfLoad builds name from the first search path location that has it.
func (i *Instance) selfLoad(ctx context.Context, name string, iso Isolation) (*Unit, bool, error) {
	for _, loc := range i.searchPath {
		def, ok, err := loc.find(name)
		if err != nil {
			return nil, false, fmt.Errorf("find %s in %s: %w", name, loc, err)
		}
		if !ok {
			continue
		}
		u, err := buildUnit(ctx, i, i.id, i.context, iso, name, def)
		if err != nil {
			return nil, false, err
		}
		return u, true, nil
	}
	return nil, false, nil
}

// loadAmbient asks the ambient environment and reports a miss as this
// instance's Shared miss.
func (i *Instance) loadAmbient(ctx context.Context, name string) (*Unit, error) {
	u, err := i.ambient.Load(ctx, name)
	if err != nil {
		var notFound ModuleNotFoundError
		if errors.As(err, &notFound) && notFound.Name == name {
			return nil, ModuleNotFoundError{Name: name, Isolation: Shared, Loader: i.id}
		}
		return nil, err
	}
	return u, nil
}

// Run executes fn on t inside this instance. The thread is recorded so
// that destroying the instance quarantines it, and CurrentInstance is set
// on it. ctx passed to fn carries the instance's loader context and t.
func (i *Instance) Run(ctx context.Context, t *Thread, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t == nil {
		return fmt.Errorf("run in instance %s: thread is nil", i.id)
	}
	if err := i.enter(t); err != nil {
		return err
	}
	prev := t.swapOwner(i.id)
	defer func() {
		t.swapOwner(prev)
		// Destroy may have swept t while fn was still running.
		if i.destroyed.Load() && i.quarantine != nil {
			i.quarantine.CleanOwned(t, i.id)
		}
	}()

	CurrentInstance.Set(t, i)
	ctx = WithThread(WithLoaderContext(ctx, i.context), t)
	return fn(ctx)
}

func (i *Instance) enter(t *Thread) error {
	i.threadsMu.Lock()
	defer i.threadsMu.Unlock()
	if i.destroyed.Load() {
		return ErrInstanceDestroyed
	}
	if _, ok := i.threads[t.id]; !ok {
		i.threads[t.id] = t
		i.trace("thread entered instance", "", zap.Stringer("thread", t))
	}
	return nil
}

// Threads lists the threads that ran inside the instance.
func (i *Instance) Threads() []*Thread {
	i.threadsMu.Lock()
	threads := make([]*Thread, 0, len(i.threads))
	for _, t := range i.threads {
		threads = append(threads, t)
	}
	i.threadsMu.Unlock()
	sort.Slice(threads, func(a, b int) bool { return threads[a].id < threads[b].id })
	return threads
}

// shutdown marks the instance destroyed, closes the units it defined in
// reverse load order and drops its cache. It returns the threads to
// quarantine. Only the first call does anything.
func (i *Instance) shutdown(ctx context.Context) ([]*Thread, error) {
	if !i.destroyed.CompareAndSwap(false, true) {
		return nil, nil
	}

	i.mu.Lock()
	cache := i.cache
	i.cache = nil
	i.mu.Unlock()

	var errs []error
	if cache != nil {
		for idx := len(cache.order) - 1; idx >= 0; idx-- {
			if err := closeUnit(ctx, cache.units[cache.order[idx]]); err != nil {
				errs = append(errs, err)
			}
		}
	}

	i.threadsMu.Lock()
	threads := make([]*Thread, 0, len(i.threads))
	for _, t := range i.threads {
		threads = append(threads, t)
	}
	i.threads = make(map[uint64]*Thread)
	i.threadsMu.Unlock()

	return threads, errors.Join(errs...)
}

// closeUnit runs the unit's close hook, or Close if the value is an io.Closer.
func closeUnit(ctx context.Context, u *Unit) error {
	if u.def.closeFn != nil {
		if err := u.def.closeFn(ctx, u.value); err != nil {
			return fmt.Errorf("close module %s: %w", u.name, err)
		}
		return nil
	}
	if closer, ok := u.value.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close module %s: %w", u.name, err)
		}
	}
	return nil
}

func (i *Instance) trace(decision string, name string, fields ...zap.Field) {
	ce := i.logger.Check(zap.DebugLevel, decision)
	if ce == nil {
		return
	}
	fields = append(fields, zap.String("decision", decision))
	if name != "" {
		fields = append(fields, zap.String("module", name))
	}
	ce.Write(fields...)
}
