package runbox

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AmbientID is the loader ID of an ambient environment and of its root
// loader context.
const AmbientID = "ambient"

// Ambient is the host's pre-existing environment, the source of Shared
// modules. Instances may cause it to load new modules but never remove or
// replace existing ones.
type Ambient struct {
	locations []Location
	root      *LoaderContext
	logger    *zap.Logger

	mu    sync.RWMutex
	units map[string]*Unit

	sf singleflight.Group
}

// AmbientOption configures an Ambient.
type AmbientOption func(*Ambient)

// WithAmbientLogger sets the logger used for ambient load events.
func WithAmbientLogger(logger *zap.Logger) AmbientOption {
	return func(a *Ambient) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAmbient returns an ambient environment resolving from locations in order.
func NewAmbient(locations []Location, opts ...AmbientOption) *Ambient {
	a := &Ambient{
		locations: append([]Location(nil), locations...),
		root:      newLoaderContext(AmbientID),
		logger:    zap.NewNop(),
		units:     make(map[string]*Unit),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Context returns the root loader context.
func (a *Ambient) Context() *LoaderContext {
	return a.root
}

// Check reports the first location that cannot be read.
func (a *Ambient) Check() error {
	for idx, loc := range a.locations {
		if loc == nil {
			return ConfigurationError{Field: fmt.Sprintf("ambient[%d]", idx), Reason: "nil location"}
		}
		if err := loc.Check(); err != nil {
			return ConfigurationError{
				Field:  fmt.Sprintf("ambient[%d]", idx),
				Reason: loc.String() + " is unreadable",
				Err:    err,
			}
		}
	}
	return nil
}

// Load resolves name the normal way: cache, then locations in order.
func (a *Ambient) Load(ctx context.Context, name string) (*Unit, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	withStack, err := pushLoadStack(ctx, AmbientID, name)
	if err != nil {
		return nil, err
	}

	if u, ok := a.Loaded(name); ok {
		return u, nil
	}

	v, err, _ := a.sf.Do(name, func() (any, error) {
		if u, ok := a.Loaded(name); ok {
			return u, nil
		}
		for _, loc := range a.locations {
			def, ok, err := loc.find(name)
			if err != nil {
				return nil, fmt.Errorf("find %s in %s: %w", name, loc, err)
			}
			if !ok {
				continue
			}
			u, err := buildUnit(withStack, a, AmbientID, a.root, Shared, name, def)
			if err != nil {
				return nil, err
			}
			a.mu.Lock()
			a.units[name] = u
			a.mu.Unlock()
			a.logger.Debug("ambient loaded module", zap.String("module", name), zap.Stringer("location", loc))
			return u, nil
		}
		return nil, ModuleNotFoundError{Name: name, Isolation: Shared, Loader: AmbientID}
	})
	if err != nil {
		return nil, err
	}
	return v.(*Unit), nil
}

// Loaded returns a cached unit without triggering a load.
func (a *Ambient) Loaded(name string) (*Unit, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.units[name]
	return u, ok
}

// Provide publishes a value the host already holds under name. It fails if
// name is already loaded.
func (a *Ambient) Provide(name string, value any) (*Unit, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	u := &Unit{
		name:      name,
		value:     value,
		origin:    AmbientID,
		isolation: Shared,
		home:      a.root,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.units[name]; exists {
		return nil, fmt.Errorf("provide %s: module already loaded in ambient environment", name)
	}
	a.units[name] = u
	return u, nil
}
