package runbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// LoaderContext is the namespace table registrations land in. The ambient
// environment owns the root context and every instance owns one more.
type LoaderContext struct {
	id string

	mu         sync.RWMutex
	namespaces map[string]*Namespace
}

func newLoaderContext(id string) *LoaderContext {
	return &LoaderContext{
		id:         id,
		namespaces: make(map[string]*Namespace),
	}
}

// ID returns the context identifier.
func (c *LoaderContext) ID() string { return c.id }

// Intern returns the named namespace, creating it on first use.
func (c *LoaderContext) Intern(namespace string) *Namespace {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.namespaces[namespace]
	if !ok {
		ns = &Namespace{name: namespace, defs: make(map[string]any)}
		c.namespaces[namespace] = ns
	}
	return ns
}

// Namespace returns a namespace visible in this context.
func (c *LoaderContext) Namespace(namespace string) (*Namespace, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ns, ok := c.namespaces[namespace]
	return ns, ok
}

// Namespaces lists the namespace names in sorted order.
func (c *LoaderContext) Namespaces() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.namespaces))
	for name := range c.namespaces {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Lookup resolves namespace/symbol in this context.
func (c *LoaderContext) Lookup(namespace, symbol string) (any, error) {
	ns, ok := c.Namespace(namespace)
	if !ok {
		return nil, MissingDefinitionError{Namespace: namespace, Context: c.id}
	}
	v, ok := ns.Lookup(symbol)
	if !ok {
		return nil, MissingDefinitionError{Namespace: namespace, Symbol: symbol, Context: c.id}
	}
	return v, nil
}

// inject makes from's namespace visible in c under the same name. The
// namespace object is shared, not copied. An existing different namespace
// with the same name is a conflict.
func (c *LoaderContext) inject(from *LoaderContext, namespace string) (*Namespace, error) {
	ns, ok := from.Namespace(namespace)
	if !ok {
		return nil, MissingDefinitionError{Namespace: namespace, Context: from.id}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.namespaces[namespace]; ok && existing != ns {
		return nil, fmt.Errorf("namespace %s already defined in context %s", namespace, c.id)
	}
	c.namespaces[namespace] = ns
	return ns, nil
}

// Namespace holds the definitions registered under one name.
type Namespace struct {
	name string

	mu   sync.RWMutex
	defs map[string]any
}

// Name returns the namespace name.
func (n *Namespace) Name() string { return n.name }

// Define binds symbol to v, replacing an earlier binding.
func (n *Namespace) Define(symbol string, v any) {
	n.mu.Lock()
	n.defs[symbol] = v
	n.mu.Unlock()
}

// Lookup returns the binding of symbol.
func (n *Namespace) Lookup(symbol string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.defs[symbol]
	return v, ok
}

type loaderContextKey struct{}

// WithLoaderContext returns ctx with lc as the active loader context.
func WithLoaderContext(ctx context.Context, lc *LoaderContext) context.Context {
	return context.WithValue(ctx, loaderContextKey{}, lc)
}

// LoaderContextFrom returns the active loader context carried by ctx.
func LoaderContextFrom(ctx context.Context) (*LoaderContext, bool) {
	lc, ok := ctx.Value(loaderContextKey{}).(*LoaderContext)
	return lc, ok && lc != nil
}
