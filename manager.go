package runbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type settings struct {
	logger     *zap.Logger
	rules      []string
	delegation Delegation
	repair     bool
}

// Option configures a Manager, or one instance when passed to Create.
type Option func(*settings)

// WithLogger sets the logger. Instances created with debug enabled write
// their decision trace to it; quarantine failures are always reported to it.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithIsolationRules replaces DefaultIsolationRules.
func WithIsolationRules(rules ...string) Option {
	return func(s *settings) {
		s.rules = append([]string(nil), rules...)
	}
}

// WithDelegation selects the policy for Shared names. Defaults to TrustParent.
func WithDelegation(d Delegation) Option {
	return func(s *settings) {
		if d != nil {
			s.delegation = d
		}
	}
}

// WithRegistrationRepair toggles the cross-context registration repair for
// "__init" units. Enabled by default.
func WithRegistrationRepair(enabled bool) Option {
	return func(s *settings) {
		s.repair = enabled
	}
}

// Manager creates and destroys instances and keeps track of live ones.
type Manager struct {
	settings   settings
	quarantine *Quarantine

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewManager returns a manager with the given defaults.
func NewManager(opts ...Option) *Manager {
	s := settings{
		rules:      append([]string(nil), DefaultIsolationRules...),
		delegation: TrustParent,
		repair:     true,
	}
	for _, opt := range opts {
		opt(&s)
	}
	logger := s.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		settings:   s,
		quarantine: NewQuarantine(logger),
		instances:  make(map[string]*Instance),
	}
}

// Quarantine returns the quarantine used on Destroy.
func (m *Manager) Quarantine() *Quarantine {
	return m.quarantine
}

// Create builds an instance loading isolated modules from searchPath and
// shared ones from ambient. isolate is an extra pattern OR-ed with the
// built-in isolation rules. debug enables the decision trace.
func (m *Manager) Create(searchPath []Location, ambient *Ambient, isolate string, debug bool, opts ...Option) (*Instance, error) {
	s := m.settings
	s.rules = append([]string(nil), m.settings.rules...)
	for _, opt := range opts {
		opt(&s)
	}

	if len(searchPath) == 0 {
		return nil, ConfigurationError{Field: "search path", Reason: "empty"}
	}
	for idx, loc := range searchPath {
		if loc == nil {
			return nil, ConfigurationError{Field: fmt.Sprintf("search path[%d]", idx), Reason: "nil location"}
		}
		if err := loc.Check(); err != nil {
			return nil, ConfigurationError{
				Field:  fmt.Sprintf("search path[%d]", idx),
				Reason: loc.String() + " is unreadable",
				Err:    err,
			}
		}
	}
	if ambient == nil {
		return nil, ConfigurationError{Field: "ambient", Reason: "nil environment"}
	}
	if err := ambient.Check(); err != nil {
		return nil, err
	}
	classifier, err := NewClassifier(s.rules, isolate)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := zap.NewNop()
	if debug {
		logger = debugLogger(s.logger).With(zap.String("instance", id))
	}

	inst := &Instance{
		id:         id,
		classifier: classifier,
		searchPath: append([]Location(nil), searchPath...),
		ambient:    ambient,
		delegation: s.delegation,
		repair:     s.repair,
		context:    newLoaderContext(id),
		logger:     logger,
		quarantine: m.quarantine,
		cache:      &moduleCache{units: make(map[string]*Unit)},
		threads:    make(map[uint64]*Thread),
	}

	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	logger.Debug("instance created",
		zap.Int("search_path", len(searchPath)),
		zap.String("isolate", isolate),
		zap.Stringer("delegation", s.delegation),
		zap.Bool("repair", s.repair))
	return inst, nil
}

// Get returns a live instance by ID.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// Instances lists live instances sorted by ID.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}

// Destroy tears an instance down: later loads fail, units it defined are
// closed in reverse load order, its module cache is released, and the
// residue it left on every thread that ran inside it is quarantined.
// Close errors are returned; quarantine failures are only logged.
// Destroying twice is a no-op.
func (m *Manager) Destroy(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	threads, closeErr := inst.shutdown(ctx)

	m.mu.Lock()
	delete(m.instances, inst.id)
	m.mu.Unlock()

	cleared := 0
	for _, t := range threads {
		cleared += m.quarantine.CleanOwned(t, inst.id)
	}
	inst.logger.Debug("instance destroyed",
		zap.Int("threads", len(threads)),
		zap.Int("slots_cleared", cleared))

	if closeErr != nil {
		return fmt.Errorf("destroy instance %s: %w", inst.id, closeErr)
	}
	return nil
}

// debugLogger returns logger, or a development console logger when none was
// configured.
func debugLogger(logger *zap.Logger) *zap.Logger {
	if logger != nil {
		return logger
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	built, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return built
}
