package runbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type counter struct {
	n int64
}

func (c *counter) Inc() int64  { return atomic.AddInt64(&c.n, 1) }
func (c *counter) Load() int64 { return atomic.LoadInt64(&c.n) }

func counterDef(builds *int32) Definition[*counter] {
	return Definition[*counter]{
		Build: func(_ context.Context, _ Loader) (*counter, error) {
			if builds != nil {
				atomic.AddInt32(builds, 1)
			}
			return &counter{}, nil
		},
	}
}

func TestScenarioIsolatedAppAndSharedUtil(t *testing.T) {
	ctx := context.Background()
	pathX := NewLibrary("pathX")
	MustRegister(pathX, "myapp.core", counterDef(nil))

	ambient := NewAmbient(nil)
	held, err := ambient.Provide("shared.util", &counter{})
	require.NoError(t, err)

	m := NewManager()
	inst, err := m.Create([]Location{pathX}, ambient, `myapp\..*`, false)
	require.NoError(t, err)

	core, err := inst.Load(ctx, "myapp.core")
	require.NoError(t, err)
	assert.Equal(t, Isolated, core.Isolation())
	assert.Equal(t, inst.ID(), core.Origin())
	_, inAmbient := ambient.Loaded("myapp.core")
	assert.False(t, inAmbient, "isolated module must not reach the ambient environment")

	util, err := inst.Load(ctx, "shared.util")
	require.NoError(t, err)
	assert.Same(t, held, util)
	assert.Equal(t, AmbientID, util.Origin())
}

func TestScenarioCompilerIsolatedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	lib := NewLibrary("runtime")
	var builds int32
	MustRegister(lib, "runtime.compiler.core", counterDef(&builds))

	m := NewManager()
	ambient := NewAmbient(nil)
	a, err := m.Create([]Location{lib}, ambient, "", false)
	require.NoError(t, err)
	b, err := m.Create([]Location{lib}, ambient, "", false)
	require.NoError(t, err)

	ca, err := LoadAs[*counter](ctx, a, "runtime.compiler.core")
	require.NoError(t, err)
	cb, err := LoadAs[*counter](ctx, b, "runtime.compiler.core")
	require.NoError(t, err)

	assert.NotSame(t, ca, cb)
	ca.Inc()
	ca.Inc()
	assert.Equal(t, int64(2), ca.Load())
	assert.Equal(t, int64(0), cb.Load(), "state of the other instance must be unaffected")
	assert.Equal(t, int32(2), atomic.LoadInt32(&builds))
}

func TestSharedModuleHasOneIdentityAcrossInstances(t *testing.T) {
	ctx := context.Background()
	hostLib := NewLibrary("host")
	var builds int32
	MustRegister(hostLib, "shared.util", counterDef(&builds))
	ambient := NewAmbient([]Location{hostLib})

	appLib := NewLibrary("app")
	m := NewManager()
	a, err := m.Create([]Location{appLib}, ambient, "", false)
	require.NoError(t, err)
	b, err := m.Create([]Location{appLib}, ambient, "", false)
	require.NoError(t, err)

	ua, err := a.Load(ctx, "shared.util")
	require.NoError(t, err)
	ub, err := b.Load(ctx, "shared.util")
	require.NoError(t, err)

	assert.Same(t, ua, ub)
	held, ok := ambient.Loaded("shared.util")
	require.True(t, ok)
	assert.Same(t, held, ua)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestSharedModuleIdentityUnderConcurrentLoads(t *testing.T) {
	ctx := context.Background()
	hostLib := NewLibrary("host")
	var builds int32
	MustRegister(hostLib, "shared.util", Definition[*counter]{
		Build: func(context.Context, Loader) (*counter, error) {
			atomic.AddInt32(&builds, 1)
			time.Sleep(10 * time.Millisecond)
			return &counter{}, nil
		},
	})
	ambient := NewAmbient([]Location{hostLib})
	m := NewManager()
	a, err := m.Create([]Location{NewLibrary("a")}, ambient, "", false)
	require.NoError(t, err)
	b, err := m.Create([]Location{NewLibrary("b")}, ambient, "", false)
	require.NoError(t, err)

	const perInstance = 16
	units := make([]*Unit, 2*perInstance)
	errs := make([]error, 2*perInstance)
	var wg sync.WaitGroup
	for n := range units {
		inst := a
		if n%2 == 1 {
			inst = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			units[n], errs[n] = inst.Load(ctx, "shared.util")
		}()
	}
	wg.Wait()

	held, ok := ambient.Loaded("shared.util")
	require.True(t, ok)
	for n := range units {
		require.NoError(t, errs[n])
		assert.Same(t, held, units[n])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestLoadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	lib := NewLibrary("runtime")
	MustRegister(lib, "runtime.var.table", counterDef(nil))
	m := NewManager()
	inst, err := m.Create([]Location{lib}, NewAmbient(nil), "", false)
	require.NoError(t, err)

	first, err := inst.Load(ctx, "runtime.var.table")
	require.NoError(t, err)
	for n := 0; n < 5; n++ {
		again, err := inst.Load(ctx, "runtime.var.table")
		require.NoError(t, err)
		assert.Same(t, first, again)
	}
	cached, ok := inst.Loaded("runtime.var.table")
	require.True(t, ok)
	assert.Same(t, first, cached)
}

func TestLoadSingleflight(t *testing.T) {
	lib := NewLibrary("runtime")
	var builds int32
	MustRegister(lib, "runtime.agent.pool", Definition[*counter]{
		Build: func(_ context.Context, _ Loader) (*counter, error) {
			atomic.AddInt32(&builds, 1)
			time.Sleep(30 * time.Millisecond)
			return &counter{}, nil
		},
	})
	m := NewManager()
	inst, err := m.Create([]Location{lib}, NewAmbient(nil), "", false)
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]*Unit, n)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			u, e := inst.Load(context.Background(), "runtime.agent.pool")
			if e != nil {
				errCh <- e
				return
			}
			results[i] = u
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
	first := results[0]
	for i := 1; i < n; i++ {
		assert.True(t, first == results[i], "all loads should share one unit")
	}
}

func TestIsolatedMissDoesNotFallBackToAmbient(t *testing.T) {
	ctx := context.Background()
	hostLib := NewLibrary("host")
	MustRegister(hostLib, "runtime.reader.core", counterDef(nil))
	ambient := NewAmbient([]Location{hostLib})

	m := NewManager()
	inst, err := m.Create([]Location{NewLibrary("empty")}, ambient, "", false)
	require.NoError(t, err)

	_, err = inst.Load(ctx, "runtime.reader.core")
	require.Error(t, err)
	var notFound ModuleNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, Isolated, notFound.Isolation)
	assert.Equal(t, inst.ID(), notFound.Loader)

	_, loaded := ambient.Loaded("runtime.reader.core")
	assert.False(t, loaded, "a failed isolated load must not trigger an ambient load")
}

func TestSharedMissReportsSharedNotFound(t *testing.T) {
	for _, d := range []Delegation{TrustParent, ProbeThenSelfLoad} {
		t.Run(d.String(), func(t *testing.T) {
			m := NewManager(WithDelegation(d))
			inst, err := m.Create([]Location{NewLibrary("app")}, NewAmbient(nil), "", false)
			require.NoError(t, err)

			_, err = inst.Load(context.Background(), "nowhere.to.be.found")
			var notFound ModuleNotFoundError
			require.True(t, errors.As(err, &notFound))
			assert.Equal(t, Shared, notFound.Isolation)
			assert.Equal(t, inst.ID(), notFound.Loader)
		})
	}
}

func TestProbeThenSelfLoad(t *testing.T) {
	ctx := context.Background()
	hostLib := NewLibrary("host")
	MustRegister(hostLib, "shared.loaded", counterDef(nil))
	MustRegister(hostLib, "shared.lazy", counterDef(nil))
	MustRegister(hostLib, "shared.hostonly", counterDef(nil))
	ambient := NewAmbient([]Location{hostLib})
	preloaded, err := ambient.Load(ctx, "shared.loaded")
	require.NoError(t, err)

	appLib := NewLibrary("app")
	MustRegister(appLib, "shared.loaded", counterDef(nil))
	MustRegister(appLib, "shared.lazy", counterDef(nil))

	m := NewManager(WithDelegation(ProbeThenSelfLoad))
	a, err := m.Create([]Location{appLib}, ambient, "", false)
	require.NoError(t, err)
	b, err := m.Create([]Location{appLib}, ambient, "", false)
	require.NoError(t, err)

	reused, err := a.Load(ctx, "shared.loaded")
	require.NoError(t, err)
	assert.Same(t, preloaded, reused, "a module the ambient already holds is reused")

	lazyA, err := a.Load(ctx, "shared.lazy")
	require.NoError(t, err)
	assert.Equal(t, a.ID(), lazyA.Origin(), "a module the ambient has not loaded is self-loaded")
	_, inAmbient := ambient.Loaded("shared.lazy")
	assert.False(t, inAmbient, "probing must not trigger an ambient load")

	lazyB, err := b.Load(ctx, "shared.lazy")
	require.NoError(t, err)
	assert.NotSame(t, lazyA, lazyB, "self-loaded shared modules differ per instance")

	hostOnly, err := a.Load(ctx, "shared.hostonly")
	require.NoError(t, err)
	assert.Equal(t, AmbientID, hostOnly.Origin())
}

func TestBuildErrorIsNotNotFound(t *testing.T) {
	boom := errors.New("boom")
	lib := NewLibrary("app")
	MustRegister(lib, "myapp.broken", Definition[*counter]{
		Build: func(_ context.Context, _ Loader) (*counter, error) {
			return nil, boom
		},
	})
	hostLib := NewLibrary("host")
	MustRegister(hostLib, "myapp.broken", counterDef(nil))

	m := NewManager(WithDelegation(ProbeThenSelfLoad))
	inst, err := m.Create([]Location{lib}, NewAmbient([]Location{hostLib}), "", false)
	require.NoError(t, err)

	_, err = inst.Load(context.Background(), "myapp.broken")
	require.ErrorIs(t, err, boom)
	var notFound ModuleNotFoundError
	assert.False(t, errors.As(err, &notFound))
	_, cached := inst.Loaded("myapp.broken")
	assert.False(t, cached, "failures are never cached")
}

func TestRequiresResolveThroughDefiningLoader(t *testing.T) {
	ctx := context.Background()
	hostLib := NewLibrary("host")
	MustRegister(hostLib, "shared.dep", counterDef(nil))
	MustRegister(hostLib, "shared.top", Definition[*counter]{
		Requires: []string{"shared.dep"},
		Build: func(ctx context.Context, l Loader) (*counter, error) {
			_, err := l.Load(ctx, "shared.dep")
			return &counter{}, err
		},
	})
	ambient := NewAmbient([]Location{hostLib})

	appLib := NewLibrary("app")
	MustRegister(appLib, "runtime.compiler.core", counterDef(nil))
	MustRegister(appLib, "myapp.svc", Definition[*counter]{
		Requires: []string{"runtime.compiler.core", "shared.top"},
		Build: func(ctx context.Context, l Loader) (*counter, error) {
			return LoadAs[*counter](ctx, l, "runtime.compiler.core")
		},
	})

	m := NewManager()
	inst, err := m.Create([]Location{appLib}, ambient, `myapp\..*`, false)
	require.NoError(t, err)

	svc, err := LoadAs[*counter](ctx, inst, "myapp.svc")
	require.NoError(t, err)
	compiler, ok := inst.Loaded("runtime.compiler.core")
	require.True(t, ok)
	assert.Same(t, compiler.Value(), svc)

	_, ok = ambient.Loaded("shared.dep")
	assert.True(t, ok, "shared requirements are loaded by the ambient environment")
	_, ok = inst.Loaded("shared.dep")
	assert.False(t, ok, "the instance never asked for shared.dep itself")
}

func TestLoadCycle(t *testing.T) {
	lib := NewLibrary("app")
	MustRegister(lib, "myapp.a", Definition[*counter]{
		Requires: []string{"myapp.b"},
		Build:    func(context.Context, Loader) (*counter, error) { return &counter{}, nil },
	})
	MustRegister(lib, "myapp.b", Definition[*counter]{
		Requires: []string{"myapp.a"},
		Build:    func(context.Context, Loader) (*counter, error) { return &counter{}, nil },
	})
	m := NewManager()
	inst, err := m.Create([]Location{lib}, NewAmbient(nil), `myapp\..*`, false)
	require.NoError(t, err)

	_, err = inst.Load(context.Background(), "myapp.a")
	var cycle LoadCycleError
	require.True(t, errors.As(err, &cycle))
	assert.GreaterOrEqual(t, len(cycle.Path), 3)
}

func TestLoadAsTypeMismatch(t *testing.T) {
	lib := NewLibrary("app")
	MustRegister(lib, "myapp.value", Definition[string]{
		Build: func(context.Context, Loader) (string, error) { return "ok", nil },
	})
	m := NewManager()
	inst, err := m.Create([]Location{lib}, NewAmbient(nil), `myapp\..*`, false)
	require.NoError(t, err)

	_, err = LoadAs[int](context.Background(), inst, "myapp.value")
	var typeErr TypeMismatchError
	require.True(t, errors.As(err, &typeErr))
	assert.Equal(t, "int", typeErr.Expected)
	assert.Equal(t, "string", typeErr.Actual)
}

func TestLoadRejectsBadNames(t *testing.T) {
	m := NewManager()
	inst, err := m.Create([]Location{NewLibrary("app")}, NewAmbient(nil), "", false)
	require.NoError(t, err)
	for _, name := range []string{"", ".a", "a.", "a..b"} {
		_, err := inst.Load(context.Background(), name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestDebugTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	lib := NewLibrary("app")
	MustRegister(lib, "myapp.core", counterDef(nil))

	m := NewManager(WithLogger(zap.New(core)))
	quiet, err := m.Create([]Location{lib}, NewAmbient(nil), `myapp\..*`, false)
	require.NoError(t, err)
	_, err = quiet.Load(context.Background(), "myapp.core")
	require.NoError(t, err)
	assert.Equal(t, 0, logs.Len(), "no trace without debug")

	loud, err := m.Create([]Location{lib}, NewAmbient(nil), `myapp\..*`, true)
	require.NoError(t, err)
	_, err = loud.Load(context.Background(), "myapp.core")
	require.NoError(t, err)
	_, err = loud.Load(context.Background(), "myapp.missing")
	require.Error(t, err)
	_, err = loud.Load(context.Background(), "other.missing")
	require.Error(t, err)

	assert.Equal(t, 1, logs.FilterMessage("loaded module in isolation").Len())
	assert.Equal(t, 1, logs.FilterMessage("could not load module in isolation").Len())
	assert.Equal(t, 1, logs.FilterMessage("could not load module by delegation").Len())
	for _, entry := range logs.FilterMessage("loaded module in isolation").All() {
		assert.Equal(t, "myapp.core", entry.ContextMap()["module"])
		assert.Equal(t, loud.ID(), entry.ContextMap()["instance"])
		assert.Equal(t, "loaded module in isolation", entry.ContextMap()["decision"])
	}
}

func TestGraphOfLoadedModules(t *testing.T) {
	ctx := context.Background()
	lib := NewLibrary("app")
	MustRegister(lib, "runtime.compiler.core", counterDef(nil))
	MustRegister(lib, "myapp.svc", Definition[*counter]{
		Requires: []string{"runtime.compiler.core"},
		Build:    func(context.Context, Loader) (*counter, error) { return &counter{}, nil },
	})
	m := NewManager()
	inst, err := m.Create([]Location{lib}, NewAmbient(nil), `myapp\..*`, false)
	require.NoError(t, err)
	_, err = inst.Load(ctx, "myapp.svc")
	require.NoError(t, err)

	g := inst.Graph()
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, []GraphEdge{{From: "myapp.svc", To: "runtime.compiler.core"}}, g.Edges)
	assert.Contains(t, g.DOT(), "digraph runbox")
	assert.Contains(t, g.DOT(), "shape=box")
	assert.Contains(t, g.Mermaid(), "graph TD")
	assert.Contains(t, g.Text(), fmt.Sprintf("myapp.svc isolated origin=%s requires=runtime.compiler.core", inst.ID()))
}
