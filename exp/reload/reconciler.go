package reload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chenyanchen/runbox"
)

// Spec describes the instance a Reconciler keeps active.
type Spec struct {
	SearchPath []string `json:"search_path" yaml:"search_path"`
	Isolate    string   `json:"isolate" yaml:"isolate"`
	Debug      bool     `json:"debug" yaml:"debug"`
	Preload    []string `json:"preload" yaml:"preload"`
}

// FromConfig returns the reload spec of a configured instance.
func FromConfig(cfg runbox.InstanceConfig) Spec {
	return Spec{
		SearchPath: append([]string(nil), cfg.SearchPath...),
		Isolate:    cfg.Isolate,
		Debug:      cfg.Debug,
		Preload:    append([]string(nil), cfg.Preload...),
	}
}

// Result describes the outcome of one reconciliation.
type Result struct {
	Active    string   // ID of the instance active after the call.
	Reused    bool     // Spec was unchanged and the active instance kept.
	Destroyed string   // ID of the replaced instance, if any.
	Preloaded []string // Modules prewarmed in the new instance.
}

// Reconciler keeps one active instance and replaces it when the spec changes.
//
// Semantics:
// 1. unchanged spec hash reuses the active instance
// 2. create next instance from the new spec
// 3. prewarm preload modules before switching
// 4. atomically swap current
// 5. destroy the old instance
type Reconciler struct {
	manager *runbox.Manager
	ambient *runbox.Ambient

	mu      sync.Mutex // serializes Reconcile
	swapMu  sync.RWMutex
	current *runbox.Instance
	hash    string
}

func New(manager *runbox.Manager, ambient *runbox.Ambient) (*Reconciler, error) {
	if manager == nil {
		return nil, fmt.Errorf("new reconciler: manager is nil")
	}
	if ambient == nil {
		return nil, fmt.Errorf("new reconciler: ambient is nil")
	}
	return &Reconciler{manager: manager, ambient: ambient}, nil
}

// Current returns the active instance, or nil before the first Reconcile.
func (r *Reconciler) Current() *runbox.Instance {
	r.swapMu.RLock()
	defer r.swapMu.RUnlock()
	return r.current
}

// Reconcile switches the active instance to spec.
func (r *Reconciler) Reconcile(ctx context.Context, spec Spec) (Result, error) {
	hash, err := hashSpec(spec)
	if err != nil {
		return Result{}, fmt.Errorf("hash spec: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.Current()
	if old != nil && r.hash == hash {
		return Result{Active: old.ID(), Reused: true}, nil
	}

	next, err := r.manager.Create(runbox.Dirs(spec.SearchPath), r.ambient, spec.Isolate, spec.Debug)
	if err != nil {
		return Result{}, fmt.Errorf("create next instance: %w", err)
	}
	preloaded, err := prewarm(ctx, next, spec.Preload)
	if err != nil {
		_ = r.manager.Destroy(context.Background(), next)
		return Result{}, fmt.Errorf("prewarm next instance: %w", err)
	}

	r.swapMu.Lock()
	r.current = next
	r.hash = hash
	r.swapMu.Unlock()

	result := Result{Active: next.ID(), Preloaded: preloaded}
	if old == nil {
		return result, nil
	}
	result.Destroyed = old.ID()
	if err := r.manager.Destroy(ctx, old); err != nil {
		return result, fmt.Errorf("switch success but destroy old failed: %w", err)
	}
	return result, nil
}

// Close destroys the active instance.
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.swapMu.Lock()
	old := r.current
	r.current = nil
	r.hash = ""
	r.swapMu.Unlock()
	if old == nil {
		return nil
	}
	return r.manager.Destroy(ctx, old)
}

func prewarm(ctx context.Context, inst *runbox.Instance, names []string) ([]string, error) {
	loaded := make([]string, 0, len(names))
	for _, name := range names {
		u, err := inst.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := u.Initialize(ctx); err != nil {
			return nil, err
		}
		loaded = append(loaded, name)
	}
	return loaded, nil
}

func hashSpec(spec Spec) (string, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
