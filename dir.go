package runbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ManifestExt is the file extension of module manifests in a Dir.
const ManifestExt = ".yaml"

// Dir is a search path location backed by a directory of YAML module
// manifests. Module a.b.c lives in <root>/a/b/c.yaml:
//
//	requires: [shared.util]
//	namespace: myapp.core
//	defs:
//	  greeting: hello
//	data:
//	  counter: 0
//
// Building a manifest yields a fresh *Document holding data; initializing it
// defines defs in namespace under the active loader context.
type Dir struct {
	root string
}

// NewDir returns a location rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: filepath.Clean(root)}
}

func (d *Dir) String() string {
	return "dir:" + d.root
}

// Check reports whether root is a readable directory.
func (d *Dir) Check() error {
	info, err := os.Stat(d.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", d.root)
	}
	if _, err := os.ReadDir(d.root); err != nil {
		return err
	}
	return nil
}

type manifest struct {
	Requires  []string       `yaml:"requires"`
	Namespace string         `yaml:"namespace"`
	Defs      map[string]any `yaml:"defs"`
	Data      map[string]any `yaml:"data"`
}

func (d *Dir) find(name string) (compiledDefinition, bool, error) {
	path := filepath.Join(d.root, filepath.FromSlash(strings.ReplaceAll(name, ".", "/"))+ManifestExt)
	payload, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return compiledDefinition{}, false, nil
	}
	if err != nil {
		return compiledDefinition{}, false, fmt.Errorf("read manifest %s: %w", path, err)
	}
	head, err := decodeManifest(payload)
	if err != nil {
		return compiledDefinition{}, false, fmt.Errorf("decode manifest %s: %w", path, err)
	}

	def := compiledDefinition{
		requires: head.Requires,
		// Decode again on every build so that each loader gets its own maps.
		build: func(_ context.Context, _ Loader) (any, error) {
			m, err := decodeManifest(payload)
			if err != nil {
				return nil, err
			}
			return &Document{source: path, namespace: m.Namespace, defs: m.Defs, data: m.Data}, nil
		},
		register: func(_ context.Context, r Registrar, out any) error {
			doc, ok := out.(*Document)
			if !ok {
				return fmt.Errorf("register output type mismatch: want=*Document got=%T", out)
			}
			if doc.namespace == "" {
				return nil
			}
			ns := r.Intern(doc.namespace)
			for sym, v := range doc.defs {
				ns.Define(sym, v)
			}
			return nil
		},
	}
	return def, true, nil
}

func decodeManifest(payload []byte) (manifest, error) {
	var m manifest
	if err := yaml.Unmarshal(payload, &m); err != nil {
		return manifest{}, err
	}
	if m.Data == nil {
		m.Data = make(map[string]any)
	}
	for _, dep := range m.Requires {
		if err := validateName(dep); err != nil {
			return manifest{}, fmt.Errorf("invalid requirement: %w", err)
		}
	}
	return m, nil
}

// Document is the value of a module loaded from a manifest.
type Document struct {
	source    string
	namespace string
	defs      map[string]any

	mu   sync.RWMutex
	data map[string]any
}

// Source returns the manifest path.
func (d *Document) Source() string { return d.source }

// Get returns one data entry.
func (d *Document) Get(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[key]
	return v, ok
}

// Set replaces one data entry.
func (d *Document) Set(key string, v any) {
	d.mu.Lock()
	d.data[key] = v
	d.mu.Unlock()
}

// Keys lists the data keys in sorted order.
func (d *Document) Keys() []string {
	d.mu.RLock()
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		keys = append(keys, k)
	}
	d.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
