package runbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var threadSeq atomic.Uint64

// Thread is the identity of one worker and the table of its thread-local
// slots. Goroutines have no identity of their own, so code that needs
// per-worker state runs on a Thread explicitly.
type Thread struct {
	id   uint64
	name string

	mu    sync.Mutex
	owner string
	slots map[*slotKey]*slot
}

type slotKey struct {
	name string
}

type slot struct {
	key   *slotKey
	value any
	owner string
}

// NewThread returns a thread with an empty slot table.
func NewThread(name string) *Thread {
	id := threadSeq.Add(1)
	if name == "" {
		name = fmt.Sprintf("thread-%d", id)
	}
	return &Thread{
		id:    id,
		name:  name,
		slots: make(map[*slotKey]*slot),
	}
}

// ID returns the process-unique thread number.
func (t *Thread) ID() uint64 { return t.id }

func (t *Thread) String() string { return t.name }

// Owner returns the ID of the instance currently running on t, if any.
func (t *Thread) Owner() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

func (t *Thread) swapOwner(owner string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.owner
	t.owner = owner
	return prev
}

// SlotInfo describes one slot of a thread.
type SlotInfo struct {
	Name  string
	Owner string
}

// Slots enumerates the slots of t, sorted by name then owner.
func (t *Thread) Slots() []SlotInfo {
	t.mu.Lock()
	infos := make([]SlotInfo, 0, len(t.slots))
	for k, s := range t.slots {
		infos = append(infos, SlotInfo{Name: k.name, Owner: s.owner})
	}
	t.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].Owner < infos[j].Owner
	})
	return infos
}

// Local is a typed thread-local variable.
type Local[T any] struct {
	key *slotKey
}

// NewLocal returns a new thread-local key. name is used when enumerating slots.
func NewLocal[T any](name string) *Local[T] {
	return &Local[T]{key: &slotKey{name: name}}
}

// Get returns the value of l on t.
func (l *Local[T]) Get(t *Thread) (T, bool) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[l.key]
	if !ok || s.value == nil {
		return zero, false
	}
	v, ok := s.value.(T)
	return v, ok
}

// Set stores v in l on t. The slot is owned by the instance running on t.
func (l *Local[T]) Set(t *Thread, v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[l.key] = &slot{key: l.key, value: v, owner: t.owner}
}

// Remove deletes l from t.
func (l *Local[T]) Remove(t *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, l.key)
}

// CurrentInstance is set on a thread whenever it runs inside an instance
// and is left behind afterwards, like a pooled worker's cached state.
var CurrentInstance = NewLocal[*Instance]("runbox.current-instance")

type threadContextKey struct{}

// WithThread returns ctx carrying t as the running thread.
func WithThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, threadContextKey{}, t)
}

// ThreadFrom returns the thread carried by ctx.
func ThreadFrom(ctx context.Context) (*Thread, bool) {
	t, ok := ctx.Value(threadContextKey{}).(*Thread)
	return t, ok && t != nil
}
