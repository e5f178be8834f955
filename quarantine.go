package runbox

import (
	"fmt"
	"runtime"
	"weak"

	"go.uber.org/zap"
)

// Releaser is implemented by slot values that hold resources beyond memory.
// Quarantine calls Release when it clears the slot.
type Releaser interface {
	Release() error
}

// Quarantine clears per-thread residue so that the state it references
// becomes collectible.
type Quarantine struct {
	logger *zap.Logger
}

// NewQuarantine returns a quarantine reporting tolerated failures to logger.
func NewQuarantine(logger *zap.Logger) *Quarantine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Quarantine{logger: logger}
}

// Clean clears every slot of t and returns how many were cleared.
func (q *Quarantine) Clean(t *Thread) int {
	return q.sweep(t, func(*slot) bool { return true })
}

// CleanOwned clears the slots of t that were set while t ran inside the
// instance with ID owner.
func (q *Quarantine) CleanOwned(t *Thread, owner string) int {
	return q.sweep(t, func(s *slot) bool { return s.owner == owner })
}

func (q *Quarantine) sweep(t *Thread, match func(*slot) bool) int {
	if t == nil {
		return 0
	}

	var released []*slot
	cleared := 0

	t.mu.Lock()
	for k, s := range t.slots {
		if s == nil || s.key == nil || s.key != k {
			// Half-cleared entry: drop it and keep going.
			delete(t.slots, k)
			q.logger.Debug("quarantine skipped inconsistent slot", zap.Stringer("thread", t))
			continue
		}
		if !match(s) {
			continue
		}
		delete(t.slots, k)
		if _, ok := s.value.(Releaser); ok {
			released = append(released, s)
		} else {
			s.value = nil
		}
		s.key = nil
		cleared++
	}
	t.mu.Unlock()

	// Release outside the thread lock; a releaser may touch thread locals.
	for _, s := range released {
		if err := release(s.value.(Releaser)); err != nil {
			q.logger.Warn("quarantine tolerated failure", zap.Error(QuarantineError{
				Thread: t.String(),
				Slot:   fmt.Sprintf("%T", s.value),
				Err:    err,
			}))
		}
		s.value = nil
	}

	if cleared > 0 {
		q.logger.Debug("quarantine cleared thread slots", zap.Stringer("thread", t), zap.Int("slots", cleared))
	}
	return cleared
}

func release(r Releaser) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("release panicked: %v", p)
		}
	}()
	return r.Release()
}

const maxReclaimRounds = 64

type reclaimSentinel struct {
	_ *reclaimSentinel
}

// ForceReclaim runs garbage collection until a freshly dropped sentinel is
// gone, so that state dropped before the call has been reclaimed too.
// It gives up after a bounded number of rounds and reports whether the
// sentinel was collected.
func ForceReclaim() bool {
	w := newSentinel()
	for round := 0; round < maxReclaimRounds; round++ {
		runtime.GC()
		if w.Value() == nil {
			return true
		}
	}
	return false
}

func newSentinel() weak.Pointer[reclaimSentinel] {
	return weak.Make(&reclaimSentinel{})
}
