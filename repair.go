package runbox

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// repairRegistrations handles a Shared "__init" unit defined outside the
// instance. Its initialization must register namespaces in the ambient root
// context; otherwise they are only visible to whichever context happened to
// run it first, and other instances fail later with "no namespace" at first
// use instead of at load time.
//
// If the unit is not initialized yet, it is initialized with the root
// context active. Then the namespace is injected into this instance's context.
func (i *Instance) repairRegistrations(ctx context.Context, u *Unit) error {
	namespace := strings.TrimSuffix(u.name, InitSuffix)
	root := i.ambient.Context()

	if _, done := u.Initialized(); !done {
		i.trace("forcing initialization in ambient context", u.name)
		// The caller's ctx keeps its own active context; only this call sees root.
		if err := u.Initialize(WithLoaderContext(ctx, root)); err != nil {
			return InternalRegistrationError{Module: u.name, Namespace: namespace, Err: err}
		}
	}
	if initCtx, _ := u.Initialized(); initCtx != root.ID() {
		return InternalRegistrationError{
			Module:    u.name,
			Namespace: namespace,
			Err:       fmt.Errorf("module was initialized in context %s, not %s", initCtx, root.ID()),
		}
	}

	if _, err := i.context.inject(root, namespace); err != nil {
		return InternalRegistrationError{Module: u.name, Namespace: namespace, Err: err}
	}
	i.trace("injected ambient namespace", u.name, zap.String("namespace", namespace))
	return nil
}
