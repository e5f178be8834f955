package runbox

import (
	"context"
	"errors"
)

// Delegation is the policy an instance uses to resolve Shared names.
// Use TrustParent or ProbeThenSelfLoad.
type Delegation interface {
	String() string
	delegate(ctx context.Context, i *Instance, name string) (*Unit, error)
}

var (
	// TrustParent resolves Shared names straight through the ambient environment.
	TrustParent Delegation = trustParent{}

	// ProbeThenSelfLoad reuses a Shared module the ambient environment already
	// loaded, otherwise self-loads it from the instance search path and only
	// then falls back to ambient resolution. With overlapping search paths two
	// instances may end up with different objects for the same name.
	ProbeThenSelfLoad Delegation = probeThenSelfLoad{}
)

type trustParent struct{}

func (trustParent) String() string { return "trust-parent" }

func (trustParent) delegate(ctx context.Context, i *Instance, name string) (*Unit, error) {
	return i.loadAmbient(ctx, name)
}

type probeThenSelfLoad struct{}

func (probeThenSelfLoad) String() string { return "probe-then-self-load" }

func (probeThenSelfLoad) delegate(ctx context.Context, i *Instance, name string) (*Unit, error) {
	if u, ok := i.ambient.Loaded(name); ok {
		i.trace("reused module already loaded by ambient", name)
		return u, nil
	}
	u, ok, err := i.selfLoad(ctx, name, Shared)
	if err != nil {
		return nil, err
	}
	if ok {
		return u, nil
	}
	return i.loadAmbient(ctx, name)
}

// ParseDelegation maps a policy name to its Delegation.
func ParseDelegation(name string) (Delegation, error) {
	switch name {
	case "", TrustParent.String():
		return TrustParent, nil
	case ProbeThenSelfLoad.String():
		return ProbeThenSelfLoad, nil
	default:
		return nil, ConfigurationError{
			Field:  "delegation",
			Reason: "unknown policy " + name,
			Err:    errors.New("want trust-parent or probe-then-self-load"),
		}
	}
}
