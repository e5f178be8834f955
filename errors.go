package runbox

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInstanceDestroyed is returned by loads and runs on a destroyed instance.
var ErrInstanceDestroyed = errors.New("runbox: instance destroyed")

// ConfigurationError means an instance or manager was built with bad arguments.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e ConfigurationError) Error() string {
	msg := fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e ConfigurationError) Unwrap() error {
	return e.Err
}

// ModuleNotFoundError means no location could provide the module.
// Isolation tells which branch of the loader gave up.
type ModuleNotFoundError struct {
	Name      string
	Isolation Isolation
	Loader    string
}

func (e ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module not found (%s): %q in loader %s", e.Isolation, e.Name, e.Loader)
}

// InternalRegistrationError means forcing a precompiled unit's initialization
// in the ambient context, or injecting its namespace, failed.
type InternalRegistrationError struct {
	Module    string
	Namespace string
	Err       error
}

func (e InternalRegistrationError) Error() string {
	return fmt.Sprintf("register namespace %q for module %q: %v", e.Namespace, e.Module, e.Err)
}

func (e InternalRegistrationError) Unwrap() error {
	return e.Err
}

// QuarantineError means clearing one thread slot failed. It is logged and
// dropped by the quarantine, never returned to callers of Destroy.
type QuarantineError struct {
	Thread string
	Slot   string
	Err    error
}

func (e QuarantineError) Error() string {
	return fmt.Sprintf("quarantine thread %s slot %s: %v", e.Thread, e.Slot, e.Err)
}

func (e QuarantineError) Unwrap() error {
	return e.Err
}

// MissingDefinitionError means a symbol is not visible in a loader context.
type MissingDefinitionError struct {
	Namespace string
	Symbol    string
	Context   string
}

func (e MissingDefinitionError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("no namespace: %s found in context %s", e.Namespace, e.Context)
	}
	return fmt.Sprintf("no definition: %s/%s found in context %s", e.Namespace, e.Symbol, e.Context)
}

// LoadCycleError means a module requires itself through its dependency chain.
type LoadCycleError struct {
	Path []string
}

func (e LoadCycleError) Error() string {
	if len(e.Path) == 0 {
		return "module load cycle detected"
	}
	return "module load cycle detected: " + strings.Join(e.Path, " -> ")
}

// TypeMismatchError means LoadAs[T] failed to cast the module value to T.
type TypeMismatchError struct {
	Name     string
	Expected string
	Actual   string
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("module type mismatch for %s: expected=%s actual=%s",
		e.Name, e.Expected, e.Actual)
}
