// Package runbox runs several isolated instances of an embeddable runtime
// inside one host process.
//
// It offers:
// - an isolation classifier deciding per module name whether each instance
//   gets a private copy (Isolated) or reuses the host's copy (Shared)
// - a two-tier loader: self-load from the instance search path, or delegate
//   to the ambient environment with a trust-parent or probe-then-self-load policy
// - repair of registrations made by precompiled "__init" units under the
//   wrong loader context
// - an instance lifecycle with load-once-per-name guarantees
// - quarantine of per-thread residue left on pooled workers after teardown
package runbox
