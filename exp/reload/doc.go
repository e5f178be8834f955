// Package reload provides experimental hot-reload orchestration for runbox
// instances.
//
// Reconciler is the core type and performs:
// 1. hash the new spec and reuse the active instance when nothing changed
// 2. create the next instance
// 3. prewarm the preload modules before switching
// 4. atomically swap the active instance
// 5. destroy the old instance, which quarantines its threads
//
// This package is EXPERIMENTAL and its API may change before v1.
package reload
