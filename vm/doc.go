// Package vm implements the Quill runtime.
//
// This package contains:
//   - Loader and locators: module name to binary or native module
//   - Module instances: per-execution globals, classes and imports
//   - Bytecode interpreter with cooperative checkpoints
//   - Linker: dynamic dispatch into native capability tables
//   - LinkingPolicy: allow/deny decisions for host access
//   - Scheduler and worker pool for asynchronous script runs
package vm
