// Package loader discovers classifier and action plugins on disk.
//
// A plugin directory may mix declarative rule files (YAML, JSON or CUE),
// Starlark scripts, OPA Rego policies and WebAssembly modules. Each file is
// loaded independently; a broken file is logged and skipped so that the rest
// of the directory still loads.
package loader
