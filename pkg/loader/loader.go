package loader

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Loader discovers plugins in a directory tree.
//
// Supported files: declarative rules (.yaml, .yml, .json, .cue), Starlark
// scripts (.star), OPA policies (.rego) and WebAssembly modules (.wasm).
type Loader struct {
	logger   zerolog.Logger
	starlark StarlarkOptions
	wasm     WASMOptions
}

// Option configures a Loader.
type Option func(*Loader)

// WithStarlarkOptions sets Starlark execution limits.
func WithStarlarkOptions(o StarlarkOptions) Option {
	return func(l *Loader) { l.starlark = o }
}

// WithWASMOptions sets the WASM runtime configuration.
func WithWASMOptions(o WASMOptions) Option {
	return func(l *Loader) { l.wasm = o }
}

// New creates a loader.
func New(logger zerolog.Logger, opts ...Option) *Loader {
	l := &Loader{
		logger: logger.With().Str("component", "loader").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadDirectory walks dir and registers every plugin it can load. Files that
// fail to load are logged and skipped; only a missing or unreadable dir is an
// error. Files are visited in lexical order, which fixes plugin order.
func (l *Loader) LoadDirectory(ctx context.Context, dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat plugin directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugin path %s is not a directory", dir)
	}

	reg := NewRegistry()
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to read plugin path")
			if d != nil && d.IsDir() && path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !IsPluginFile(path) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		values, err := l.LoadFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load plugin file")
			return nil
		}

		added := 0
		for _, v := range values {
			if reg.Add(v) {
				added++
				continue
			}
			if c, ok := v.(io.Closer); ok {
				_ = c.Close()
			}
		}
		if added == 0 {
			l.logger.Debug().Str("path", path).Msg("No plugins exported")
		}
		return nil
	})
	if err != nil {
		_ = reg.Close(ctx)
		return nil, fmt.Errorf("failed to walk plugin directory: %w", err)
	}

	l.logger.Info().
		Str("dir", dir).
		Int("classifiers", len(reg.classifiers)).
		Int("actions", len(reg.actions)).
		Msg("Plugins loaded")

	return reg, nil
}

// LoadFile loads the plugins defined by a single file.
func (l *Loader) LoadFile(ctx context.Context, path string) ([]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); {
	case RuleFormat(path) != "":
		defs, err := ParseRules(RuleFormat(path), data)
		if err != nil {
			return nil, err
		}
		var out []any
		for _, def := range defs {
			rc, err := CompileRule(def)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping invalid rule")
				continue
			}
			out = append(out, rc)
		}
		return out, nil

	case ext == ".star":
		return LoadStarlark(ctx, path, data, l.starlark)

	case ext == ".rego":
		rc, err := CompileRego(ctx, path, string(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", regoID(path), err)
		}
		return []any{rc}, nil

	case ext == ".wasm":
		wc, err := LoadWASM(ctx, path, data, l.wasm)
		if err != nil {
			return nil, err
		}
		return []any{wc}, nil

	default:
		return nil, fmt.Errorf("unsupported plugin file: %s", path)
	}
}

// IsPluginFile reports whether the loader handles files with path's extension.
func IsPluginFile(path string) bool {
	if RuleFormat(path) != "" {
		return true
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".star", ".rego", ".wasm":
		return true
	}
	return false
}
