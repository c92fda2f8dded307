package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/sift/pkg/plugin"
)

const (
	defaultStarlarkTimeout  = 5 * time.Second
	defaultStarlarkMaxSteps = 10_000_000
)

// StarlarkOptions bounds script execution.
type StarlarkOptions struct {
	// Timeout bounds module evaluation and each classify/handle call.
	Timeout time.Duration

	// MaxSteps bounds the number of Starlark computation steps per call.
	MaxSteps uint64
}

func (o StarlarkOptions) withDefaults() StarlarkOptions {
	if o.Timeout <= 0 {
		o.Timeout = defaultStarlarkTimeout
	}
	if o.MaxSteps == 0 {
		o.MaxSteps = defaultStarlarkMaxSteps
	}
	return o
}

// starlarkMeta is shared by Starlark classifiers and actions.
type starlarkMeta struct {
	id          string
	name        string
	description string
	opts        StarlarkOptions
}

func (m starlarkMeta) ID() string          { return m.id }
func (m starlarkMeta) Name() string        { return m.name }
func (m starlarkMeta) Description() string { return m.description }

// StarlarkClassifier calls a script's classify(entity, ctx) function.
type StarlarkClassifier struct {
	starlarkMeta
	fn starlark.Callable
}

// Classify converts the entity to a dict and decodes the returned
// {type, confidence?, tags?} dict. None means no opinion.
func (c *StarlarkClassifier) Classify(ctx context.Context, e plugin.Entity, cctx plugin.ClassifyContext) (*plugin.ClassificationOutput, error) {
	entity, err := entityValue(e)
	if err != nil {
		return nil, fmt.Errorf("failed to convert entity: %w", err)
	}
	sctx, err := contextValue(cctx.Config, cctx.TraceID, cctx.Logger, nil)
	if err != nil {
		return nil, err
	}

	v, err := callStarlark(ctx, c.id, c.fn, c.opts, cctx.Logger, entity, sctx)
	if err != nil {
		return nil, err
	}
	out, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("classify returned %s: %w", v.Type(), err)
	}
	return classificationFromAny(out)
}

// StarlarkAction calls a script's handle(ctx) function.
type StarlarkAction struct {
	starlarkMeta
	fn       starlark.Callable
	bindings plugin.Bindings
}

// Bindings returns the bindings declared by the script.
func (a *StarlarkAction) Bindings() plugin.Bindings { return a.bindings }

// Handle passes message, classification, config and trace_id on ctx and decodes
// the returned {success, error?, data?} dict. None counts as success.
func (a *StarlarkAction) Handle(ctx context.Context, actx plugin.ActionContext) (plugin.ActionResult, error) {
	msg, err := entityValue(actx.Message)
	if err != nil {
		return plugin.ActionResult{}, fmt.Errorf("failed to convert message: %w", err)
	}
	cls, err := classificationValue(actx.Classification)
	if err != nil {
		return plugin.ActionResult{}, err
	}
	sctx, err := contextValue(actx.Config, actx.TraceID, actx.Logger, starlark.StringDict{
		"message":        msg,
		"classification": cls,
	})
	if err != nil {
		return plugin.ActionResult{}, err
	}

	v, err := callStarlark(ctx, a.id, a.fn, a.opts, actx.Logger, sctx)
	if err != nil {
		return plugin.ActionResult{}, err
	}
	out, err := fromStarlarkValue(v)
	if err != nil {
		return plugin.ActionResult{}, fmt.Errorf("handle returned %s: %w", v.Type(), err)
	}
	return actionResultFromAny(a.id, out)
}

func actionResultFromAny(id string, v any) (plugin.ActionResult, error) {
	res := plugin.ActionResult{PluginID: id, Success: true}
	if v == nil {
		return res, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return res, fmt.Errorf("handle must return a dict or None, got %T", v)
	}

	if msg, ok := m["error"].(string); ok && msg != "" {
		res.Error = msg
		res.Success = false
	}
	if s, ok := m["success"].(bool); ok {
		res.Success = s
	}
	if data, ok := m["data"].(map[string]any); ok {
		res.Data = data
	}
	return res, nil
}

// LoadStarlark evaluates a script once and returns the classifiers and actions
// it defines.
//
// A script either defines top-level classify(entity, ctx) and/or bindings plus
// handle(ctx), optionally naming itself with id, name and description, or it
// exports plugins, a list of structs carrying the same members. Plugin ids are
// prefixed with "star:"; a top-level script without id uses its file name.
func LoadStarlark(ctx context.Context, filename string, src []byte, opts StarlarkOptions) ([]any, error) {
	opts = opts.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  filename,
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(opts.MaxSteps)
	stop := context.AfterFunc(ctx, func() { thread.Cancel(context.Cause(ctx).Error()) })
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	globals, err := starlark.ExecFile(thread, filename, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	if list, ok := globals["plugins"]; ok {
		return pluginsFromList(list, opts)
	}

	defaultID := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return pluginsFromMembers(func(name string) (starlark.Value, bool) {
		v, ok := globals[name]
		return v, ok
	}, defaultID, opts)
}

func pluginsFromList(v starlark.Value, opts StarlarkOptions) ([]any, error) {
	list, ok := v.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("plugins must be a list, got %s", v.Type())
	}

	var out []any
	for i := 0; i < list.Len(); i++ {
		s, ok := list.Index(i).(*starlarkstruct.Struct)
		if !ok {
			return nil, fmt.Errorf("plugins[%d] must be a struct, got %s", i, list.Index(i).Type())
		}
		vals, err := pluginsFromMembers(func(name string) (starlark.Value, bool) {
			attr, err := s.Attr(name)
			if err != nil || attr == nil {
				return nil, false
			}
			return attr, true
		}, "", opts)
		if err != nil {
			return nil, fmt.Errorf("plugins[%d]: %w", i, err)
		}
		out = append(out, vals...)
	}
	return out, nil
}

func pluginsFromMembers(get func(string) (starlark.Value, bool), defaultID string, opts StarlarkOptions) ([]any, error) {
	meta := starlarkMeta{id: defaultID, opts: opts}
	if v, ok := get("id"); ok {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("id must be a string, got %s", v.Type())
		}
		meta.id = s
	}
	if meta.id == "" {
		return nil, fmt.Errorf("plugin id is required")
	}
	meta.id = "star:" + meta.id
	if v, ok := get("name"); ok {
		meta.name, _ = starlark.AsString(v)
	}
	if v, ok := get("description"); ok {
		meta.description, _ = starlark.AsString(v)
	}

	var out []any

	if v, ok := get("classify"); ok {
		fn, ok := v.(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("classify must be callable, got %s", v.Type())
		}
		out = append(out, &StarlarkClassifier{starlarkMeta: meta, fn: fn})
	}

	handle, hasHandle := get("handle")
	rawBindings, hasBindings := get("bindings")
	if hasHandle != hasBindings {
		return nil, fmt.Errorf("an action needs both bindings and handle")
	}
	if hasHandle {
		fn, ok := handle.(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("handle must be callable, got %s", handle.Type())
		}
		gb, err := fromStarlarkValue(rawBindings)
		if err != nil {
			return nil, fmt.Errorf("bindings: %w", err)
		}
		bindings, err := bindingsFromAny(gb)
		if err != nil {
			return nil, err
		}
		out = append(out, &StarlarkAction{starlarkMeta: meta, fn: fn, bindings: bindings})
	}

	return out, nil
}

// contextValue builds the ctx struct scripts receive. It carries config,
// trace_id and a log(msg, level="info", data=None) builtin.
func contextValue(config map[string]any, traceID string, logger plugin.Logger, extra starlark.StringDict) (starlark.Value, error) {
	cfg, err := toStarlarkValue(nonNilMap(config))
	if err != nil {
		return nil, fmt.Errorf("failed to convert config: %w", err)
	}

	fields := starlark.StringDict{
		"config":   cfg,
		"trace_id": starlark.String(traceID),
		"log":      logBuiltin(logger),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, fields), nil
}

func logBuiltin(logger plugin.Logger) *starlark.Builtin {
	if logger == nil {
		logger = plugin.NopLogger{}
	}
	return starlark.NewBuiltin("log", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg, level string
		var data *starlark.Dict
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg, "level?", &level, "data?", &data); err != nil {
			return nil, err
		}

		var fields map[string]any
		if data != nil {
			v, err := fromStarlarkValue(data)
			if err != nil {
				return nil, err
			}
			fields, _ = v.(map[string]any)
		}

		switch level {
		case "debug":
			logger.Debug(msg, fields)
		case "warn":
			logger.Warn(msg, fields)
		case "error":
			logger.Error(msg, fields)
		default:
			logger.Info(msg, fields)
		}
		return starlark.None, nil
	})
}

func callStarlark(ctx context.Context, name string, fn starlark.Callable, opts StarlarkOptions, logger plugin.Logger, args ...starlark.Value) (starlark.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			if logger != nil {
				logger.Debug(msg, nil)
			}
		},
	}
	thread.SetMaxExecutionSteps(opts.MaxSteps)
	stop := context.AfterFunc(ctx, func() { thread.Cancel(context.Cause(ctx).Error()) })
	defer stop()

	v, err := starlark.Call(thread, fn, starlark.Tuple(args), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return v, nil
}
