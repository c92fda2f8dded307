package loader

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/sift/pkg/plugin"
)

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(val), nil
	case time.Time:
		return starlark.String(val.Format(time.RFC3339Nano)), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			if err := dict.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			gv, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = gv
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			gv, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = gv
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func entityValue(e plugin.Entity) (starlark.Value, error) {
	return toStarlarkValue(map[string]any{
		"id":             e.ID,
		"content":        e.Content,
		"metadata":       nonNilMap(e.Metadata),
		"correlation_id": e.CorrelationID,
	})
}

func classificationValue(c plugin.ClassificationOutput) (starlark.Value, error) {
	m := map[string]any{
		"type":       c.Type,
		"confidence": c.EffectiveConfidence(),
		"tags":       append([]string{}, c.Tags...),
	}
	return toStarlarkValue(m)
}

// classificationFromAny decodes a {type, confidence?, tags?} object produced by
// a script or policy. Nil input means no opinion.
func classificationFromAny(v any) (*plugin.ClassificationOutput, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("classification must be an object, got %T", v)
	}

	typ, _ := m["type"].(string)
	if typ == "" {
		return nil, fmt.Errorf("classification type is required")
	}
	out := &plugin.ClassificationOutput{Type: typ}

	if raw, ok := m["confidence"]; ok && raw != nil {
		conf, err := toFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("confidence: %w", err)
		}
		out.Confidence = &conf
	}

	if raw, ok := m["tags"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("tags must be a list, got %T", raw)
		}
		for _, t := range list {
			s, ok := t.(string)
			if !ok {
				return nil, fmt.Errorf("tag must be a string, got %T", t)
			}
			out.Tags = append(out.Tags, s)
		}
	}

	return out, out.Validate()
}

// bindingsFromAny decodes {type: None | number | {min_confidence: number}}.
func bindingsFromAny(v any) (plugin.Bindings, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("bindings must be a dict, got %T", v)
	}

	out := make(plugin.Bindings, len(m))
	for typ, raw := range m {
		switch b := raw.(type) {
		case nil:
			out[typ] = plugin.ActionBinding{}
		case map[string]any:
			mc, ok := b["min_confidence"]
			if !ok || mc == nil {
				out[typ] = plugin.ActionBinding{}
				continue
			}
			f, err := toFloat(mc)
			if err != nil {
				return nil, fmt.Errorf("binding %q: %w", typ, err)
			}
			out[typ] = plugin.MinConfidence(f)
		default:
			f, err := toFloat(b)
			if err != nil {
				return nil, fmt.Errorf("binding %q: %w", typ, err)
			}
			out[typ] = plugin.MinConfidence(f)
		}
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
