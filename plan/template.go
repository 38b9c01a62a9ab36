package plan

import (
	"fmt"
	"strings"
)

// Render substitutes {{path.to.field}} placeholders in value against a
// key-value context. The vocabulary is field path lookups only: a string
// that is exactly one placeholder is replaced by the raw looked-up value
// (preserving its type); a string with embedded placeholders gets string
// interpolation. Maps and slices are rendered recursively, everything
// else passes through unchanged.
func Render(value any, ctx map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return renderString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			rendered, err := Render(elem, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			rendered, err := Render(elem, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderData renders every value of a template map.
func RenderData(data map[string]any, ctx map[string]any) (map[string]any, error) {
	rendered, err := Render(data, ctx)
	if err != nil {
		return nil, err
	}
	out, _ := rendered.(map[string]any)
	return out, nil
}

func renderString(s string, ctx map[string]any) (any, error) {
	// Whole-string placeholder keeps the looked-up value's type.
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") && strings.Count(s, "{{") == 1 {
		path := strings.TrimSpace(s[2 : len(s)-2])
		return lookup(path, ctx)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])
		path := strings.TrimSpace(rest[start+2 : start+end])
		val, err := lookup(path, ctx)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%v", val)
		rest = rest[start+end+2:]
	}
}

func lookup(path string, ctx map[string]any) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("template: empty field path")
	}
	var current any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("template: %q is not addressable at %q", path, part)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("template: unknown field %q in %q", part, path)
		}
	}
	return current, nil
}
