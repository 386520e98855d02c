package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Interpolate replaces every {{dotted.path}} placeholder in template with the
// value found by walking path through data. Placeholders that do not resolve
// are left in the output untouched. Strings, numbers and booleans are written
// in their plain form; maps, slices and nil are written as JSON.
func Interpolate(template string, data map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := resolvePath(data, path)
		if !ok {
			return match
		}
		return stringify(value)
	})
}

// resolvePath walks a dotted path through nested maps and slices.
func resolvePath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = data
	for _, segment := range strings.Split(path, ".") {
		next, ok := child(current, segment)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func child(value any, key string) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		out, ok := v[key]
		return out, ok
	case map[string]string:
		out, ok := v[key]
		return out, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(v) {
			return nil, false
		}
		return v[i], true
	case nil, string, bool, float64, float32, int, int64, json.Number:
		return nil, false
	default:
		// Typed values (structs, typed slices) are addressed through their JSON shape.
		generic, ok := toGeneric(v)
		if !ok {
			return nil, false
		}
		return child(generic, key)
	}
}

func toGeneric(value any) (any, bool) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	switch out.(type) {
	case map[string]any, []any:
		return out, true
	default:
		return nil, false
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(raw)
}
