// Package prompt renders {{dotted.path}} placeholders in prompt text.
package prompt

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Vars is the variable bag a template renders against.
type Vars map[string]any

// Render replaces every {{path}} in tpl with the value found at path in
// vars. Strings render verbatim, objects and arrays as compact JSON, and
// missing or null values as the empty string. Render never fails.
func Render(tpl string, vars map[string]any) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}
	doc := encode(vars)
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		if len(sub) < 2 {
			return ""
		}
		return stringify(gjson.Get(doc, toGJSONPath(sub[1])))
	})
}

// Lookup resolves a dotted path against vars. Numeric segments index arrays.
// An empty path returns the whole bag.
func Lookup(vars map[string]any, path string) (any, bool) {
	if strings.TrimSpace(path) == "" {
		return vars, true
	}
	return LookupValue(vars, path)
}

// LookupValue resolves a dotted path against any JSON-shaped value.
func LookupValue(value any, path string) (any, bool) {
	if strings.TrimSpace(path) == "" {
		return value, true
	}
	r := gjson.Get(encode(value), toGJSONPath(path))
	if !r.Exists() {
		return nil, false
	}
	return r.Value(), true
}

// Placeholders lists the distinct paths referenced by tpl, in order.
func Placeholders(tpl string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(tpl, -1) {
		p := strings.TrimSpace(m[1])
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func encode(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func stringify(r gjson.Result) string {
	switch r.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return r.Str
	default:
		return r.Raw
	}
}

// toGJSONPath escapes gjson's wildcard and modifier characters so that
// placeholders are always plain key lookups.
func toGJSONPath(path string) string {
	path = strings.TrimSpace(path)
	var b strings.Builder
	for _, c := range path {
		switch c {
		case '*', '?', '|', '#', '@', '!', '=', '<', '>', '%', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
