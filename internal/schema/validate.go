// Package schema validates decoded JSON values against declarative schemas
// and hosts the built-in contracts used for structured model output.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/jsonschema-go/jsonschema"
)

// FieldError is one validation failure at a location in the document.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of Validate.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// String renders the errors one per line as "path: message".
func (r Result) String() string {
	lines := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		lines = append(lines, e.Path+": "+e.Message)
	}
	return strings.Join(lines, "\n")
}

// Validate checks value against s. Values that are not already in the
// shape produced by encoding/json are normalized through a JSON round trip.
// A nil schema accepts everything.
func Validate(value any, s *jsonschema.Schema) Result {
	v := &validator{}
	v.walk("$", normalize(value), s)
	return Result{Valid: len(v.errs) == 0, Errors: v.errs}
}

type validator struct {
	errs []FieldError
}

func (v *validator) fail(path, format string, args ...any) {
	v.errs = append(v.errs, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// matches runs a detached validation used by combinators.
func matches(val any, s *jsonschema.Schema) bool {
	sub := &validator{}
	sub.walk("$", val, s)
	return len(sub.errs) == 0
}

func (v *validator) walk(path string, val any, s *jsonschema.Schema) {
	if s == nil {
		return
	}

	if types := schemaTypes(s); len(types) > 0 {
		if !typeMatches(val, types) {
			v.fail(path, "expected %s, got %s", strings.Join(types, " or "), typeName(val))
			return
		}
	}

	if len(s.Enum) > 0 && !inEnum(val, s.Enum) {
		v.fail(path, "must be one of %s", formatEnum(s.Enum))
	}
	if s.Const != nil && !equalValues(val, normalize(*s.Const)) {
		v.fail(path, "must equal %v", *s.Const)
	}

	switch tv := val.(type) {
	case string:
		v.checkString(path, tv, s)
	case float64:
		v.checkNumber(path, tv, s)
	case []any:
		v.checkArray(path, tv, s)
	case map[string]any:
		v.checkObject(path, tv, s)
	}

	for _, sub := range s.AllOf {
		v.walk(path, val, sub)
	}
	if len(s.AnyOf) > 0 {
		ok := false
		for _, sub := range s.AnyOf {
			if matches(val, sub) {
				ok = true
				break
			}
		}
		if !ok {
			v.fail(path, "must match at least one allowed shape")
		}
	}
	if len(s.OneOf) > 0 {
		n := 0
		for _, sub := range s.OneOf {
			if matches(val, sub) {
				n++
			}
		}
		if n != 1 {
			v.fail(path, "must match exactly one allowed shape, matched %d", n)
		}
	}
	if s.Not != nil && matches(val, s.Not) {
		v.fail(path, "is not allowed")
	}

	if s.If != nil {
		if matches(val, s.If) {
			v.walk(path, val, s.Then)
		} else {
			v.walk(path, val, s.Else)
		}
	}
}

func (v *validator) checkString(path, str string, s *jsonschema.Schema) {
	n := utf8.RuneCountInString(str)
	if s.MinLength != nil && n < *s.MinLength {
		v.fail(path, "must be at least %d characters", *s.MinLength)
	}
	if s.MaxLength != nil && n > *s.MaxLength {
		v.fail(path, "must be at most %d characters", *s.MaxLength)
	}
	if s.Pattern != "" {
		re, err := compilePattern(s.Pattern)
		if err != nil {
			v.fail(path, "schema pattern %q is invalid: %v", s.Pattern, err)
			return
		}
		if !re.MatchString(str) {
			v.fail(path, "must match pattern %s", s.Pattern)
		}
	}
}

func (v *validator) checkNumber(path string, n float64, s *jsonschema.Schema) {
	if s.Minimum != nil && n < *s.Minimum {
		v.fail(path, "must be >= %v", *s.Minimum)
	}
	if s.Maximum != nil && n > *s.Maximum {
		v.fail(path, "must be <= %v", *s.Maximum)
	}
}

func (v *validator) checkArray(path string, arr []any, s *jsonschema.Schema) {
	if s.MinItems != nil && len(arr) < *s.MinItems {
		v.fail(path, "must contain at least %d items", *s.MinItems)
	}
	if s.MaxItems != nil && len(arr) > *s.MaxItems {
		v.fail(path, "must contain at most %d items", *s.MaxItems)
	}
	if s.Items != nil {
		for i, item := range arr {
			v.walk(path+"["+strconv.Itoa(i)+"]", item, s.Items)
		}
	}
}

func (v *validator) checkObject(path string, obj map[string]any, s *jsonschema.Schema) {
	for _, name := range s.Required {
		if _, ok := obj[name]; !ok {
			v.fail(childPath(path, name), "is required")
		}
	}

	// Sorted keys keep error order deterministic.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if prop, ok := s.Properties[k]; ok {
			v.walk(childPath(path, k), obj[k], prop)
			continue
		}
		if s.AdditionalProperties != nil {
			if isFalseSchema(s.AdditionalProperties) {
				v.fail(childPath(path, k), "is not an allowed property")
				continue
			}
			v.walk(childPath(path, k), obj[k], s.AdditionalProperties)
		}
	}
}

func childPath(parent, name string) string {
	return parent + "." + name
}

// isFalseSchema reports the {"not": {}} form jsonschema-go uses for false.
func isFalseSchema(s *jsonschema.Schema) bool {
	return s.Not != nil && reflect.DeepEqual(*s.Not, jsonschema.Schema{})
}

func schemaTypes(s *jsonschema.Schema) []string {
	if s.Type != "" {
		return []string{s.Type}
	}
	return s.Types
}

func typeMatches(val any, types []string) bool {
	actual := typeName(val)
	for _, t := range types {
		if t == actual {
			return true
		}
		if t == "number" && actual == "integer" {
			return true
		}
	}
	return false
}

func typeName(val any) string {
	switch tv := val.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		if tv == math.Trunc(tv) && !math.IsInf(tv, 0) {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", val)
	}
}

func inEnum(val any, enum []any) bool {
	for _, e := range enum {
		if equalValues(val, normalize(e)) {
			return true
		}
	}
	return false
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func formatEnum(enum []any) string {
	parts := make([]string, 0, len(enum))
	for _, e := range enum {
		b, err := json.Marshal(e)
		if err != nil {
			parts = append(parts, fmt.Sprint(e))
			continue
		}
		parts = append(parts, string(b))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

var patternCache sync.Map // pattern string -> *regexp.Regexp

func compilePattern(p string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	patternCache.Store(p, re)
	return re, nil
}

// normalize converts arbitrary Go values into the encoding/json decoded form.
func normalize(val any) any {
	if isPlain(val) {
		return val
	}
	b, err := json.Marshal(val)
	if err != nil {
		return val
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return val
	}
	return out
}

func isPlain(val any) bool {
	switch tv := val.(type) {
	case nil, bool, string, float64:
		return true
	case []any:
		for _, item := range tv {
			if !isPlain(item) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range tv {
			if !isPlain(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
