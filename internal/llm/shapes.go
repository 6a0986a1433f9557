package llm

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Shape extracts the assistant text from one family of response bodies.
// Shapes are tried in order; the first that yields non-empty text wins.
type Shape interface {
	Name() string
	Text(doc gjson.Result) (string, bool)
}

// pathShape reads text at a gjson path. The value may be a string, a list
// of strings, or a list of content parts carrying a "text" field.
type pathShape struct {
	name string
	path string
}

func (s pathShape) Name() string { return s.name }

func (s pathShape) Text(doc gjson.Result) (string, bool) {
	return textOf(doc.Get(s.path))
}

// nestedOutputShape handles output[].content[].text, where every output
// item carries its own list of content parts.
type nestedOutputShape struct{}

func (nestedOutputShape) Name() string { return "output[].content[]" }

func (nestedOutputShape) Text(doc gjson.Result) (string, bool) {
	out := doc.Get("output")
	if !out.IsArray() {
		return "", false
	}
	var b strings.Builder
	for _, item := range out.Array() {
		if t, ok := textOf(item.Get("content")); ok {
			b.WriteString(t)
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

// DefaultShapes returns the built-in strategies in precedence order.
func DefaultShapes() []Shape {
	return []Shape{
		pathShape{name: "content", path: "content"},
		pathShape{name: "message.content", path: "message.content"},
		pathShape{name: "choices[0].message.content", path: "choices.0.message.content"},
		pathShape{name: "choices[0].text", path: "choices.0.text"},
		pathShape{name: "output_text", path: "output_text"},
		nestedOutputShape{},
		pathShape{name: "response", path: "response"},
	}
}

// PathShape builds a Shape reading text at a gjson path.
func PathShape(name, path string) Shape {
	return pathShape{name: name, path: path}
}

// ExtractText runs shapes over body in order. Non-JSON bodies are returned
// verbatim. The name of the matching shape is returned for diagnostics.
func ExtractText(body []byte, shapes []Shape) (text, shape string, ok bool) {
	if !gjson.ValidBytes(body) {
		s := strings.TrimSpace(string(body))
		return s, "raw", s != ""
	}
	doc := gjson.ParseBytes(body)
	if doc.Type == gjson.String {
		return doc.Str, "string", doc.Str != ""
	}
	for _, sh := range shapes {
		if t, ok := sh.Text(doc); ok {
			return t, sh.Name(), true
		}
	}
	return "", "", false
}

func textOf(r gjson.Result) (string, bool) {
	switch {
	case !r.Exists():
		return "", false
	case r.Type == gjson.String:
		return r.Str, r.Str != ""
	case r.IsArray():
		var b strings.Builder
		for _, part := range r.Array() {
			switch {
			case part.Type == gjson.String:
				b.WriteString(part.Str)
			case part.IsObject():
				if t := part.Get("text"); t.Type == gjson.String {
					b.WriteString(t.Str)
				}
			}
		}
		return b.String(), b.Len() > 0
	case r.IsObject():
		if t := r.Get("text"); t.Type == gjson.String {
			return t.Str, t.Str != ""
		}
	}
	return "", false
}
