// Package extract pulls a JSON document out of noisy model output.
//
// Model replies are not guaranteed to be bare JSON: they arrive wrapped in
// markdown fences, surrounded by prose, or double-encoded as a JSON string.
// JSON tries three strategies in order and returns the first success:
//
//  1. direct parse, unwrapping one level when the value is a JSON string
//  2. the body of a fenced ```json block (then any fenced block)
//  3. a brace-balanced scan over top-level {...} spans
package extract

import (
	"encoding/json"
	"strings"
)

// JSON returns the first JSON document found in text.
// It never panics; ok is false when nothing parses.
func JSON(text string) (value any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			value, ok = nil, false
		}
	}()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	if v, ok := direct(trimmed); ok {
		return v, true
	}
	for _, block := range fencedBlocks(trimmed) {
		if v, ok := direct(block); ok {
			return v, true
		}
	}
	return scanObjects(trimmed)
}

// Object is JSON restricted to object results.
func Object(text string) (map[string]any, bool) {
	v, ok := JSON(text)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func direct(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	if str, isString := v.(string); isString {
		var inner any
		if err := json.Unmarshal([]byte(strings.TrimSpace(str)), &inner); err == nil {
			return inner, true
		}
	}
	return v, true
}

// fencedBlocks returns the bodies of fenced code blocks, json-tagged blocks
// first and untagged blocks after them.
func fencedBlocks(text string) []string {
	var tagged, other []string

	var (
		inFence   bool
		fenceChar byte
		fenceLen  int
		isJSON    bool
		body      strings.Builder
	)

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if !inFence {
			if len(trimmed) < 3 || (trimmed[0] != '`' && trimmed[0] != '~') {
				continue
			}
			n := countLeading(trimmed, trimmed[0])
			if n < 3 {
				continue
			}
			inFence, fenceChar, fenceLen = true, trimmed[0], n
			lang := strings.ToLower(strings.TrimSpace(trimmed[n:]))
			isJSON = lang == "json" || lang == "jsonc" || lang == "json5"
			body.Reset()
			continue
		}

		if len(trimmed) >= fenceLen && trimmed[0] == fenceChar {
			n := countLeading(trimmed, fenceChar)
			if n >= fenceLen && n == len(trimmed) {
				if isJSON {
					tagged = append(tagged, body.String())
				} else {
					other = append(other, body.String())
				}
				inFence = false
				continue
			}
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	// An unterminated fence still counts; models often stop mid-reply.
	if inFence && body.Len() > 0 {
		if isJSON {
			tagged = append(tagged, body.String())
		} else {
			other = append(other, body.String())
		}
	}

	return append(tagged, other...)
}

func countLeading(s string, c byte) int {
	n := 0
	for n < len(s) && s[n] == c {
		n++
	}
	return n
}

// scanObjects walks text for balanced top-level objects, skipping braces
// that appear inside string literals, and parses each span in order.
func scanObjects(text string) (any, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		end := matchBrace(text, start)
		if end < 0 {
			next := strings.IndexByte(text[start+1:], '{')
			if next < 0 {
				return nil, false
			}
			start += next + 1
			continue
		}

		var v any
		if err := json.Unmarshal([]byte(text[start:end+1]), &v); err == nil {
			return v, true
		}

		next := strings.IndexByte(text[end+1:], '{')
		if next < 0 {
			return nil, false
		}
		start = end + 1 + next
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
