package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_IdempotentOnCleanJSON(t *testing.T) {
	values := []any{
		map[string]any{"files": []any{"src/a.ts"}, "rationale": "x"},
		map[string]any{
			"commit_message": "feat: add thing",
			"changes": []any{
				map[string]any{"path": "a.go", "operation": "update", "content": "package a\n\nfunc A() {}\n"},
			},
		},
		[]any{1.0, "two", true, nil},
		"plain string",
		42.0,
	}

	for _, want := range values {
		raw, err := json.Marshal(want)
		require.NoError(t, err)

		got, ok := JSON(string(raw))
		require.True(t, ok, string(raw))
		assert.Equal(t, want, got)
	}
}

func TestJSON_UnwrapsStringEncodedDocument(t *testing.T) {
	inner := `{"files":["a.go"]}`
	wrapped, err := json.Marshal(inner)
	require.NoError(t, err)

	got, ok := JSON(string(wrapped))
	require.True(t, ok)
	assert.Equal(t, map[string]any{"files": []any{"a.go"}}, got)
}

func TestJSON_FencedBlock(t *testing.T) {
	text := "Here is the result:\n\n```json\n{\"files\": [\"src/a.ts\"]}\n```\n\nLet me know!"
	got, ok := JSON(text)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"files": []any{"src/a.ts"}}, got)
}

func TestJSON_PrefersJSONTaggedFence(t *testing.T) {
	text := "```text\nnot json\n```\n```json\n{\"a\": 1}\n```"
	got, ok := JSON(text)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": 1.0}, got)
}

func TestJSON_UnterminatedFence(t *testing.T) {
	got, ok := JSON("```json\n{\"a\": true}\n")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": true}, got)
}

func TestJSON_BraceScan(t *testing.T) {
	tests := []struct {
		name string
		text string
		want any
	}{
		{
			name: "prose around object",
			text: `Sure! {"ok": true} hope that helps`,
			want: map[string]any{"ok": true},
		},
		{
			name: "braces inside strings",
			text: `Result: {"content": "func main() { fmt.Println(\"}\") }"} done`,
			want: map[string]any{"content": "func main() { fmt.Println(\"}\") }"},
		},
		{
			name: "first span invalid second valid",
			text: `{not json} and then {"n": 2}`,
			want: map[string]any{"n": 2.0},
		},
		{
			name: "unbalanced prefix",
			text: `{ oops {"n": 3}`,
			want: map[string]any{"n": 3.0},
		},
		{
			name: "nested objects",
			text: `noise {"a": {"b": {"c": 1}}} trailing }`,
			want: map[string]any{"a": map[string]any{"b": map[string]any{"c": 1.0}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := JSON(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSON_Failures(t *testing.T) {
	for _, text := range []string{"", "   ", "no json here", "{unclosed", "}{"} {
		got, ok := JSON(text)
		assert.False(t, ok, text)
		assert.Nil(t, got)
	}
}

func TestObject(t *testing.T) {
	m, ok := Object(`{"a": 1}`)
	require.True(t, ok)
	assert.Equal(t, 1.0, m["a"])

	_, ok = Object(`[1, 2]`)
	assert.False(t, ok)
}
