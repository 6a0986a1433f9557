package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
)

func TestExtractText_Shapes(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		want      string
		wantShape string
	}{
		{"openai chat", `{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`, "hi", "choices[0].message.content"},
		{"anthropic parts", `{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`, "ab", "content"},
		{"plain content", `{"content":"hello"}`, "hello", "content"},
		{"ollama chat", `{"message":{"role":"assistant","content":"yo"}}`, "yo", "message.content"},
		{"output_text list", `{"output_text":["x","y"]}`, "xy", "output_text"},
		{"nested output", `{"output":[{"content":[{"type":"output_text","text":"n1"}]},{"content":[{"text":"n2"}]}]}`, "n1n2", "output[].content[]"},
		{"legacy completion", `{"choices":[{"text":"old"}]}`, "old", "choices[0].text"},
		{"raw text body", `just text`, "just text", "raw"},
		{"json string body", `"quoted"`, "quoted", "string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, shape, ok := ExtractText([]byte(tt.body), DefaultShapes())
			require.True(t, ok)
			assert.Equal(t, tt.want, text)
			assert.Equal(t, tt.wantShape, shape)
		})
	}
}

func TestExtractText_NoMatch(t *testing.T) {
	_, _, ok := ExtractText([]byte(`{"id":"x","usage":{}}`), DefaultShapes())
	assert.False(t, ok)
}

type upperShape struct{}

func (upperShape) Name() string { return "data.reply" }
func (upperShape) Text(doc gjson.Result) (string, bool) {
	r := doc.Get("data.reply")
	return r.String(), r.Exists()
}

func TestExtractText_CustomShape(t *testing.T) {
	shapes := append([]Shape{upperShape{}}, DefaultShapes()...)
	text, shape, ok := ExtractText([]byte(`{"data":{"reply":"custom"}}`), shapes)
	require.True(t, ok)
	assert.Equal(t, "custom", text)
	assert.Equal(t, "data.reply", shape)
}

func TestHTTPClient_Complete(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: srv.URL, APIKey: "sk-test", RateLimit: 100})
	require.NoError(t, err)

	text, err := c.Complete(context.Background(), Request{
		Model:       "gpt-test",
		Temperature: 0.2,
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		Stream:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, text)
	assert.Equal(t, "gpt-test", got.Model)
	assert.False(t, got.Stream)
	assert.Len(t, got.Messages, 1)
}

func TestHTTPClient_RetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"content":"done"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: srv.URL, RateLimit: 100, MaxRetries: 2})
	require.NoError(t, err)
	c.backoff = time.Millisecond

	text, err := c.Complete(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "done", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: srv.URL, RateLimit: 100})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, flowerr.ErrUpstream))

	var up *flowerr.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, http.StatusBadRequest, up.StatusCode)
	assert.Contains(t, up.Error(), "bad model")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_NetworkFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: url, RateLimit: 100})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, flowerr.ErrUpstream))
	assert.False(t, flowerr.IsRetryable(err))
}

func TestHTTPClient_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: srv.URL, RateLimit: 100, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, flowerr.IsRetryable(err))
}

func TestNewHTTPClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(Config{})
	assert.Error(t, err)
}
