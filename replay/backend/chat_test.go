package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatChunk(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`, content)
}

func TestChatClient_StreamingSendsUserMessage(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, tok := range []string{"", "Hel", "lo", " there"} {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", chatChunk(tok))
			flusher.Flush()
			time.Sleep(2 * time.Millisecond)
		}
		_, _ = fmt.Fprint(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`+"\n\n")
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	client := NewChatClient(server.URL, "key", "m", time.Minute)
	s, err := client.Generate(context.Background(), Prompt{Text: "question"}, Params{MaxTokens: 300, Stream: true})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	events, err := drain(t, s)
	require.NoError(t, err)
	require.Len(t, events, 3, "empty deltas are not tokens")
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, 3, s.(UsageReporter).OutputTokens())

	msgs, ok := body["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, msgs, 1)
	msg := msgs[0].(map[string]interface{})
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, "question", msg["content"])
	assert.Equal(t, true, body["stream"])
	assert.EqualValues(t, 300, body["max_tokens"])
}

func TestChatClient_NonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id":"c2","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"answer"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":12,"total_tokens":19}}`)
	}))
	defer server.Close()

	client := NewChatClient(server.URL, "", "m", 0)
	s, err := client.Generate(context.Background(), Prompt{Text: "q"}, Params{})
	require.NoError(t, err)
	events, err := drain(t, s)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "answer", events[0].Text)
	assert.Equal(t, 12, s.(UsageReporter).OutputTokens())
}

func TestChatClient_ServerErrorIsBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer server.Close()

	client := NewChatClient(server.URL, "", "m", 0)
	_, err := client.Generate(context.Background(), Prompt{Text: "q"}, Params{Stream: true})
	assert.ErrorIs(t, err, ErrBackend)
}
