package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CompletionsClient sends prompts to an OpenAI-compatible /v1/completions
// endpoint (vLLM, SGLang) and reads the SSE stream directly.
type CompletionsClient struct {
	baseURL    string
	apiKey     string
	modelName  string
	httpClient *http.Client
}

// NewCompletionsClient creates a completions client. A zero timeout means 5 minutes.
func NewCompletionsClient(baseURL, apiKey, modelName string, timeout time.Duration) *CompletionsClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CompletionsClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		modelName:  modelName,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type completionRequest struct {
	Model         string         `json:"model"`
	Prompt        string         `json:"prompt"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// completionChunk covers both streamed chunks and whole responses; chat
// style deltas are accepted so the client also reads chat-shaped servers.
type completionChunk struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *completionChunk) text() string {
	if len(c.Choices) == 0 {
		return ""
	}
	ch := c.Choices[0]
	switch {
	case ch.Text != "":
		return ch.Text
	case ch.Delta.Content != "":
		return ch.Delta.Content
	default:
		return ch.Message.Content
	}
}

// Generate posts the prompt and returns a stream over the response.
func (c *CompletionsClient) Generate(ctx context.Context, prompt Prompt, params Params) (Stream, error) {
	body := completionRequest{
		Model:       c.modelName,
		Prompt:      prompt.Text,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		Stream:      params.Stream,
	}
	if params.Stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: request creation: %v", ErrBackend, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrBackend, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if !params.Stream {
		return &wholeResponse{body: resp.Body}, nil
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

// sseStream reads "data: " events until [DONE] or end of body.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	usage   int
	done    bool
}

func (s *sseStream) Recv() (TokenEvent, error) {
	for !s.done && s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			break
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return TokenEvent{}, fmt.Errorf("%w: %v", ErrMalformedStream, err)
		}
		if chunk.Usage != nil {
			s.usage = chunk.Usage.CompletionTokens
		}
		// role headers, finish markers and usage chunks carry no token
		text := chunk.text()
		if text == "" {
			continue
		}
		return TokenEvent{Time: time.Now(), Text: text}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return TokenEvent{}, fmt.Errorf("%w: read stream: %v", ErrBackend, err)
	}
	s.done = true
	return TokenEvent{}, io.EOF
}

func (s *sseStream) Close() error { return s.body.Close() }

func (s *sseStream) OutputTokens() int { return s.usage }

// wholeResponse yields a non-streamed completion as a single event.
type wholeResponse struct {
	body  io.ReadCloser
	usage int
	done  bool
}

func (w *wholeResponse) Recv() (TokenEvent, error) {
	if w.done {
		return TokenEvent{}, io.EOF
	}
	w.done = true
	data, err := io.ReadAll(w.body)
	if err != nil {
		return TokenEvent{}, fmt.Errorf("%w: read error: %v", ErrBackend, err)
	}
	now := time.Now()

	var result completionChunk
	if err := json.Unmarshal(data, &result); err != nil {
		return TokenEvent{}, fmt.Errorf("%w: %v", ErrMalformedStream, err)
	}
	if result.Usage != nil {
		w.usage = result.Usage.CompletionTokens
	}
	return TokenEvent{Time: now, Text: result.text()}, nil
}

func (w *wholeResponse) Close() error { return w.body.Close() }

func (w *wholeResponse) OutputTokens() int { return w.usage }
