package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ChatClient sends each prompt as a single user message to a chat
// completions endpoint through the official SDK.
type ChatClient struct {
	client openai.Client
	model  openai.ChatModel
}

// NewChatClient creates a chat client for the server rooted at baseURL; the
// SDK's /v1 prefix is added here. SDK retries are disabled so a refusal
// surfaces as one failed request instead of a delayed success.
func NewChatClient(baseURL, apiKey, modelName string, timeout time.Duration) *ChatClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/v1/"))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &ChatClient{
		client: openai.NewClient(opts...),
		model:  openai.ChatModel(modelName),
	}
}

func (c *ChatClient) params(prompt Prompt, params Params) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt.Text),
		},
		Temperature: openai.Float(params.Temperature),
	}
	if params.MaxTokens > 0 {
		p.MaxTokens = openai.Int(int64(params.MaxTokens))
	}
	if params.Stream {
		p.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	}
	return p
}

// Generate starts a chat completion.
func (c *ChatClient) Generate(ctx context.Context, prompt Prompt, params Params) (Stream, error) {
	req := c.params(prompt, params)
	if !params.Stream {
		resp, err := c.client.Chat.Completions.New(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		ev := TokenEvent{Time: time.Now()}
		if len(resp.Choices) > 0 {
			ev.Text = resp.Choices[0].Message.Content
		}
		return &singleEvent{ev: ev, usage: int(resp.Usage.CompletionTokens)}, nil
	}

	s := c.client.Chat.Completions.NewStreaming(ctx, req)
	if err := s.Err(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return &chatStream{s: s}, nil
}

// chunkStream is the subset of the SDK stream the client reads.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

type chatStream struct {
	s     chunkStream
	usage int
}

func (c *chatStream) Recv() (TokenEvent, error) {
	for c.s.Next() {
		chunk := c.s.Current()
		if chunk.Usage.CompletionTokens > 0 {
			c.usage = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return TokenEvent{Time: time.Now(), Text: chunk.Choices[0].Delta.Content}, nil
	}
	if err := c.s.Err(); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return TokenEvent{}, fmt.Errorf("%w: %v", ErrMalformedStream, err)
		}
		return TokenEvent{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return TokenEvent{}, io.EOF
}

func (c *chatStream) Close() error { return c.s.Close() }

func (c *chatStream) OutputTokens() int { return c.usage }

type singleEvent struct {
	ev    TokenEvent
	usage int
	done  bool
}

func (s *singleEvent) Recv() (TokenEvent, error) {
	if s.done {
		return TokenEvent{}, io.EOF
	}
	s.done = true
	return s.ev, nil
}

func (s *singleEvent) Close() error { return nil }

func (s *singleEvent) OutputTokens() int { return s.usage }
