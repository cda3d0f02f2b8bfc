// Package backend provides the generation capability the replayer drives:
// a statistical proxy and clients for OpenAI-compatible inference servers.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var (
	// ErrBackend wraps transport failures, refusals and non-success statuses.
	ErrBackend = errors.New("backend error")
	// ErrMalformedStream means the server sent a stream event that could not be decoded.
	ErrMalformedStream = errors.New("malformed stream")
)

// Prompt is one request handed to a backend.
type Prompt struct {
	ID           int
	Text         string
	InputTokens  int
	OutputTokens int // declared output length; 0 when unknown
}

// Params are per-call generation parameters.
type Params struct {
	MaxTokens   int
	Temperature float64
	Stream      bool
}

// TokenEvent is one streamed token (or chunk) arrival.
type TokenEvent struct {
	Time time.Time
	Text string
}

// Stream yields token events. Recv returns io.EOF once the generation has
// finished; any other error terminates the stream.
type Stream interface {
	Recv() (TokenEvent, error)
	Close() error
}

// UsageReporter is implemented by streams that learn the server-side
// output token count. OutputTokens is only meaningful after io.EOF and is 0
// when the server did not report usage.
type UsageReporter interface {
	OutputTokens() int
}

// Backend generates a token stream for a prompt. Implementations must be
// safe for concurrent use.
type Backend interface {
	Generate(ctx context.Context, prompt Prompt, params Params) (Stream, error)
}

// Kind names a Backend implementation.
type Kind string

const (
	KindProxy       Kind = "proxy"
	KindCompletions Kind = "completions"
	KindChat        Kind = "chat"
)

// Config selects and configures a Backend.
type Config struct {
	Kind    Kind
	BaseURL string // server root, without the /v1 prefix
	APIKey  string
	Model   string
	Timeout time.Duration
	Proxy   ProxyConfig
}

// New builds the Backend named by cfg.Kind. rng seeds the proxy's samplers
// and is ignored by the HTTP clients.
func New(cfg Config, rng *rand.Rand) (Backend, error) {
	switch cfg.Kind {
	case KindProxy, "":
		return NewProxy(cfg.Proxy, rng)
	case KindCompletions:
		return NewCompletionsClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	case KindChat:
		return NewChatClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
