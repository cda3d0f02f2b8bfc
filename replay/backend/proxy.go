package backend

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProxyConfig holds the distributions the statistical proxy samples per
// request. Delay is seconds until the first token, Rate is tokens per second
// after it, and Output is the number of tokens generated when the prompt
// declares no output length.
type ProxyConfig struct {
	Delay  DistSpec `yaml:"delay" mapstructure:"delay"`
	Rate   DistSpec `yaml:"rate" mapstructure:"rate"`
	Output DistSpec `yaml:"output" mapstructure:"output"`
}

// minTokenRate bounds sampled rates away from zero.
const minTokenRate = 0.01

// Proxy is a Backend that emits synthetic tokens with sampled timing.
// It stands in for a model server when only the arrival pattern matters.
type Proxy struct {
	delay  Sampler
	rate   Sampler
	output Sampler

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProxy builds a Proxy. A zero Delay spec means no delay; a zero Output
// spec falls back to one token. Rate is required.
func NewProxy(cfg ProxyConfig, rng *rand.Rand) (*Proxy, error) {
	if rng == nil {
		return nil, fmt.Errorf("proxy backend requires a random source")
	}
	p := &Proxy{rng: rng}
	var err error
	if cfg.Rate.Type == "" {
		return nil, fmt.Errorf("proxy backend requires a token rate distribution")
	}
	if p.rate, err = NewSampler(cfg.Rate); err != nil {
		return nil, fmt.Errorf("rate: %w", err)
	}
	p.delay = &ConstantSampler{}
	if cfg.Delay.Type != "" {
		if p.delay, err = NewSampler(cfg.Delay); err != nil {
			return nil, fmt.Errorf("delay: %w", err)
		}
	}
	p.output = &ConstantSampler{value: 1}
	if cfg.Output.Type != "" {
		if p.output, err = NewSampler(cfg.Output); err != nil {
			return nil, fmt.Errorf("output: %w", err)
		}
	}
	return p, nil
}

// Generate samples the request's timing and returns a stream that paces
// tokens in real time.
func (p *Proxy) Generate(ctx context.Context, prompt Prompt, params Params) (Stream, error) {
	start := time.Now()

	p.mu.Lock()
	delay := math.Max(0, p.delay.Sample(p.rng))
	r := math.Max(minTokenRate, p.rate.Sample(p.rng))
	n := prompt.OutputTokens
	if n <= 0 {
		n = int(math.Round(p.output.Sample(p.rng)))
	}
	p.mu.Unlock()

	if params.MaxTokens > 0 && n > params.MaxTokens {
		n = params.MaxTokens
	}
	if n < 1 {
		n = 1
	}

	firstAt := start.Add(seconds(delay))
	if !params.Stream {
		return &bufferedStream{ctx: ctx, due: firstAt.Add(seconds(float64(n-1) / r)), n: n}, nil
	}
	return &proxyStream{
		ctx:     ctx,
		firstAt: firstAt,
		limiter: rate.NewLimiter(rate.Limit(r), 1),
		n:       n,
	}, nil
}

type proxyStream struct {
	ctx     context.Context
	firstAt time.Time
	limiter *rate.Limiter
	n, sent int
}

func (s *proxyStream) Recv() (TokenEvent, error) {
	if s.sent >= s.n {
		return TokenEvent{}, io.EOF
	}
	if s.sent == 0 {
		if err := sleepUntil(s.ctx, s.firstAt); err != nil {
			return TokenEvent{}, err
		}
		// spend the burst token so later tokens are paced from here
		s.limiter.Allow()
	} else if err := s.limiter.Wait(s.ctx); err != nil {
		return TokenEvent{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	s.sent++
	return TokenEvent{Time: time.Now(), Text: proxyToken}, nil
}

func (s *proxyStream) Close() error { return nil }

func (s *proxyStream) OutputTokens() int { return s.sent }

// bufferedStream delivers a whole non-streamed response as one event once
// generation would have finished.
type bufferedStream struct {
	ctx  context.Context
	due  time.Time
	n    int
	done bool
}

func (s *bufferedStream) Recv() (TokenEvent, error) {
	if s.done {
		return TokenEvent{}, io.EOF
	}
	if err := sleepUntil(s.ctx, s.due); err != nil {
		return TokenEvent{}, err
	}
	s.done = true
	return TokenEvent{Time: time.Now(), Text: strings.Repeat(proxyToken, s.n)}, nil
}

func (s *bufferedStream) Close() error { return nil }

func (s *bufferedStream) OutputTokens() int { return s.n }

const proxyToken = " tok"

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBackend, ctx.Err())
	}
}
