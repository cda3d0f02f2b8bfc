package backend

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(v float64) DistSpec {
	return DistSpec{Type: "constant", Params: map[string]float64{"value": v}}
}

func TestProxy_FixedDelayAndRate(t *testing.T) {
	p, err := NewProxy(ProxyConfig{Delay: constant(0.05), Rate: constant(100)}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	start := time.Now()
	s, err := p.Generate(context.Background(), Prompt{OutputTokens: 11}, Params{Stream: true})
	require.NoError(t, err)
	events, err := drain(t, s)
	require.NoError(t, err)
	require.Len(t, events, 11)

	ttft := events[0].Time.Sub(start).Seconds()
	assert.InDelta(t, 0.05, ttft, 0.03)
	tpot := events[10].Time.Sub(events[0].Time).Seconds() / 10
	assert.InDelta(t, 0.01, tpot, 0.005)
	assert.Equal(t, 11, s.(UsageReporter).OutputTokens())
}

func TestProxy_OutputLength(t *testing.T) {
	p, err := NewProxy(ProxyConfig{Rate: constant(1e6), Output: constant(7)}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	tests := []struct {
		name     string
		declared int
		max      int
		want     int
	}{
		{"declared wins", 20, 0, 20},
		{"capped by max tokens", 20, 5, 5},
		{"sampled when unknown", 0, 0, 7},
		{"sampled then capped", 0, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := p.Generate(context.Background(), Prompt{OutputTokens: tt.declared}, Params{MaxTokens: tt.max, Stream: true})
			require.NoError(t, err)
			events, err := drain(t, s)
			require.NoError(t, err)
			assert.Len(t, events, tt.want)
		})
	}
}

func TestProxy_NonStreamingDeliversOneEvent(t *testing.T) {
	p, err := NewProxy(ProxyConfig{Delay: constant(0.01), Rate: constant(1000)}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	s, err := p.Generate(context.Background(), Prompt{OutputTokens: 4}, Params{})
	require.NoError(t, err)
	events, err := drain(t, s)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, " tok tok tok tok", events[0].Text)
	assert.Equal(t, 4, s.(UsageReporter).OutputTokens())
}

func TestProxy_CancelledContextStopsStream(t *testing.T) {
	p, err := NewProxy(ProxyConfig{Delay: constant(10), Rate: constant(1)}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := p.Generate(ctx, Prompt{OutputTokens: 3}, Params{Stream: true})
	require.NoError(t, err)
	cancel()
	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrBackend)
}

func TestProxy_ConcurrentGenerate(t *testing.T) {
	spec := DistSpec{Type: "uniform", Params: map[string]float64{"min": 5000, "max": 10000}}
	p, err := NewProxy(ProxyConfig{Rate: spec}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s, err := p.Generate(context.Background(), Prompt{ID: id, OutputTokens: 5}, Params{Stream: true})
			if err != nil {
				t.Errorf("generate %d: %v", id, err)
				return
			}
			events, err := drain(t, s)
			if err != nil || len(events) != 5 {
				t.Errorf("request %d: %d events, err %v", id, len(events), err)
			}
		}(i)
	}
	wg.Wait()
}

func TestNewProxy_Errors(t *testing.T) {
	_, err := NewProxy(ProxyConfig{Rate: constant(1)}, nil)
	assert.Error(t, err)
	_, err = NewProxy(ProxyConfig{}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
	_, err = NewProxy(ProxyConfig{Rate: DistSpec{Type: "zipf"}}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestNew_SelectsKind(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	b, err := New(Config{Kind: KindProxy, Proxy: ProxyConfig{Rate: constant(1)}}, rng)
	require.NoError(t, err)
	assert.IsType(t, &Proxy{}, b)

	b, err = New(Config{Kind: KindCompletions, BaseURL: "http://localhost:8000"}, rng)
	require.NoError(t, err)
	assert.IsType(t, &CompletionsClient{}, b)

	b, err = New(Config{Kind: KindChat, BaseURL: "http://localhost:8000/v1/"}, rng)
	require.NoError(t, err)
	assert.IsType(t, &ChatClient{}, b)

	_, err = New(Config{Kind: "grpc"}, rng)
	assert.Error(t, err)
}
