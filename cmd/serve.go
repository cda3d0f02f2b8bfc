package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flashserve/RAGPulse/replay"
	"github.com/flashserve/RAGPulse/replay/backend"
)

// serveCmd runs an OpenAI-compatible server whose responses come from the
// statistical proxy, so replays can be exercised without a GPU.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an OpenAI-compatible mock endpoint backed by the statistical proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return runServe(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8000", "Listen address")
	serveCmd.Flags().String("model", "", "Model name reported by the server")
	serveCmd.Flags().Int64("seed", 42, "Seed for the proxy samplers")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *Config) error {
	rng := replay.NewPartitionedRNG(replay.RunKey(cfg.Replay.Seed))
	proxy, err := backend.NewProxy(cfg.Backend.Proxy, rng.ForSubsystem(replay.SubsystemBackend))
	if err != nil {
		return fmt.Errorf("creating proxy backend: %w", err)
	}
	model := cfg.Backend.Model
	if model == "" {
		model = "ragpulse-proxy"
	}

	srv := &http.Server{
		Addr:              cfg.Serve.Addr,
		Handler:           newMockRouter(proxy, model, prometheus.NewRegistry()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("Mock server listening on %s (model %s)", cfg.Serve.Addr, model)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logrus.Info("Shutting down mock server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// mockServer answers completion requests from a Backend.
type mockServer struct {
	backend backend.Backend
	model   string

	requests *prometheus.CounterVec
	tokens   prometheus.Counter
}

// newMockRouter builds the mock server's routes. Metrics are registered with reg.
func newMockRouter(b backend.Backend, model string, reg *prometheus.Registry) http.Handler {
	f := promauto.With(reg)
	s := &mockServer{
		backend: b,
		model:   model,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ragpulse_mock_requests_total",
			Help: "Requests served by the mock server, by endpoint and status",
		}, []string{"endpoint", "status"}),
		tokens: f.NewCounter(prometheus.CounterOpts{
			Name: "ragpulse_mock_output_tokens_total",
			Help: "Tokens generated by the mock server",
		}),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.health)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.models)
		r.Post("/completions", s.completions)
		r.Post("/chat/completions", s.chatCompletions)
	})
	return router
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

// mockRequest is the subset of the completions and chat request bodies the
// mock server reads.
type mockRequest struct {
	Model               string        `json:"model"`
	Prompt              any           `json:"prompt"`
	Messages            []chatMessage `json:"messages"`
	MaxTokens           int           `json:"max_tokens"`
	MaxCompletionTokens int           `json:"max_completion_tokens"`
	Temperature         float64       `json:"temperature"`
	Stream              bool          `json:"stream"`
	StreamOptions       *streamOpts   `json:"stream_options"`
}

func (m *mockRequest) text() string {
	if len(m.Messages) > 0 {
		parts := make([]string, 0, len(m.Messages))
		for _, msg := range m.Messages {
			parts = append(parts, contentText(msg.Content))
		}
		return strings.Join(parts, "\n")
	}
	return contentText(m.Prompt)
}

// contentText flattens a string, a list of strings, or a list of text parts.
func contentText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		parts := make([]string, 0, len(c))
		for _, p := range c {
			switch p := p.(type) {
			case string:
				parts = append(parts, p)
			case map[string]any:
				if t, ok := p["text"].(string); ok {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func (m *mockRequest) maxTokens() int {
	if m.MaxCompletionTokens > 0 {
		return m.MaxCompletionTokens
	}
	return m.MaxTokens
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chunkShape renders one choice for either API flavour.
type chunkShape struct {
	object   string
	chunkObj string
	choice   func(text string, finish *string, final bool) map[string]any
}

var completionShape = chunkShape{
	object:   "text_completion",
	chunkObj: "text_completion",
	choice: func(text string, finish *string, _ bool) map[string]any {
		return map[string]any{"index": 0, "text": text, "finish_reason": finish, "logprobs": nil}
	},
}

var chatShape = chunkShape{
	object:   "chat.completion",
	chunkObj: "chat.completion.chunk",
	choice: func(text string, finish *string, final bool) map[string]any {
		content := map[string]any{"role": "assistant", "content": text}
		if final {
			return map[string]any{"index": 0, "message": content, "finish_reason": finish, "logprobs": nil}
		}
		return map[string]any{"index": 0, "delta": content, "finish_reason": finish, "logprobs": nil}
	},
}

func (s *mockServer) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *mockServer) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       s.model,
			"object":   "model",
			"created":  0,
			"owned_by": "ragpulse",
		}},
	})
}

func (s *mockServer) completions(w http.ResponseWriter, r *http.Request) {
	s.generate(w, r, "completions", completionShape)
}

func (s *mockServer) chatCompletions(w http.ResponseWriter, r *http.Request) {
	s.generate(w, r, "chat", chatShape)
}

func (s *mockServer) generate(w http.ResponseWriter, r *http.Request, endpoint string, shape chunkShape) {
	var req mockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.requests.WithLabelValues(endpoint, "400").Inc()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	text := req.text()
	if text == "" {
		s.requests.WithLabelValues(endpoint, "400").Inc()
		writeError(w, http.StatusBadRequest, "empty prompt")
		return
	}

	prompt := backend.Prompt{Text: text, InputTokens: len(strings.Fields(text))}
	params := backend.Params{MaxTokens: req.maxTokens(), Temperature: req.Temperature, Stream: req.Stream}
	stream, err := s.backend.Generate(r.Context(), prompt, params)
	if err != nil {
		s.requests.WithLabelValues(endpoint, "500").Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer stream.Close()

	id := "cmpl-" + uuid.NewString()
	created := time.Now().Unix()
	stop := "stop"

	if !req.Stream {
		var sb strings.Builder
		n := 0
		for {
			ev, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				s.requests.WithLabelValues(endpoint, "500").Inc()
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			sb.WriteString(ev.Text)
			n++
		}
		if u, ok := stream.(backend.UsageReporter); ok && u.OutputTokens() > 0 {
			n = u.OutputTokens()
		}
		s.tokens.Add(float64(n))
		s.requests.WithLabelValues(endpoint, "200").Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  shape.object,
			"created": created,
			"model":   s.model,
			"choices": []map[string]any{shape.choice(sb.String(), &stop, true)},
			"usage":   usage{PromptTokens: prompt.InputTokens, CompletionTokens: n, TotalTokens: prompt.InputTokens + n},
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	chunk := func(choices []map[string]any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  shape.chunkObj,
			"created": created,
			"model":   s.model,
			"choices": choices,
		}
	}

	n := 0
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// headers are gone; the client sees a stream without [DONE]
			logrus.Warnf("Mock stream %s aborted after %d tokens: %v", id, n, err)
			s.requests.WithLabelValues(endpoint, "aborted").Inc()
			return
		}
		if !send(chunk([]map[string]any{shape.choice(ev.Text, nil, false)})) {
			s.requests.WithLabelValues(endpoint, "aborted").Inc()
			return
		}
		n++
		s.tokens.Inc()
	}
	send(chunk([]map[string]any{shape.choice("", &stop, false)}))
	if req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
		final := chunk([]map[string]any{})
		final["usage"] = usage{PromptTokens: prompt.InputTokens, CompletionTokens: n, TotalTokens: prompt.InputTokens + n}
		send(final)
	}
	s.requests.WithLabelValues(endpoint, "200").Inc()
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    http.StatusText(status),
			"code":    nil,
		},
	})
}
