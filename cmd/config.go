package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/flashserve/RAGPulse/replay/backend"
	"github.com/flashserve/RAGPulse/replay/metrics"
	"github.com/flashserve/RAGPulse/replay/payload"
	"github.com/flashserve/RAGPulse/replay/timeline"
)

// Config holds everything a replay run or the mock server needs.
type Config struct {
	Trace    TraceConfig    `mapstructure:"trace"`
	Payload  PayloadConfig  `mapstructure:"payload"`
	Timeline TimelineConfig `mapstructure:"timeline"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	Backend  BackendConfig  `mapstructure:"backend"`
	SLO      metrics.SLO    `mapstructure:"slo"`
	Output   OutputConfig   `mapstructure:"output"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Serve    ServeConfig    `mapstructure:"serve"`
}

// TraceConfig locates the trace and chunk tables.
type TraceConfig struct {
	Dir            string `mapstructure:"dir" validate:"required"`
	File           string `mapstructure:"file" validate:"required"`
	Limit          int    `mapstructure:"limit" validate:"gte=0"`
	ValidateSchema bool   `mapstructure:"validate_schema"`
}

// PayloadConfig controls payload reconstruction.
type PayloadConfig struct {
	Mode      string  `mapstructure:"mode" validate:"oneof=auto length"`
	Tolerance float64 `mapstructure:"tolerance" validate:"gte=0"`
}

// TimelineConfig selects and parameterizes the timeline transform.
type TimelineConfig struct {
	Mode         string    `mapstructure:"mode" validate:"oneof=uniform segment resample"`
	Scale        float64   `mapstructure:"scale" validate:"gt=0"`
	Window       float64   `mapstructure:"window" validate:"gt=0"`
	Factors      []float64 `mapstructure:"factors" validate:"dive,gt=0"`
	TargetRates  []float64 `mapstructure:"target_rates" validate:"dive,gt=0"`
	RateStep     float64   `mapstructure:"rate_step" validate:"gte=0"`
	RateCurve    []float64 `mapstructure:"rate_curve" validate:"dive,gte=0"`
	Arrival      string    `mapstructure:"arrival" validate:"oneof=deterministic poisson gamma weibull"`
	BurstinessCV float64   `mapstructure:"burstiness_cv" validate:"gt=0"`
	JitterMax    float64   `mapstructure:"jitter_max" validate:"gte=0"`
	JitterWindow int       `mapstructure:"jitter_window" validate:"gte=1"`
}

// ReplayConfig controls the replayer.
type ReplayConfig struct {
	Concurrency int   `mapstructure:"concurrency" validate:"gte=0"`
	Seed        int64 `mapstructure:"seed"`
	Stream      bool  `mapstructure:"stream"`
}

// BackendConfig selects the generation backend.
type BackendConfig struct {
	Kind        string              `mapstructure:"kind" validate:"oneof=proxy completions chat"`
	BaseURL     string              `mapstructure:"base_url" validate:"required_unless=Kind proxy"`
	APIKey      string              `mapstructure:"api_key"`
	Model       string              `mapstructure:"model" validate:"required_unless=Kind proxy"`
	MaxTokens   int                 `mapstructure:"max_tokens" validate:"gte=0"`
	Temperature float64             `mapstructure:"temperature" validate:"gte=0"`
	Timeout     time.Duration       `mapstructure:"timeout" validate:"gte=0"`
	Proxy       backend.ProxyConfig `mapstructure:"proxy"`
}

// OutputConfig controls where results are written.
type OutputConfig struct {
	Dir     string `mapstructure:"dir"`
	SQLite  string `mapstructure:"sqlite"`
	Format  string `mapstructure:"format" validate:"oneof=json yaml"`
	Records bool   `mapstructure:"records"`
}

// MetricsConfig controls the prometheus endpoint of a replay run.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ServeConfig controls the mock server.
type ServeConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	// Trace
	v.SetDefault("trace.dir", "./data")
	v.SetDefault("trace.file", "0_trace.jsonl")
	v.SetDefault("trace.limit", 0)
	v.SetDefault("trace.validate_schema", true)

	// Payload
	v.SetDefault("payload.mode", string(payload.ModeAuto))
	v.SetDefault("payload.tolerance", payload.DefaultTolerance)

	// Timeline
	v.SetDefault("timeline.mode", string(timeline.ModeUniform))
	v.SetDefault("timeline.scale", 10.0)
	v.SetDefault("timeline.window", 3600.0)
	v.SetDefault("timeline.factors", []float64{})
	v.SetDefault("timeline.target_rates", []float64{})
	v.SetDefault("timeline.rate_step", 0.0)
	v.SetDefault("timeline.rate_curve", []float64{})
	v.SetDefault("timeline.arrival", "poisson")
	v.SetDefault("timeline.burstiness_cv", 1.0)
	v.SetDefault("timeline.jitter_max", 0.0)
	v.SetDefault("timeline.jitter_window", timeline.DefaultJitterWindow)

	// Replay
	v.SetDefault("replay.concurrency", 0)
	v.SetDefault("replay.seed", 42)
	v.SetDefault("replay.stream", true)

	// Backend
	v.SetDefault("backend.kind", string(backend.KindProxy))
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.model", "")
	v.SetDefault("backend.max_tokens", 300)
	v.SetDefault("backend.temperature", 0.0)
	v.SetDefault("backend.timeout", 5*time.Minute)

	// SLO
	v.SetDefault("slo.ttft_max", 2.0)
	v.SetDefault("slo.tpot_max", 0.1)

	// Output
	v.SetDefault("output.dir", "./metrics")
	v.SetDefault("output.sqlite", "")
	v.SetDefault("output.format", "json")
	v.SetDefault("output.records", true)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("serve.addr", ":8000")
}

// withProxyDefaults fills unset proxy distributions. A configured
// distribution replaces its default whole, parameters included.
func withProxyDefaults(p backend.ProxyConfig) backend.ProxyConfig {
	if p.Delay.Type == "" {
		p.Delay = backend.DistSpec{Type: "gaussian", Params: map[string]float64{"mean": 0.2, "std_dev": 0.05}}
	}
	if p.Rate.Type == "" {
		p.Rate = backend.DistSpec{Type: "gaussian", Params: map[string]float64{"mean": 50, "std_dev": 10, "min": 1}}
	}
	if p.Output.Type == "" {
		p.Output = backend.DistSpec{Type: "gaussian", Params: map[string]float64{"mean": 100, "std_dev": 30, "min": 1}}
	}
	return p
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"trace-dir":     "trace.dir",
	"limit":         "trace.limit",
	"mode":          "timeline.mode",
	"scale":         "timeline.scale",
	"jitter":        "timeline.jitter_max",
	"concurrency":   "replay.concurrency",
	"seed":          "replay.seed",
	"backend":       "backend.kind",
	"base-url":      "backend.base_url",
	"model":         "backend.model",
	"ttft-max":      "slo.ttft_max",
	"tpot-max":      "slo.tpot_max",
	"output-dir":    "output.dir",
	"sqlite":        "output.sqlite",
	"metrics-addr":  "metrics.addr",
	"addr":          "serve.addr",
	"payload-mode":  "payload.mode",
	"output-format": "output.format",
}

// loadConfig merges defaults, the optional config file, .env, RAGPULSE_*
// environment variables and any flags in flags that were set explicitly.
func loadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("Ignoring .env: %v", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("RAGPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("backend.api_key", "RAGPULSE_BACKEND_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("binding api key: %w", err)
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Backend.Proxy = withProxyDefaults(cfg.Backend.Proxy)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Timeline.Mode == string(timeline.ModeResample) && len(c.Timeline.RateCurve) > 0 && c.Timeline.RateStep <= 0 {
		return fmt.Errorf("invalid config: timeline.rate_step must be positive when timeline.rate_curve is set")
	}
	return nil
}

// timelineParams translates the timeline section into transform parameters.
func (c *Config) timelineParams(rng *rand.Rand) timeline.Params {
	t := c.Timeline
	p := timeline.Params{
		Mode:         timeline.Mode(t.Mode),
		Scale:        t.Scale,
		Window:       t.Window,
		Factors:      t.Factors,
		TargetRates:  t.TargetRates,
		Gaps:         timeline.GapSpec{Process: t.Arrival, CV: t.BurstinessCV},
		JitterMax:    t.JitterMax,
		JitterWindow: t.JitterWindow,
		Rand:         rng,
	}
	if len(t.RateCurve) > 0 {
		p.Curve = &timeline.RateCurve{Step: t.RateStep, Rates: t.RateCurve}
	}
	return p
}

func (c *Config) backendConfig() backend.Config {
	return backend.Config{
		Kind:    backend.Kind(c.Backend.Kind),
		BaseURL: c.Backend.BaseURL,
		APIKey:  c.Backend.APIKey,
		Model:   c.Backend.Model,
		Timeout: c.Backend.Timeout,
		Proxy:   c.Backend.Proxy,
	}
}

func (c *Config) backendParams() backend.Params {
	return backend.Params{
		MaxTokens:   c.Backend.MaxTokens,
		Temperature: c.Backend.Temperature,
		Stream:      c.Replay.Stream,
	}
}

// args summarizes the run's arguments for the metrics file. Secrets are left out.
func (c *Config) args() map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return map[string]string{
		"trace_dir":     c.Trace.Dir,
		"trace_file":    c.Trace.File,
		"limit":         strconv.Itoa(c.Trace.Limit),
		"payload_mode":  c.Payload.Mode,
		"timeline_mode": c.Timeline.Mode,
		"time_scale":    f(c.Timeline.Scale),
		"jitter_max":    f(c.Timeline.JitterMax),
		"concurrency":   strconv.Itoa(c.Replay.Concurrency),
		"seed":          strconv.FormatInt(c.Replay.Seed, 10),
		"stream":        strconv.FormatBool(c.Replay.Stream),
		"backend":       c.Backend.Kind,
		"model":         c.Backend.Model,
		"ttft_max":      f(c.SLO.TTFTMax),
		"tpot_max":      f(c.SLO.TPOTMax),
	}
}
