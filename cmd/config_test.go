package cmd

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashserve/RAGPulse/replay/backend"
	"github.com/flashserve/RAGPulse/replay/timeline"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Trace.Dir)
	assert.Equal(t, "0_trace.jsonl", cfg.Trace.File)
	assert.True(t, cfg.Trace.ValidateSchema)
	assert.Equal(t, "auto", cfg.Payload.Mode)
	assert.Equal(t, 0.05, cfg.Payload.Tolerance)
	assert.Equal(t, "uniform", cfg.Timeline.Mode)
	assert.Equal(t, 10.0, cfg.Timeline.Scale)
	assert.Equal(t, timeline.DefaultJitterWindow, cfg.Timeline.JitterWindow)
	assert.Equal(t, int64(42), cfg.Replay.Seed)
	assert.True(t, cfg.Replay.Stream)
	assert.Equal(t, "proxy", cfg.Backend.Kind)
	assert.Equal(t, 300, cfg.Backend.MaxTokens)
	assert.Equal(t, 5*time.Minute, cfg.Backend.Timeout)
	assert.Equal(t, 2.0, cfg.SLO.TTFTMax)
	assert.Equal(t, 0.1, cfg.SLO.TPOTMax)
	assert.Equal(t, "./metrics", cfg.Output.Dir)
	assert.Equal(t, ":8000", cfg.Serve.Addr)

	// proxy distributions are filled so a bare config can replay
	assert.Equal(t, "gaussian", cfg.Backend.Proxy.Rate.Type)
	assert.Equal(t, 50.0, cfg.Backend.Proxy.Rate.Params["mean"])
}

func TestLoadConfig_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ragpulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
trace:
  dir: /traces
  limit: 5
timeline:
  mode: segment
  window: 600
  factors: [2, 4]
backend:
  proxy:
    rate:
      type: constant
      params:
        value: 80
slo:
  ttft_max: 0.5
`), 0644))

	t.Setenv("RAGPULSE_REPLAY_CONCURRENCY", "16")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	flags := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	flags.Float64("ttft-max", 2.0, "")
	flags.Int("limit", 0, "")
	require.NoError(t, flags.Parse([]string{"--ttft-max=0.25"}))

	cfg, err := loadConfig(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "/traces", cfg.Trace.Dir)
	assert.Equal(t, 5, cfg.Trace.Limit, "unset flag must not override the file")
	assert.Equal(t, "segment", cfg.Timeline.Mode)
	assert.Equal(t, []float64{2, 4}, cfg.Timeline.Factors)
	assert.Equal(t, 16, cfg.Replay.Concurrency)
	assert.Equal(t, "sk-test", cfg.Backend.APIKey)
	assert.Equal(t, 0.25, cfg.SLO.TTFTMax, "explicit flag wins over the file")

	// a configured distribution replaces the default whole
	assert.Equal(t, backend.DistSpec{Type: "constant", Params: map[string]float64{"value": 80}}, cfg.Backend.Proxy.Rate)
	assert.Equal(t, "gaussian", cfg.Backend.Proxy.Delay.Type)
}

func TestLoadConfig_MissingFileFails(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := loadConfig("", nil)
		require.NoError(t, err)
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown timeline mode", func(c *Config) { c.Timeline.Mode = "warp" }, false},
		{"zero scale", func(c *Config) { c.Timeline.Scale = 0 }, false},
		{"negative factor", func(c *Config) { c.Timeline.Factors = []float64{1, -2} }, false},
		{"unknown arrival", func(c *Config) { c.Timeline.Arrival = "bursty" }, false},
		{"negative concurrency", func(c *Config) { c.Replay.Concurrency = -1 }, false},
		{"text payload mode", func(c *Config) { c.Payload.Mode = "text" }, false},
		{"chat without url", func(c *Config) { c.Backend.Kind = "chat"; c.Backend.Model = "m" }, false},
		{"chat without model", func(c *Config) { c.Backend.Kind = "chat"; c.Backend.BaseURL = "http://x" }, false},
		{"chat complete", func(c *Config) {
			c.Backend.Kind = "chat"
			c.Backend.BaseURL = "http://x"
			c.Backend.Model = "m"
		}, true},
		{"rate curve without step", func(c *Config) {
			c.Timeline.Mode = "resample"
			c.Timeline.RateCurve = []float64{1, 2}
		}, false},
		{"yaml output", func(c *Config) { c.Output.Format = "yaml" }, true},
		{"xml output", func(c *Config) { c.Output.Format = "xml" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfig_TimelineParams(t *testing.T) {
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	cfg.Timeline.Mode = "resample"
	cfg.Timeline.RateStep = 60
	cfg.Timeline.RateCurve = []float64{1, 3}
	cfg.Timeline.Arrival = "gamma"
	cfg.Timeline.BurstinessCV = 2

	rng := rand.New(rand.NewSource(1))
	p := cfg.timelineParams(rng)
	assert.Equal(t, timeline.ModeResample, p.Mode)
	require.NotNil(t, p.Curve)
	assert.Equal(t, timeline.RateCurve{Step: 60, Rates: []float64{1, 3}}, *p.Curve)
	assert.Equal(t, timeline.GapSpec{Process: "gamma", CV: 2}, p.Gaps)
	assert.Same(t, rng, p.Rand)

	cfg.Timeline.RateCurve = nil
	assert.Nil(t, cfg.timelineParams(rng).Curve)
}

func TestConfig_ArgsOmitSecrets(t *testing.T) {
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	cfg.Backend.APIKey = "sk-secret"
	args := cfg.args()
	assert.Equal(t, "10", args["time_scale"])
	assert.Equal(t, "42", args["seed"])
	for k, v := range args {
		assert.NotContains(t, v, "sk-secret", "arg %s leaks the api key", k)
	}
}
