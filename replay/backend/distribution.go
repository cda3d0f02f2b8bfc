package backend

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
)

// DistSpec describes a parametric or empirical distribution.
type DistSpec struct {
	Type   string             `yaml:"type" mapstructure:"type"`
	Params map[string]float64 `yaml:"params" mapstructure:"params"`
}

// Sampler draws one value.
type Sampler interface {
	Sample(rng *rand.Rand) float64
}

// ConstantSampler always returns the same value.
type ConstantSampler struct {
	value float64
}

func (s *ConstantSampler) Sample(_ *rand.Rand) float64 { return s.value }

// GaussianSampler produces clamped Gaussian values.
type GaussianSampler struct {
	mean, stdDev float64
	min, max     float64
}

func (s *GaussianSampler) Sample(rng *rand.Rand) float64 {
	if s.min == s.max {
		return s.min
	}
	val := rng.NormFloat64()*s.stdDev + s.mean
	return math.Min(s.max, math.Max(s.min, val))
}

// ExponentialSampler produces exponentially-distributed values.
type ExponentialSampler struct {
	mean float64
}

func (s *ExponentialSampler) Sample(rng *rand.Rand) float64 {
	return rng.ExpFloat64() * s.mean
}

// LogNormalSampler draws exp(mu + sigma*Z).
type LogNormalSampler struct {
	mu, sigma float64
}

func (s *LogNormalSampler) Sample(rng *rand.Rand) float64 {
	val := math.Exp(s.mu + s.sigma*rng.NormFloat64())
	if math.IsInf(val, 0) || math.IsNaN(val) {
		return math.MaxFloat64
	}
	return val
}

// UniformSampler draws from [min, max).
type UniformSampler struct {
	min, max float64
}

func (s *UniformSampler) Sample(rng *rand.Rand) float64 {
	return s.min + rng.Float64()*(s.max-s.min)
}

// EmpiricalSampler samples an empirical PDF by inverse CDF.
type EmpiricalSampler struct {
	values []float64
	cdf    []float64
}

// NewEmpiricalSampler builds a sampler from value → probability. Probabilities
// are normalized; non-positive ones are dropped.
func NewEmpiricalSampler(pdf map[float64]float64) *EmpiricalSampler {
	keys := make([]float64, 0, len(pdf))
	total := 0.0
	for k, p := range pdf {
		if p <= 0 {
			continue
		}
		keys = append(keys, k)
		total += p
	}
	sort.Float64s(keys)

	s := &EmpiricalSampler{values: keys, cdf: make([]float64, len(keys))}
	cumulative := 0.0
	for i, k := range keys {
		cumulative += pdf[k] / total
		s.cdf[i] = cumulative
	}
	if len(s.cdf) > 0 {
		s.cdf[len(s.cdf)-1] = 1.0
	}
	return s
}

func (s *EmpiricalSampler) Sample(rng *rand.Rand) float64 {
	if len(s.values) == 0 {
		return 0
	}
	idx := sort.SearchFloat64s(s.cdf, rng.Float64())
	if idx >= len(s.values) {
		idx = len(s.values) - 1
	}
	return s.values[idx]
}

func requireParam(params map[string]float64, keys ...string) error {
	for _, k := range keys {
		if _, ok := params[k]; !ok {
			return fmt.Errorf("distribution requires parameter %q", k)
		}
	}
	return nil
}

// NewSampler creates a Sampler from a DistSpec. For "empirical", every
// parameter key is a numeric value and its parameter is the probability.
func NewSampler(spec DistSpec) (Sampler, error) {
	p := spec.Params
	switch spec.Type {
	case "constant":
		if err := requireParam(p, "value"); err != nil {
			return nil, err
		}
		return &ConstantSampler{value: p["value"]}, nil

	case "gaussian":
		if err := requireParam(p, "mean", "std_dev"); err != nil {
			return nil, err
		}
		s := &GaussianSampler{mean: p["mean"], stdDev: p["std_dev"], min: 0, max: math.MaxFloat64}
		if v, ok := p["min"]; ok {
			s.min = v
		}
		if v, ok := p["max"]; ok {
			s.max = v
		}
		if s.min > s.max {
			return nil, fmt.Errorf("gaussian min %v exceeds max %v", s.min, s.max)
		}
		return s, nil

	case "exponential":
		if err := requireParam(p, "mean"); err != nil {
			return nil, err
		}
		return &ExponentialSampler{mean: p["mean"]}, nil

	case "lognormal":
		if err := requireParam(p, "mu", "sigma"); err != nil {
			return nil, err
		}
		return &LogNormalSampler{mu: p["mu"], sigma: p["sigma"]}, nil

	case "uniform":
		if err := requireParam(p, "min", "max"); err != nil {
			return nil, err
		}
		if p["min"] > p["max"] {
			return nil, fmt.Errorf("uniform min %v exceeds max %v", p["min"], p["max"])
		}
		return &UniformSampler{min: p["min"], max: p["max"]}, nil

	case "empirical":
		pdf := make(map[float64]float64, len(p))
		for k, v := range p {
			x, err := strconv.ParseFloat(k, 64)
			if err != nil {
				return nil, fmt.Errorf("empirical PDF key %q is not a number: %w", k, err)
			}
			pdf[x] = v
		}
		s := NewEmpiricalSampler(pdf)
		if len(s.values) == 0 {
			return nil, fmt.Errorf("empirical distribution has no valid bins")
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown distribution type %q", spec.Type)
	}
}
