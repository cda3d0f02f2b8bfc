package timeline

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
)

// RateCurve is a piecewise-constant target request rate: Rates[k] requests
// per second during [k*Step, (k+1)*Step) of dispatch time. The last rate
// extends indefinitely.
type RateCurve struct {
	Step  float64   `yaml:"step" mapstructure:"step"`
	Rates []float64 `yaml:"rates" mapstructure:"rates"`
}

func (c *RateCurve) validate() error {
	if c.Step <= 0 {
		return fmt.Errorf("%w: rate curve step must be positive", ErrInvalidParams)
	}
	if len(c.Rates) == 0 {
		return fmt.Errorf("%w: rate curve has no rates", ErrInvalidParams)
	}
	for k, r := range c.Rates {
		if r < 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("%w: rate %d must be finite and non-negative", ErrInvalidParams, k)
		}
	}
	if c.Rates[len(c.Rates)-1] <= 0 {
		return fmt.Errorf("%w: final rate must be positive", ErrInvalidParams)
	}
	return nil
}

// Inverse returns the dispatch time at which the cumulative expected
// arrival count of the curve reaches u.
func (c *RateCurve) Inverse(u float64) float64 {
	if u <= 0 {
		return 0
	}
	acc := 0.0
	last := len(c.Rates) - 1
	for k, r := range c.Rates {
		start := float64(k) * c.Step
		if k == last {
			return start + (u-acc)/r
		}
		mass := r * c.Step
		if r > 0 && u <= acc+mass {
			return start + (u-acc)/r
		}
		acc += mass
	}
	return 0
}

// GapSpec selects how far apart consecutive arrivals sit in cumulative
// intensity space. All processes have unit mean so the empirical rate tracks
// the curve; CV > 1 makes arrivals burstier.
type GapSpec struct {
	Process string  `yaml:"process" mapstructure:"process"` // "deterministic", "poisson", "gamma", "weibull"
	CV      float64 `yaml:"cv" mapstructure:"cv"`
}

// gapSampler draws one unit-mean gap.
type gapSampler interface {
	Sample(rng *rand.Rand) float64
}

type fixedGap struct{}

func (fixedGap) Sample(*rand.Rand) float64 { return 1 }

type exponentialGap struct{}

func (exponentialGap) Sample(rng *rand.Rand) float64 { return rng.ExpFloat64() }

// gammaGap has shape 1/CV² and scale CV².
type gammaGap struct {
	shape, scale float64
}

func (g gammaGap) Sample(rng *rand.Rand) float64 {
	return gammaRand(rng, g.shape, g.scale)
}

// weibullGap uses inverse-CDF sampling: scale * (-ln U)^(1/shape).
type weibullGap struct {
	shape, scale float64
}

func (w weibullGap) Sample(rng *rand.Rand) float64 {
	u := rng.Float64()
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}
	return w.scale * math.Pow(-math.Log(u), 1.0/w.shape)
}

func newGapSampler(spec GapSpec) (gapSampler, error) {
	cv := spec.CV
	if cv <= 0 {
		cv = 1
	}
	switch spec.Process {
	case "", "deterministic":
		return fixedGap{}, nil
	case "poisson":
		return exponentialGap{}, nil
	case "gamma":
		shape := 1.0 / (cv * cv)
		if shape < 0.01 {
			logrus.Warnf("Gamma shape %.4f (CV=%.1f) is very small; falling back to Poisson gaps", shape, cv)
			return exponentialGap{}, nil
		}
		return gammaGap{shape: shape, scale: cv * cv}, nil
	case "weibull":
		k := weibullShapeFromCV(cv)
		return weibullGap{shape: k, scale: 1.0 / math.Gamma(1.0+1.0/k)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown gap process %q", ErrInvalidParams, spec.Process)
	}
}

// resample redraws dispatch times against the target curve. Entries that
// share an original timestamp share a dispatch time; the first entry is
// always dispatched at 0.
func resample(offsets []float64, p Params) ([]float64, error) {
	out := make([]float64, len(offsets))
	if p.Curve == nil {
		copy(out, offsets)
		return out, nil
	}
	if err := p.Curve.validate(); err != nil {
		return nil, err
	}
	gaps, err := newGapSampler(p.Gaps)
	if err != nil {
		return nil, err
	}
	if _, fixed := gaps.(fixedGap); !fixed && p.Rand == nil {
		return nil, fmt.Errorf("%w: %s gaps require a random source", ErrInvalidParams, p.Gaps.Process)
	}

	u := 0.0
	for i := range offsets {
		if i > 0 && offsets[i] > offsets[i-1] {
			u += gaps.Sample(p.Rand)
		}
		out[i] = p.Curve.Inverse(u)
	}
	return out, nil
}

// gammaRand samples Gamma(shape, scale) with Marsaglia-Tsang; shape < 1 uses
// Gamma(a) = Gamma(a+1) * U^(1/a).
func gammaRand(rng *rand.Rand, shape, scale float64) float64 {
	if shape < 1.0 {
		u := rng.Float64()
		return gammaRand(rng, shape+1.0, scale) * math.Pow(u, 1.0/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*(x*x)*(x*x) {
			return d * v * scale
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v * scale
		}
	}
}

// weibullShapeFromCV bisects for k with CV(k) = target on [0.1, 100].
func weibullShapeFromCV(targetCV float64) float64 {
	lo, hi := 0.1, 100.0
	for i := 0; i < 100; i++ {
		mid := (lo + hi) / 2.0
		cv := weibullCV(mid)
		if math.Abs(cv-targetCV) < 0.001 {
			return mid
		}
		// CV decreases in k
		if cv > targetCV {
			lo = mid
		} else {
			hi = mid
		}
	}
	logrus.Warnf("weibullShapeFromCV: bisection did not converge for CV=%.3f; using k=%.3f", targetCV, (lo+hi)/2.0)
	return (lo + hi) / 2.0
}

func weibullCV(k float64) float64 {
	g1 := math.Gamma(1.0 + 1.0/k)
	g2 := math.Gamma(1.0 + 2.0/k)
	return math.Sqrt(g2/(g1*g1) - 1.0)
}
