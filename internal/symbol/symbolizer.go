package symbol

import (
	"math"
)

// Config holds the symbolization thresholds. Zero fields take defaults.
type Config struct {
	// Epsilon guards the relative change against a zero previous value.
	Epsilon float64 `koanf:"epsilon"`

	// StrongThreshold is the relative change at or beyond which a move is
	// strong (default 0.05).
	StrongThreshold float64 `koanf:"strong_threshold"`

	// WeakThreshold is the relative change at or beyond which a move is no
	// longer flat (default 0.01).
	WeakThreshold float64 `koanf:"weak_threshold"`

	// SampleScale is n0 in 1-exp(-n/n0) (default 30).
	SampleScale float64 `koanf:"sample_scale"`

	// VarianceWeight is k in 1/(1+k·σ) (default 2).
	VarianceWeight float64 `koanf:"variance_weight"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Epsilon:         1e-9,
		StrongThreshold: 0.05,
		WeakThreshold:   0.01,
		SampleScale:     30,
		VarianceWeight:  2,
	}
}

// Reading is the result of symbolizing one sample against its predecessor.
type Reading struct {
	Symbol        Symbol
	Confidence    float64
	Delta         float64
	LowConfidence bool
}

// Symbolizer converts consecutive raw values into symbols. It is stateless
// after construction and safe for concurrent use.
type Symbolizer struct {
	cfg Config
}

// NewSymbolizer creates a Symbolizer, filling zero config fields with
// defaults.
func NewSymbolizer(cfg Config) *Symbolizer {
	def := DefaultConfig()
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = def.Epsilon
	}
	if cfg.StrongThreshold <= 0 {
		cfg.StrongThreshold = def.StrongThreshold
	}
	if cfg.WeakThreshold <= 0 {
		cfg.WeakThreshold = def.WeakThreshold
	}
	if cfg.SampleScale <= 0 {
		cfg.SampleScale = def.SampleScale
	}
	if cfg.VarianceWeight < 0 {
		cfg.VarianceWeight = def.VarianceWeight
	}
	return &Symbolizer{cfg: cfg}
}

// Config returns the effective thresholds.
func (s *Symbolizer) Config() Config { return s.cfg }

// Classify maps a relative change to a symbol.
func (s *Symbolizer) Classify(delta float64) Symbol {
	switch {
	case delta >= s.cfg.StrongThreshold:
		return StrongUp
	case delta >= s.cfg.WeakThreshold:
		return Up
	case delta <= -s.cfg.StrongThreshold:
		return StrongDown
	case delta <= -s.cfg.WeakThreshold:
		return Down
	}
	return Flat
}

// Symbolize computes the symbol and confidence for curr given prev.
//
// recent holds the relative changes already in the short window; it only
// affects confidence. A missing value (NaN or Inf on either side) or a
// non-positive sample size yields Flat with zero confidence and
// LowConfidence set. The result depends only on the arguments.
func (s *Symbolizer) Symbolize(prev, curr float64, sampleSize int, recent []float64) Reading {
	if !finite(prev) || !finite(curr) || sampleSize <= 0 {
		return Reading{Symbol: Flat, LowConfidence: true}
	}

	delta := (curr - prev) / math.Max(math.Abs(prev), s.cfg.Epsilon)

	size := 1 - math.Exp(-float64(sampleSize)/s.cfg.SampleScale)
	stability := 1 / (1 + s.cfg.VarianceWeight*stddev(recent, delta))

	return Reading{
		Symbol:     s.Classify(delta),
		Confidence: clamp01(size * stability),
		Delta:      delta,
	}
}

func stddev(recent []float64, next float64) float64 {
	n := 0
	sum := 0.0
	for _, d := range recent {
		if finite(d) {
			sum += d
			n++
		}
	}
	sum += next
	n++
	if n < 2 {
		return 0
	}
	mean := sum / float64(n)

	ss := 0.0
	for _, d := range recent {
		if finite(d) {
			ss += (d - mean) * (d - mean)
		}
	}
	ss += (next - mean) * (next - mean)
	return math.Sqrt(ss / float64(n))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
