package symbol

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultWindow is the default number of points kept per indicator.
const DefaultWindow = 7

// Timeframe is the sampling cadence of an indicator.
type Timeframe string

// Supported timeframes.
const (
	Timeframe1h Timeframe = "1h"
	Timeframe4h Timeframe = "4h"
	Timeframe1d Timeframe = "1d"
	Timeframe1w Timeframe = "1w"
)

// ParseTimeframe parses a timeframe. Empty input yields 1d.
func ParseTimeframe(s string) (Timeframe, error) {
	switch tf := Timeframe(strings.ToLower(strings.TrimSpace(s))); tf {
	case "":
		return Timeframe1d, nil
	case Timeframe1h, Timeframe4h, Timeframe1d, Timeframe1w:
		return tf, nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Trend classifies the shape of a whole indicator window.
type Trend string

// Trend classes.
const (
	TrendStable        Trend = "stable"
	TrendStrengthening Trend = "strengthening"
	TrendWeakening     Trend = "weakening"
	TrendVolatile      Trend = "volatile"
)

// Point is one symbolized sample in an indicator window.
type Point struct {
	Timestamp     time.Time `json:"timestamp"`
	RawValue      float64   `json:"raw_value"`
	SampleSize    int       `json:"sample_size"`
	Symbol        Symbol    `json:"symbol"`
	Confidence    float64   `json:"confidence"`
	Delta         float64   `json:"delta"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
}

// Indicator is a rolling window of symbolized points for one metric of one
// entity. It is not safe for concurrent use; the engine guards it with the
// owning entity's lock.
type Indicator struct {
	Metric    string    `json:"metric"`
	Timeframe Timeframe `json:"timeframe"`
	Window    []Point   `json:"window"`
	Trend     Trend     `json:"trend"`

	capacity int
}

// NewIndicator creates an empty indicator. A non-positive capacity uses
// DefaultWindow.
func NewIndicator(metric string, tf Timeframe, capacity int) *Indicator {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	if tf == "" {
		tf = Timeframe1d
	}
	return &Indicator{
		Metric:    metric,
		Timeframe: tf,
		Trend:     TrendStable,
		capacity:  capacity,
		Window:    make([]Point, 0, capacity),
	}
}

// Capacity returns the maximum window length.
func (ind *Indicator) Capacity() int { return ind.capacity }

// Append symbolizes a new raw value against the latest finite value in the
// window, appends it, evicts the oldest point when full and refreshes the
// trend class.
func (ind *Indicator) Append(s *Symbolizer, ts time.Time, raw float64, sampleSize int) Point {
	prev := math.NaN()
	for i := len(ind.Window) - 1; i >= 0; i-- {
		if finite(ind.Window[i].RawValue) {
			prev = ind.Window[i].RawValue
			break
		}
	}

	recent := make([]float64, 0, len(ind.Window))
	for _, p := range ind.Window {
		if !p.LowConfidence {
			recent = append(recent, p.Delta)
		}
	}

	r := s.Symbolize(prev, raw, sampleSize, recent)
	p := Point{
		Timestamp:     ts,
		RawValue:      raw,
		SampleSize:    sampleSize,
		Symbol:        r.Symbol,
		Confidence:    r.Confidence,
		Delta:         r.Delta,
		LowConfidence: r.LowConfidence,
	}

	if len(ind.Window) >= ind.capacity {
		copy(ind.Window, ind.Window[1:])
		ind.Window = ind.Window[:len(ind.Window)-1]
	}
	ind.Window = append(ind.Window, p)
	ind.Trend = ClassifyTrend(ind.Window)
	return p
}

// Last returns the newest point.
func (ind *Indicator) Last() (Point, bool) {
	if len(ind.Window) == 0 {
		return Point{}, false
	}
	return ind.Window[len(ind.Window)-1], true
}

// Symbols returns the window's symbols, oldest first.
func (ind *Indicator) Symbols() []Symbol {
	out := make([]Symbol, len(ind.Window))
	for i, p := range ind.Window {
		out[i] = p.Symbol
	}
	return out
}

// Clone returns a deep copy safe to hand outside the entity lock.
func (ind *Indicator) Clone() *Indicator {
	c := *ind
	c.Window = append(make([]Point, 0, ind.capacity), ind.Window...)
	return &c
}

// ClassifyTrend returns the trend class of a window. Windows with fewer than
// two points are stable.
func ClassifyTrend(points []Point) Trend {
	n := len(points)
	if n < 2 {
		return TrendStable
	}

	flips, transitions := 0, n-1
	for i := 1; i < n; i++ {
		a, b := points[i-1].Symbol.Sign(), points[i].Symbol.Sign()
		if a != 0 && b != 0 && a != b {
			flips++
		}
	}
	if flips > 0 && flips*2 >= transitions {
		return TrendVolatile
	}

	half := n / 2
	first := meanMagnitude(points[:half])
	last := meanMagnitude(points[n-half:])
	switch {
	case last-first > 1e-9:
		return TrendStrengthening
	case first-last > 1e-9:
		return TrendWeakening
	}
	return TrendStable
}

func meanMagnitude(points []Point) float64 {
	if len(points) == 0 {
		return 0
	}
	sum := 0
	for _, p := range points {
		sum += int(p.Symbol)
	}
	return float64(sum) / float64(len(points))
}
