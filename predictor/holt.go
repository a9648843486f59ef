package predictor

import (
	"fmt"
	"math"
	"sync"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultAlpha is the level smoothing factor.
	DefaultAlpha = 0.5

	// DefaultBeta is the trend smoothing factor.
	DefaultBeta = 0.3

	// DefaultWindowSize bounds the residual window used for the
	// confidence bounds.
	DefaultWindowSize = 30

	// DefaultMinSamples is the number of samples required before the
	// smoother reports a stable forecast.
	DefaultMinSamples = 3

	// boundZ is the z-score used for the confidence bounds (~95%).
	boundZ = 1.96
)

// Config tunes a Holt smoother.
type Config struct {
	Alpha      float64
	Beta       float64
	WindowSize int
	MinSamples int
}

// DefaultConfig returns the smoothing parameters used when none are
// supplied.
func DefaultConfig() Config {
	return Config{
		Alpha:      DefaultAlpha,
		Beta:       DefaultBeta,
		WindowSize: DefaultWindowSize,
		MinSamples: DefaultMinSamples,
	}
}

// Holt is a double exponential smoother over throughput samples in
// bytes per second. It tracks a level and a trend so a sustained ramp
// up or down moves the forecast faster than a plain moving average.
type Holt struct {
	mu sync.Mutex

	alpha      float64
	beta       float64
	minSamples int

	level   float64
	trend   float64
	samples int

	residuals  []float64
	windowSize int
	next       int
	filled     bool
}

// NewHolt creates a smoother with default parameters.
func NewHolt() *Holt {
	return NewHoltWithConfig(DefaultConfig())
}

// NewHoltWithConfig creates a smoother with the given parameters.
// Out-of-range values fall back to the defaults.
func NewHoltWithConfig(cfg Config) *Holt {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.Beta <= 0 || cfg.Beta > 1 {
		cfg.Beta = DefaultBeta
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	return &Holt{
		alpha:      cfg.Alpha,
		beta:       cfg.Beta,
		minSamples: cfg.MinSamples,
		residuals:  make([]float64, cfg.WindowSize),
		windowSize: cfg.WindowSize,
	}
}

// Observe feeds one throughput sample in bytes per second. The first
// sample seeds the level, the second seeds the trend.
func (h *Holt) Observe(sample float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sample < 0 {
		sample = 0
	}
	h.samples++

	switch h.samples {
	case 1:
		h.level = sample
		h.trend = 0
		return
	case 2:
		h.trend = sample - h.level
	}

	h.recordResidual(sample - (h.level + h.trend))

	prevLevel := h.level
	h.level = h.alpha*sample + (1-h.alpha)*(h.level+h.trend)
	h.trend = h.beta*(h.level-prevLevel) + (1-h.beta)*h.trend
}

func (h *Holt) recordResidual(r float64) {
	h.residuals[h.next] = r
	h.next++
	if h.next == h.windowSize {
		h.next = 0
		h.filled = true
	}
}

func (h *Holt) residualStddev() float64 {
	n := h.next
	if h.filled {
		n = h.windowSize
	}
	if n < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += h.residuals[i]
	}
	mean := sum / float64(n)
	var ss float64
	for i := 0; i < n; i++ {
		d := h.residuals[i] - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// Forecast projects the throughput `steps` intervals ahead, floored at
// zero. Before any sample has been observed it returns 0.
func (h *Holt) Forecast(steps int) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.samples == 0 {
		return 0
	}
	f := h.level + float64(steps)*h.trend
	if f < 0 {
		return 0
	}
	return f
}

// Bounds returns a confidence interval around Forecast(steps) derived
// from the residual variance. With fewer than two residuals both
// bounds collapse onto the forecast.
func (h *Holt) Bounds(steps int) (lo, hi float64) {
	h.mu.Lock()
	stddev := h.residualStddev()
	var f float64
	if h.samples > 0 {
		f = h.level + float64(steps)*h.trend
		if f < 0 {
			f = 0
		}
	}
	h.mu.Unlock()

	margin := boundZ * stddev
	lo = f - margin
	if lo < 0 {
		lo = 0
	}
	return lo, f + margin
}

// IsStable reports whether enough samples have been observed for the
// forecast to be trusted.
func (h *Holt) IsStable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.samples >= h.minSamples
}

// Samples returns the number of samples observed so far.
func (h *Holt) Samples() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.samples
}

// Reset discards all state, returning the smoother to uninitialized.
func (h *Holt) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.level = 0
	h.trend = 0
	h.samples = 0
	h.next = 0
	h.filled = false
}

// String renders the current one-step forecast as a human-readable
// rate, e.g. "1.0 MB/s (stable)".
func (h *Holt) String() string {
	rate := h.Forecast(1)
	state := "warming up"
	if h.IsStable() {
		state = "stable"
	}
	return fmt.Sprintf("%s/s (%s)", humanize.Bytes(uint64(rate)), state)
}
